// Package connections resolves named database connections for the copier.
package connections

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"dbcopier/pkg/copyerr"
)

// DriverMySQL is the only driver the copier can dump from and load into.
const DriverMySQL = "mysql"

const defaultMySQLPort = 3306

// Connection is a resolved set of credentials for one database server.
type Connection struct {
	Name     string `yaml:"-" json:"name"`
	Driver   string `yaml:"driver" json:"driver"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	Database string `yaml:"database" json:"database,omitempty"`
}

// String renders the connection without its password.
func (c Connection) String() string {
	db := c.Database
	if db == "" {
		db = "-"
	}
	return fmt.Sprintf("%s(%s@%s:%d/%s)", c.Name, c.Username, c.Host, c.Port, db)
}

type entry struct {
	conn      Connection
	ephemeral bool
	copyID    string
}

// Registry maps connection names to resolved connections. Entries derived for
// a single copy are keyed by the copy id so concurrent copies against the same
// server never overwrite each other.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]entry
	clusterIDs map[string]string
}

// NewRegistry builds a registry from configured connections.
func NewRegistry(conns map[string]Connection, clusterIDs map[string]string) *Registry {
	r := &Registry{
		entries:    make(map[string]entry, len(conns)),
		clusterIDs: make(map[string]string, len(clusterIDs)),
	}
	for name, c := range conns {
		c.Name = name
		if c.Port == 0 {
			c.Port = defaultMySQLPort
		}
		if c.Host == "" {
			c.Host = "127.0.0.1"
		}
		r.entries[name] = entry{conn: c}
	}
	for name, id := range clusterIDs {
		r.clusterIDs[name] = id
	}
	return r
}

type fileFormat struct {
	Connections map[string]Connection `yaml:"connections"`
	Cloud       struct {
		DatabaseClusterIDs map[string]string `yaml:"database_cluster_ids"`
	} `yaml:"cloud"`
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} with its environment value. A bare $ is kept as
// written so passwords containing it survive.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// LoadFile reads a YAML connections file. ${VAR} references are expanded from
// the environment before parsing so secrets can stay out of the file.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connections file: %w", err)
	}
	return Parse([]byte(expandEnv(string(raw))))
}

// Parse decodes the YAML connections format.
func Parse(data []byte) (*Registry, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse connections: %w", err)
	}
	if len(f.Connections) == 0 {
		return nil, copyerr.New(copyerr.Configuration, "no connections configured")
	}
	return NewRegistry(f.Connections, f.Cloud.DatabaseClusterIDs), nil
}

// Names returns the configured connection names, sorted. Per-copy entries are
// not included; this is the allow-list accepted at the request boundary.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if e.ephemeral {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is a configured (non per-copy) connection.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && !e.ephemeral
}

// Lookup returns the connection registered under name without checking its driver.
func (r *Registry) Lookup(name string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.conn, ok
}

// Resolve returns the connection registered under name. Unknown names and
// drivers other than mysql are configuration errors.
func (r *Registry) Resolve(name string) (Connection, error) {
	c, ok := r.Lookup(name)
	if !ok {
		return Connection{}, copyerr.New(copyerr.Configuration, "connection [%s] is not configured", name)
	}
	if c.Driver != DriverMySQL {
		return Connection{}, copyerr.New(copyerr.Configuration, "connection [%s] must use %s, got %q", name, DriverMySQL, c.Driver)
	}
	return c, nil
}

// WithoutDatabase registers (or returns) a sibling of name with no database
// selected, for drop/create statements. The sibling is private to copyID.
func (r *Registry) WithoutDatabase(name, copyID string) (Connection, error) {
	return r.derive(name, copyID, name+"_server_"+copyID, "")
}

// ForDatabase registers (or returns) a sibling of name pointed at database,
// private to copyID.
func (r *Registry) ForDatabase(name, copyID, database string) (Connection, error) {
	return r.derive(name, copyID, name+"_"+copyID, database)
}

func (r *Registry) derive(name, copyID, key, database string) (Connection, error) {
	if strings.TrimSpace(copyID) == "" {
		return Connection{}, copyerr.New(copyerr.Configuration, "copy id is required to derive connection [%s]", name)
	}
	base, err := r.Resolve(name)
	if err != nil {
		return Connection{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok && e.ephemeral && e.conn.Database == database {
		return e.conn, nil
	}
	derived := base
	derived.Name = key
	derived.Database = database
	r.entries[key] = entry{conn: derived, ephemeral: true, copyID: copyID}
	return derived, nil
}

// Release drops every entry derived for copyID.
func (r *Registry) Release(copyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.entries {
		if e.ephemeral && e.copyID == copyID {
			delete(r.entries, key)
		}
	}
}

// ClusterID returns the cloud database cluster id configured for name.
func (r *Registry) ClusterID(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.clusterIDs[name]
	return id, ok && id != ""
}
