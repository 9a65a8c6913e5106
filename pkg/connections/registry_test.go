package connections

import (
	"reflect"
	"testing"

	"dbcopier/pkg/copyerr"
)

const sample = `
connections:
  source:
    driver: mysql
    host: src.internal
    username: copier
    password: ${TEST_SOURCE_PASSWORD}
    database: app
  dest_a:
    driver: mysql
    host: a.internal
    port: 3307
    username: copier
    password: secret
    database: app
  reporting:
    driver: pgsql
    host: pg.internal
cloud:
  database_cluster_ids:
    dest_a: clu_123
`

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return reg
}

func TestResolve(t *testing.T) {
	reg := newTestRegistry(t)

	tests := []struct {
		name     string
		conn     string
		wantErr  bool
		wantPort int
	}{
		{name: "default port", conn: "source", wantPort: 3306},
		{name: "explicit port", conn: "dest_a", wantPort: 3307},
		{name: "unknown", conn: "missing", wantErr: true},
		{name: "unsupported driver", conn: "reporting", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.Resolve(tt.conn)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve(%q) error = %v, wantErr %v", tt.conn, err, tt.wantErr)
			}
			if err != nil {
				if !copyerr.IsKind(err, copyerr.Configuration) {
					t.Fatalf("Resolve(%q) error kind = %v, want configuration", tt.conn, err)
				}
				return
			}
			if got.Port != tt.wantPort {
				t.Fatalf("Port = %d, want %d", got.Port, tt.wantPort)
			}
			if got.Name != tt.conn {
				t.Fatalf("Name = %q, want %q", got.Name, tt.conn)
			}
		})
	}
}

func TestLoadFileExpandsEnv(t *testing.T) {
	t.Setenv("TEST_SOURCE_PASSWORD", "from-env")
	path := t.TempDir() + "/connections.yaml"
	if err := writeFile(path, sample); err != nil {
		t.Fatal(err)
	}
	reg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	c, err := reg.Resolve("source")
	if err != nil {
		t.Fatal(err)
	}
	if c.Password != "from-env" {
		t.Fatalf("Password = %q, want expanded value", c.Password)
	}
}

func TestExpandEnvKeepsBareDollar(t *testing.T) {
	t.Setenv("TEST_DB_USER", "copier")
	t.Setenv("word", "leaked")

	tests := map[string]string{
		"password: pa$word":          "password: pa$word",
		"username: ${TEST_DB_USER}":  "username: copier",
		"password: ${TEST_UNSET_X}":  "password: ",
		"password: $${TEST_DB_USER}": "password: $copier",
		"password: ${not valid}":     "password: ${not valid}",
	}
	for in, want := range tests {
		if got := expandEnv(in); got != want {
			t.Errorf("expandEnv(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWithoutDatabaseIsScopedPerCopy(t *testing.T) {
	reg := newTestRegistry(t)

	a, err := reg.WithoutDatabase("dest_a", "copy-1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := reg.WithoutDatabase("dest_a", "copy-2")
	if err != nil {
		t.Fatal(err)
	}
	if a.Name == b.Name {
		t.Fatalf("per-copy connections share the key %q", a.Name)
	}
	if a.Database != "" || b.Database != "" {
		t.Fatalf("server connections must not select a database")
	}

	scoped, err := reg.ForDatabase("dest_a", "copy-1", "tenant_7")
	if err != nil {
		t.Fatal(err)
	}
	if scoped.Database != "tenant_7" {
		t.Fatalf("Database = %q, want tenant_7", scoped.Database)
	}
	base, _ := reg.Resolve("dest_a")
	if base.Database != "app" {
		t.Fatalf("base connection was repointed to %q", base.Database)
	}

	if !reflect.DeepEqual(reg.Names(), []string{"dest_a", "reporting", "source"}) {
		t.Fatalf("Names() leaked per-copy entries: %v", reg.Names())
	}

	reg.Release("copy-1")
	if _, ok := reg.Lookup(a.Name); ok {
		t.Fatalf("Release() kept %q", a.Name)
	}
	if _, ok := reg.Lookup(scoped.Name); ok {
		t.Fatalf("Release() kept %q", scoped.Name)
	}
	if _, ok := reg.Lookup(b.Name); !ok {
		t.Fatalf("Release() dropped another copy's entry")
	}
}

func TestClusterID(t *testing.T) {
	reg := newTestRegistry(t)
	if id, ok := reg.ClusterID("dest_a"); !ok || id != "clu_123" {
		t.Fatalf("ClusterID(dest_a) = %q, %v", id, ok)
	}
	if _, ok := reg.ClusterID("source"); ok {
		t.Fatalf("ClusterID(source) should be missing")
	}
}
