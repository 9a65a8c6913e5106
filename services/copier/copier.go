// Package copier drives a single database copy through its stages:
// destination resolution, preparation, schema and data dumps, restore,
// import and verification.
package copier

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"dbcopier/pkg/catalog"
	"dbcopier/pkg/connections"
	"dbcopier/pkg/telemetry"
	"dbcopier/pkg/toolexec"
	"dbcopier/services/store"
)

// TaskKind identifies copy tasks on the queue.
const TaskKind = "copy"

// EventCopyStatus is the subject copy transitions are published on.
const EventCopyStatus = "dbcopier.events.copies.status"

// CopyTask is the queued request to execute one Copy. DestConnections holds
// the candidate list; the persisted Copy only ever stores the resolved one.
type CopyTask struct {
	CopyID              string   `json:"copy_id"`
	SourceConnection    string   `json:"source_connection"`
	SourceDatabase      string   `json:"source_db"`
	DestConnections     []string `json:"dest_connections"`
	DestDatabase        string   `json:"dest_db"`
	Threads             int      `json:"threads,omitempty"`
	RecreateDestination bool     `json:"recreate_destination"`
	CreateDestDbOnCloud bool     `json:"create_dest_db_on_cloud,omitempty"`
}

// Store is the persistence the orchestrator needs.
type Store interface {
	GetCopy(ctx context.Context, id string) (store.Copy, error)
	SaveCopy(ctx context.Context, c *store.Copy) error
	CreateRow(ctx context.Context, r *store.Row) error
	ListRows(ctx context.Context, copyID string) ([]store.Row, error)
	SaveRow(ctx context.Context, r *store.Row) error
	FailUnfinishedRows(ctx context.Context, copyID, message string) (int64, error)
	UsedSize(ctx context.Context, connection string) (int64, error)
}

// Notifier announces copy transitions to the copy's callback.
type Notifier interface {
	Notify(ctx context.Context, c store.Copy)
}

// RunSyncer recomputes the status of the run owning a copy.
type RunSyncer interface {
	Sync(ctx context.Context, runID string) error
}

// EventPublisher publishes lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Provisioner creates a destination database through an external API.
type Provisioner interface {
	CreateDatabase(ctx context.Context, connection, database string) error
}

// SchemaArchiver stores a copy of the dumped schema.
type SchemaArchiver interface {
	Archive(ctx context.Context, copyID, schemaPath string) error
}

// Tools names the external binaries.
type Tools struct {
	MySQLDump string
	MyDumper  string
	MySQL     string
}

// Config tunes the orchestrator.
type Config struct {
	// ScratchDir holds one sub-directory of dump files per running copy.
	ScratchDir string
	// ExcludedTable is never dumped from any database.
	ExcludedTable  string
	DefaultThreads int
	Tools          Tools
}

// Deps are the collaborators of an Orchestrator. Notifier, Runs, Events,
// Provisioner, Archiver and Metrics are optional.
type Deps struct {
	Store       Store
	Registry    *connections.Registry
	Catalog     catalog.Catalog
	Invoker     toolexec.Invoker
	Notifier    Notifier
	Runs        RunSyncer
	Events      EventPublisher
	Provisioner Provisioner
	Archiver    SchemaArchiver
	Logger      zerolog.Logger
	Metrics     *telemetry.Metrics
}

// Orchestrator executes copy tasks. It holds no per-copy state and is safe
// for concurrent use by several workers.
type Orchestrator struct {
	store       Store
	registry    *connections.Registry
	catalog     catalog.Catalog
	invoker     toolexec.Invoker
	notifier    Notifier
	runs        RunSyncer
	events      EventPublisher
	provisioner Provisioner
	archiver    SchemaArchiver
	selector    *Selector
	verifier    *Verifier
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	config      Config
	now         func() time.Time
}

// New validates deps and applies defaults to cfg.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if deps.Invoker == nil {
		return nil, errors.New("tool invoker is required")
	}
	if cfg.ScratchDir == "" {
		return nil, errors.New("scratch dir is required")
	}
	if cfg.DefaultThreads <= 0 {
		cfg.DefaultThreads = 8
	}
	if cfg.Tools.MySQLDump == "" {
		cfg.Tools.MySQLDump = "mysqldump"
	}
	if cfg.Tools.MyDumper == "" {
		cfg.Tools.MyDumper = "mydumper"
	}
	if cfg.Tools.MySQL == "" {
		cfg.Tools.MySQL = "mysql"
	}

	return &Orchestrator{
		store:       deps.Store,
		registry:    deps.Registry,
		catalog:     deps.Catalog,
		invoker:     deps.Invoker,
		notifier:    deps.Notifier,
		runs:        deps.Runs,
		events:      deps.Events,
		provisioner: deps.Provisioner,
		archiver:    deps.Archiver,
		selector:    NewSelector(deps.Store, deps.Registry),
		verifier:    NewVerifier(deps.Store, deps.Catalog),
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		config:      cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}
