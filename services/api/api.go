// Package api is the HTTP boundary for creating and inspecting copies and
// runs.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"dbcopier/pkg/bus"
	"dbcopier/services/store"
)

const (
	schemaURLExpiry = 15 * time.Minute
	defaultThreads  = 8
)

// Store is the persistence the handlers read and write.
type Store interface {
	CreateCopy(ctx context.Context, c *store.Copy) error
	GetCopy(ctx context.Context, id string) (store.Copy, error)
	SaveCopy(ctx context.Context, c *store.Copy) error
	ListCopies(ctx context.Context, userID int64, page store.Page) ([]store.Copy, int64, error)
	ListRows(ctx context.Context, copyID string) ([]store.Row, error)
	ListRunCopies(ctx context.Context, runID string, userID *int64) ([]store.Copy, error)
	CreateRun(ctx context.Context, r *store.Run) error
	GetRun(ctx context.Context, id string) (store.Run, error)
	SaveRun(ctx context.Context, r *store.Run) error
	ListRuns(ctx context.Context, userID int64, page store.Page) ([]store.Run, int64, error)
}

// Allowlist reports whether a connection name is configured.
type Allowlist interface {
	Has(name string) bool
}

// SchemaLinks hands out download links for archived schema dumps.
type SchemaLinks interface {
	Key(copyID string) string
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	DefaultThreads int
	AllowedOrigins []string
	// RateLimit is the number of requests per minute per API key.
	RateLimit int
}

// Deps are the collaborators of an API. Schemas is optional.
type Deps struct {
	Store       Store
	Keys        store.KeyRepository
	Queue       bus.Queue
	Connections Allowlist
	Schemas     SchemaLinks
	Logger      zerolog.Logger
}

// API wires dependencies and configuration for HTTP handlers.
type API struct {
	submitter *Submitter
	store     Store
	keys      store.KeyRepository
	schemas   SchemaLinks
	config    Config
	logger    zerolog.Logger
	now       func() time.Time
}

// New initialises the API layer with defaults applied to cfg.
func New(deps Deps, cfg Config) (*API, error) {
	if deps.Keys == nil {
		return nil, errors.New("api key repository is required")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 60
	}

	submitter, err := NewSubmitter(deps.Store, deps.Queue, deps.Connections, cfg.DefaultThreads)
	if err != nil {
		return nil, err
	}

	return &API{
		submitter: submitter,
		store:     deps.Store,
		keys:      deps.Keys,
		schemas:   deps.Schemas,
		config:    cfg,
		logger:    deps.Logger.With().Str("component", "api").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}
