// Package runs expands a multi-database run into copy tasks and keeps the
// run's status in step with the copies it owns.
package runs

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"dbcopier/pkg/bus"
	"dbcopier/pkg/connections"
	"dbcopier/pkg/copyerr"
	"dbcopier/services/store"
)

const (
	// TaskDispatch starts a run.
	TaskDispatch = "run.dispatch"
	// TaskFanOut discovers and enqueues the remaining databases of a run.
	TaskFanOut = "run.fanout"

	// EventRunStatus is the subject run transitions are published on.
	EventRunStatus = "dbcopier.events.runs.status"
)

// DispatchTask starts the run RunID. Threads and RecreateDestination are
// forwarded to every copy of the run.
type DispatchTask struct {
	RunID               string `json:"run_id"`
	CreatedByUserID     int64  `json:"created_by_user_id"`
	Threads             int    `json:"threads,omitempty"`
	RecreateDestination bool   `json:"recreate_destination"`
}

// FanOutTask carries the same options as the DispatchTask that chained it.
type FanOutTask DispatchTask

// Store is the persistence a Service needs.
type Store interface {
	GetRun(ctx context.Context, id string) (store.Run, error)
	SaveRun(ctx context.Context, r *store.Run) error
	CreateCopy(ctx context.Context, c *store.Copy) error
	SaveCopy(ctx context.Context, c *store.Copy) error
	CopyStatuses(ctx context.Context, runID string) ([]store.Status, error)
}

// ConnectionResolver resolves the source cluster connection.
type ConnectionResolver interface {
	Resolve(name string) (connections.Connection, error)
}

// DatabaseLister lists the schemas on a server, system schemas excluded.
type DatabaseLister interface {
	Databases(ctx context.Context, conn connections.Connection, exclude []string) ([]string, error)
}

// EventPublisher publishes lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Deps are the collaborators of a Service. Events is optional.
type Deps struct {
	Store       Store
	Queue       bus.Queue
	Connections ConnectionResolver
	Catalog     DatabaseLister
	Events      EventPublisher
	Logger      zerolog.Logger
}

// Service dispatches runs and syncs their status.
type Service struct {
	store  Store
	queue  bus.Queue
	conns  ConnectionResolver
	lister DatabaseLister
	events EventPublisher
	logger zerolog.Logger
	now    func() time.Time
}

// New validates deps and returns a Service.
func New(deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if deps.Connections == nil {
		return nil, errors.New("connection resolver is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	return &Service{
		store:  deps.Store,
		queue:  deps.Queue,
		conns:  deps.Connections,
		lister: deps.Catalog,
		events: deps.Events,
		logger: deps.Logger.With().Str("component", "runs").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Service) publish(ctx context.Context, r store.Run) {
	if s.events == nil {
		return
	}
	payload := map[string]any{
		"run_id":      r.ID,
		"status":      r.Status,
		"started_at":  r.StartedAt,
		"finished_at": r.FinishedAt,
	}
	if err := s.events.Publish(ctx, EventRunStatus, payload); err != nil {
		s.logger.Warn().Err(err).Str("run_id", r.ID).Msg("publish run event")
	}
}

// finalizeTimeout bounds terminal writes made after the task context may
// already be cancelled.
const finalizeTimeout = time.Minute

// markFailed records r as failed now. The write survives cancellation of ctx.
func (s *Service) markFailed(ctx context.Context, r *store.Run) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	finished := s.now()
	r.Status = store.StatusFailed
	r.FinishedAt = &finished
	if err := s.store.SaveRun(ctx, r); err != nil {
		s.logger.Error().Err(err).Str("run_id", r.ID).Msg("mark run failed")
		return err
	}
	s.publish(ctx, *r)
	return nil
}

// abandonCopies fails copies that were created but will never be executed.
func (s *Service) abandonCopies(ctx context.Context, copies []store.Copy, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	msg := copyerr.Message(cause)
	for i := range copies {
		c := &copies[i]
		finished := s.now()
		c.Status = store.StatusFailed
		c.LastError = &msg
		c.FinishedAt = &finished
		if err := s.store.SaveCopy(ctx, c); err != nil {
			s.logger.Error().Err(err).Str("copy_id", c.ID).Msg("fail unscheduled copy")
		}
	}
}

// fail marks r failed and returns cause, joined with any error saving r.
func (s *Service) fail(ctx context.Context, r *store.Run, cause error) error {
	if err := s.markFailed(ctx, r); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Abort fails runID when one of its tasks died outside Dispatch or FanOut,
// for example in a worker panic. Terminal runs are left alone.
func (s *Service) Abort(ctx context.Context, runID string, cause error) error {
	if cause == nil {
		cause = errors.New("run aborted")
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	r, err := s.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return nil
	}
	s.logger.Error().Err(cause).Str("run_id", runID).Msg("run aborted")
	return s.markFailed(ctx, &r)
}
