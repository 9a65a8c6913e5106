package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dbcopier/pkg/bus"
	"dbcopier/pkg/copyerr"
	"dbcopier/services/copier"
	"dbcopier/services/runs"
	"dbcopier/services/store"
)

// Submitter validates, persists and enqueues copy and run requests. It backs
// both the HTTP handlers and the command line.
type Submitter struct {
	store          Store
	queue          bus.Queue
	conns          Allowlist
	defaultThreads int
}

// NewSubmitter returns a Submitter. defaultThreads applies when a request
// leaves threads unset.
func NewSubmitter(st Store, queue bus.Queue, conns Allowlist, threads int) (*Submitter, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if queue == nil {
		return nil, errors.New("queue is required")
	}
	if conns == nil {
		return nil, errors.New("connection allow-list is required")
	}
	if threads <= 0 {
		threads = defaultThreads
	}
	return &Submitter{store: st, queue: queue, conns: conns, defaultThreads: threads}, nil
}

func (s *Submitter) threads(v *int) int {
	if v == nil {
		return s.defaultThreads
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// SubmitCopy creates a queued copy owned by userID and enqueues it. A request
// that fails validation returns ValidationErrors.
func (s *Submitter) SubmitCopy(ctx context.Context, userID int64, req CopyRequest) (store.Copy, error) {
	if errs := req.Validate(s.conns); errs != nil {
		return store.Copy{}, errs
	}

	c := store.Copy{
		Status:           store.StatusQueued,
		SourceConnection: req.Source.Connection,
		SourceDatabase:   req.Source.Database,
		DestConnection:   req.Destination.Connection,
		DestDatabase:     req.Destination.Database,
		CallbackURL:      req.CallbackURL,
		CreatedByUserID:  userID,
	}
	if err := s.store.CreateCopy(ctx, &c); err != nil {
		return store.Copy{}, fmt.Errorf("create copy: %w", err)
	}

	task, err := bus.NewTask(copier.TaskKind, copier.CopyTask{
		CopyID:              c.ID,
		SourceConnection:    c.SourceConnection,
		SourceDatabase:      c.SourceDatabase,
		DestConnections:     []string{c.DestConnection},
		DestDatabase:        c.DestDatabase,
		Threads:             s.threads(req.Threads),
		RecreateDestination: boolOr(req.RecreateDestination, true),
	})
	if err == nil {
		err = s.queue.Enqueue(ctx, task)
	}
	if err != nil {
		return c, s.abandonCopy(ctx, &c, err)
	}
	return c, nil
}

// abandonCopy fails a copy that never reached the queue so it does not stay
// queued forever.
func (s *Submitter) abandonCopy(ctx context.Context, c *store.Copy, cause error) error {
	msg := copyerr.Truncate("enqueue copy: "+cause.Error(), copyerr.MaxMessageLength)
	now := time.Now().UTC()
	c.Status = store.StatusFailed
	c.LastError = &msg
	c.FinishedAt = &now
	if err := s.store.SaveCopy(ctx, c); err != nil {
		return errors.Join(fmt.Errorf("enqueue copy: %w", cause), err)
	}
	return fmt.Errorf("enqueue copy: %w", cause)
}

// SubmitRun creates a queued run owned by userID and enqueues its dispatch.
func (s *Submitter) SubmitRun(ctx context.Context, userID int64, req RunRequest) (store.Run, error) {
	if errs := req.Validate(s.conns); errs != nil {
		return store.Run{}, errs
	}

	owner := userID
	r := store.Run{
		Status:                  store.StatusQueued,
		SourceSystemConnection:  req.SourceSystemConnection,
		SourceSystemDatabase:    req.SourceSystemDatabase,
		SourceAdminConnection:   req.SourceAdminConnection,
		SourceAdminDatabase:     req.SourceAdminDatabase,
		SourceClusterConnection: req.SourceClusterConnection,
		DestConnections:         append([]string(nil), req.DestConnections...),
		CreateDestOnCloud:       boolOr(req.CreateDestOnCloud, false),
		CreatedByUserID:         &owner,
	}
	if err := s.store.CreateRun(ctx, &r); err != nil {
		return store.Run{}, fmt.Errorf("create run: %w", err)
	}

	task, err := bus.NewTask(runs.TaskDispatch, runs.DispatchTask{
		RunID:               r.ID,
		CreatedByUserID:     userID,
		Threads:             s.threads(req.Threads),
		RecreateDestination: boolOr(req.RecreateDestination, true),
	})
	if err == nil {
		err = s.queue.Enqueue(ctx, task)
	}
	if err != nil {
		now := time.Now().UTC()
		r.Status = store.StatusFailed
		r.FinishedAt = &now
		if serr := s.store.SaveRun(ctx, &r); serr != nil {
			return r, errors.Join(fmt.Errorf("enqueue run: %w", err), serr)
		}
		return r, fmt.Errorf("enqueue run: %w", err)
	}
	return r, nil
}
