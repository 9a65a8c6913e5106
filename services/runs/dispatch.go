package runs

import (
	"context"
	"errors"
	"fmt"

	"dbcopier/pkg/bus"
	"dbcopier/services/copier"
	"dbcopier/services/store"
)

var errNoDestinations = errors.New("run destination connections are missing")

// Dispatch marks the run running, creates the system and admin copies and
// enqueues copy(system) -> copy(admin) -> fan-out as one chain. Any failure
// marks the run failed and is returned so the queue halts the task.
func (s *Service) Dispatch(ctx context.Context, task DispatchTask) error {
	r, err := s.store.GetRun(ctx, task.RunID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn().Str("run_id", task.RunID).Msg("run vanished before dispatch")
		return nil
	}
	if err != nil {
		return err
	}
	log := s.logger.With().Str("run_id", r.ID).Logger()

	if r.StartedAt == nil {
		started := s.now()
		r.StartedAt = &started
	}
	r.Status = store.StatusRunning
	r.FinishedAt = nil
	if err := s.store.SaveRun(ctx, &r); err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	s.publish(ctx, r)

	if created, err := s.dispatch(ctx, &r, task); err != nil {
		log.Error().Err(err).Int("abandoned_copies", len(created)).Msg("dispatch run")
		s.abandonCopies(ctx, created, err)
		return s.fail(ctx, &r, err)
	}
	log.Info().Msg("run dispatched")
	return nil
}

// dispatch returns the copies it created; on error they were never queued.
func (s *Service) dispatch(ctx context.Context, r *store.Run, task DispatchTask) ([]store.Copy, error) {
	if len(r.DestConnections) == 0 {
		return nil, errNoDestinations
	}

	created := make([]store.Copy, 0, 2)
	for _, src := range [][2]string{
		{r.SourceSystemConnection, r.SourceSystemDatabase},
		{r.SourceAdminConnection, r.SourceAdminDatabase},
	} {
		c, err := s.createCopy(ctx, r, task.CreatedByUserID, src[0], src[1])
		if err != nil {
			return created, err
		}
		created = append(created, c)
	}

	chain := make([]bus.Task, 0, 3)
	for _, c := range created {
		t, err := bus.NewTask(copier.TaskKind, copyTask(c, *r, task.Threads, task.RecreateDestination))
		if err != nil {
			return created, err
		}
		chain = append(chain, t)
	}
	fanOut, err := bus.NewTask(TaskFanOut, FanOutTask(task))
	if err != nil {
		return created, err
	}
	chain = append(chain, fanOut)

	if err := s.queue.EnqueueChain(ctx, chain); err != nil {
		return created, fmt.Errorf("enqueue run chain: %w", err)
	}
	return created, nil
}

// createCopy stores a queued copy of database owned by r. The first
// candidate is recorded as destination until the copy resolves its own.
func (s *Service) createCopy(ctx context.Context, r *store.Run, userID int64, conn, database string) (store.Copy, error) {
	runID := r.ID
	c := store.Copy{
		Status:           store.StatusQueued,
		SourceConnection: conn,
		SourceDatabase:   database,
		DestConnection:   r.DestConnections[0],
		DestDatabase:     database,
		CreatedByUserID:  userID,
		RunID:            &runID,
	}
	if err := s.store.CreateCopy(ctx, &c); err != nil {
		return store.Copy{}, fmt.Errorf("create copy of %s: %w", database, err)
	}
	return c, nil
}

func copyTask(c store.Copy, r store.Run, threads int, recreate bool) copier.CopyTask {
	return copier.CopyTask{
		CopyID:              c.ID,
		SourceConnection:    c.SourceConnection,
		SourceDatabase:      c.SourceDatabase,
		DestConnections:     append([]string(nil), r.DestConnections...),
		DestDatabase:        c.DestDatabase,
		Threads:             threads,
		RecreateDestination: recreate,
		CreateDestDbOnCloud: r.CreateDestOnCloud,
	}
}
