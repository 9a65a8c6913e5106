package runs

import (
	"context"
	"errors"
	"fmt"

	"dbcopier/pkg/bus"
	"dbcopier/services/copier"
	"dbcopier/services/store"
)

// FanOut lists the databases on the run's source cluster and enqueues one
// independent copy for each, skipping the system and admin databases that
// the run already copied. Any failure marks the run failed. The run is
// re-synced afterwards because the new copies reopen a run that its fixed
// copies may already have finished.
func (s *Service) FanOut(ctx context.Context, task FanOutTask) error {
	r, err := s.store.GetRun(ctx, task.RunID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn().Str("run_id", task.RunID).Msg("run vanished before fan-out")
		return nil
	}
	if err != nil {
		return err
	}
	log := s.logger.With().Str("run_id", r.ID).Logger()

	n, err := s.fanOut(ctx, &r, task)
	if err != nil {
		log.Error().Err(err).Int("enqueued", n).Msg("fan out run")
		return s.fail(ctx, &r, err)
	}
	log.Info().Int("enqueued", n).Msg("run fanned out")
	if n > 0 {
		if err := s.Sync(ctx, r.ID); err != nil {
			log.Error().Err(err).Msg("sync run after fan-out")
		}
	}
	return nil
}

func (s *Service) fanOut(ctx context.Context, r *store.Run, task FanOutTask) (int, error) {
	if len(r.DestConnections) == 0 {
		return 0, errNoDestinations
	}
	conn, err := s.conns.Resolve(r.SourceClusterConnection)
	if err != nil {
		return 0, err
	}
	names, err := s.lister.Databases(ctx, conn, []string{r.SourceSystemDatabase, r.SourceAdminDatabase})
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, name := range names {
		if name == r.SourceSystemDatabase || name == r.SourceAdminDatabase {
			continue
		}
		c, err := s.createCopy(ctx, r, task.CreatedByUserID, r.SourceClusterConnection, name)
		if err != nil {
			return enqueued, err
		}
		t, err := bus.NewTask(copier.TaskKind, copyTask(c, *r, task.Threads, task.RecreateDestination))
		if err != nil {
			return enqueued, err
		}
		if err := s.queue.Enqueue(ctx, t); err != nil {
			err = fmt.Errorf("enqueue copy of %s: %w", name, err)
			s.abandonCopies(ctx, []store.Copy{c}, err)
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}
