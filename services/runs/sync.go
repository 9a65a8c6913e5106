package runs

import (
	"context"
	"slices"

	"dbcopier/services/store"
)

// AggregateStatus derives a run status from its copies' statuses: any
// failure fails the run, all successes succeed it, anything else is running.
// ok is false when there are no copies.
func AggregateStatus(statuses []store.Status) (status store.Status, ok bool) {
	if len(statuses) == 0 {
		return "", false
	}
	if slices.Contains(statuses, store.StatusFailed) {
		return store.StatusFailed, true
	}
	for _, s := range statuses {
		if s != store.StatusSucceeded {
			return store.StatusRunning, true
		}
	}
	return store.StatusSucceeded, true
}

// Sync recomputes the status of runID from its copies. Concurrent syncs
// converge because each one reads every copy's current status.
func (s *Service) Sync(ctx context.Context, runID string) error {
	statuses, err := s.store.CopyStatuses(ctx, runID)
	if err != nil {
		return err
	}
	status, ok := AggregateStatus(statuses)
	if !ok {
		return nil
	}

	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	previous := r.Status

	now := s.now()
	if r.StartedAt == nil {
		r.StartedAt = &now
	}
	r.Status = status
	if status.Terminal() {
		r.FinishedAt = &now
	} else {
		r.FinishedAt = nil
	}
	if err := s.store.SaveRun(ctx, &r); err != nil {
		return err
	}

	if previous != status {
		s.logger.Info().Str("run_id", runID).Str("status", string(status)).Msg("run status changed")
		s.publish(ctx, r)
	}
	return nil
}
