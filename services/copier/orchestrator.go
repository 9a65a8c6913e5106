package copier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"dbcopier/pkg/copyerr"
	"dbcopier/pkg/telemetry"
	"dbcopier/services/store"
)

var tracer = telemetry.Tracer("dbcopier/copier")

// finalizeTimeout bounds the terminal writes, events and callbacks that run
// after the task context may already be cancelled.
const finalizeTimeout = time.Minute

// detached returns a context that survives cancellation of ctx, so a copy
// interrupted by shutdown still reaches a terminal status.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

// copyEvent is published on every copy transition.
type copyEvent struct {
	ID             string       `json:"id"`
	RunID          *string      `json:"run_id,omitempty"`
	Status         store.Status `json:"status"`
	DestConnection string       `json:"dest_connection"`
	DestDatabase   string       `json:"dest_db"`
	Progress       *int         `json:"progress,omitempty"`
	Error          *string      `json:"error,omitempty"`
	At             time.Time    `json:"at"`
}

// Run executes task to completion. Stage failures are recorded on the Copy
// and do not produce an error; an error means the Copy itself could not be
// loaded or saved.
func (o *Orchestrator) Run(ctx context.Context, task CopyTask) error {
	c, err := o.store.GetCopy(ctx, task.CopyID)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Warn().Str("copy_id", task.CopyID).Msg("copy vanished before execution")
		return nil
	}
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		o.logger.Info().Str("copy_id", c.ID).Str("status", string(c.Status)).Msg("copy already finished")
		return nil
	}

	log := o.logger.With().
		Str("copy_id", c.ID).
		Str("source", task.SourceConnection+"/"+task.SourceDatabase).
		Logger()

	ctx, span := tracer.Start(ctx, "copy")
	span.SetAttributes(attribute.String("copy.id", c.ID))
	defer span.End()

	defer o.registry.Release(c.ID)
	defer o.removeScratch(c.ID, log)

	if err := o.markRunning(ctx, &c); err != nil {
		return err
	}
	log.Info().Msg("copy started")

	j := &job{o: o, copy: &c, task: task, log: log, dir: o.scratchDir(c.ID)}
	if runErr := j.execute(ctx); runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		log.Error().Err(runErr).Msg("copy failed")
		return o.markFailed(ctx, &c, runErr, false)
	}

	log.Info().Msg("copy succeeded")
	return o.markSucceeded(ctx, &c)
}

// Abort is the terminal failure handler for a copy whose execution ended
// outside Run's own error handling, such as a crash or panic. It fails the
// Copy and every still-dumped Row.
func (o *Orchestrator) Abort(ctx context.Context, task CopyTask, cause error) error {
	if cause == nil {
		cause = errors.New("copy aborted")
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	c, err := o.store.GetCopy(ctx, task.CopyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	defer o.registry.Release(c.ID)
	defer o.removeScratch(c.ID, o.logger)

	if c.Status.Terminal() {
		return nil
	}
	o.logger.Error().Err(cause).Str("copy_id", c.ID).Msg("copy aborted")
	return o.markFailed(ctx, &c, cause, true)
}

func (o *Orchestrator) scratchDir(copyID string) string {
	return filepath.Join(o.config.ScratchDir, copyID)
}

func (o *Orchestrator) removeScratch(copyID string, log zerolog.Logger) {
	if err := os.RemoveAll(o.scratchDir(copyID)); err != nil {
		log.Warn().Err(err).Msg("remove scratch directory")
	}
}

func (o *Orchestrator) markRunning(ctx context.Context, c *store.Copy) error {
	now := o.now()
	c.Status = store.StatusRunning
	if c.StartedAt == nil {
		c.StartedAt = &now
	}
	c.FinishedAt = nil
	c.LastError = nil
	if err := o.store.SaveCopy(ctx, c); err != nil {
		return fmt.Errorf("mark copy %s running: %w", c.ID, err)
	}
	o.publish(ctx, *c)
	o.notify(ctx, *c)
	return nil
}

func (o *Orchestrator) markSucceeded(ctx context.Context, c *store.Copy) error {
	ctx, cancel := detached(ctx)
	defer cancel()
	now := o.now()
	progress := 100
	c.Status = store.StatusSucceeded
	c.Progress = &progress
	c.FinishedAt = &now
	c.LastError = nil
	if err := o.store.SaveCopy(ctx, c); err != nil {
		return fmt.Errorf("mark copy %s succeeded: %w", c.ID, err)
	}
	o.observe(*c)
	o.publish(ctx, *c)
	o.notify(ctx, *c)
	o.syncRun(ctx, *c)
	return nil
}

// markFailed records cause on c. With rows set every still-dumped Row is
// failed too. It runs under a detached context so a cancelled task still
// persists its failure.
func (o *Orchestrator) markFailed(ctx context.Context, c *store.Copy, cause error, rows bool) error {
	ctx, cancel := detached(ctx)
	defer cancel()
	now := o.now()
	msg := copyerr.Message(cause)
	c.Status = store.StatusFailed
	c.FinishedAt = &now
	c.LastError = &msg
	if err := o.store.SaveCopy(ctx, c); err != nil {
		return fmt.Errorf("mark copy %s failed: %w", c.ID, err)
	}
	if rows {
		if _, err := o.store.FailUnfinishedRows(ctx, c.ID, msg); err != nil {
			o.logger.Error().Err(err).Str("copy_id", c.ID).Msg("fail unfinished rows")
		}
	}
	o.observe(*c)
	o.publish(ctx, *c)
	o.syncRun(ctx, *c)
	o.notify(ctx, *c)
	return nil
}

func (o *Orchestrator) observe(c store.Copy) {
	if d, ok := store.Elapsed(c.StartedAt, c.FinishedAt, o.now()); ok {
		o.metrics.CopyFinished(string(c.Status), d)
	}
}

func (o *Orchestrator) notify(ctx context.Context, c store.Copy) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(ctx, c)
}

func (o *Orchestrator) syncRun(ctx context.Context, c store.Copy) {
	if o.runs == nil || c.RunID == nil {
		return
	}
	if err := o.runs.Sync(ctx, *c.RunID); err != nil {
		o.logger.Error().Err(err).Str("copy_id", c.ID).Str("run_id", *c.RunID).Msg("sync run status")
	}
}

func (o *Orchestrator) publish(ctx context.Context, c store.Copy) {
	if o.events == nil {
		return
	}
	ev := copyEvent{
		ID:             c.ID,
		RunID:          c.RunID,
		Status:         c.Status,
		DestConnection: c.DestConnection,
		DestDatabase:   c.DestDatabase,
		Progress:       c.Progress,
		Error:          c.LastError,
		At:             o.now(),
	}
	if err := o.events.Publish(ctx, EventCopyStatus, ev); err != nil {
		o.logger.Warn().Err(err).Str("copy_id", c.ID).Msg("publish copy event")
	}
}
