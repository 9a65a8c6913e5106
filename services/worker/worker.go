// Package worker routes queued tasks to the copy orchestrator and the run
// service.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"dbcopier/pkg/bus"
	"dbcopier/pkg/telemetry"
	"dbcopier/services/copier"
	"dbcopier/services/runs"
)

// CopyRunner executes and aborts copy tasks.
type CopyRunner interface {
	Run(ctx context.Context, task copier.CopyTask) error
	Abort(ctx context.Context, task copier.CopyTask, cause error) error
}

// RunService dispatches, fans out and aborts runs.
type RunService interface {
	Dispatch(ctx context.Context, task runs.DispatchTask) error
	FanOut(ctx context.Context, task runs.FanOutTask) error
	Abort(ctx context.Context, runID string, cause error) error
}

// Handler implements bus.Handler for every task kind the copier enqueues.
type Handler struct {
	copies  CopyRunner
	runs    RunService
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

var _ bus.Handler = (*Handler)(nil)

// NewHandler wires the task handlers. metrics may be nil.
func NewHandler(copies CopyRunner, runSvc RunService, logger zerolog.Logger, metrics *telemetry.Metrics) (*Handler, error) {
	if copies == nil {
		return nil, errors.New("copy runner is required")
	}
	if runSvc == nil {
		return nil, errors.New("run service is required")
	}
	return &Handler{
		copies:  copies,
		runs:    runSvc,
		logger:  logger.With().Str("component", "worker").Logger(),
		metrics: metrics,
	}, nil
}

// Handle runs one task.
func (h *Handler) Handle(ctx context.Context, task bus.Task) error {
	err := h.handle(ctx, task)
	result := "ok"
	if err != nil {
		result = "error"
	}
	h.metrics.TaskHandled(task.Kind, result)
	return err
}

func (h *Handler) handle(ctx context.Context, task bus.Task) error {
	switch task.Kind {
	case copier.TaskKind:
		var t copier.CopyTask
		if err := task.Decode(&t); err != nil {
			return err
		}
		return h.copies.Run(ctx, t)
	case runs.TaskDispatch:
		var t runs.DispatchTask
		if err := task.Decode(&t); err != nil {
			return err
		}
		return h.runs.Dispatch(ctx, t)
	case runs.TaskFanOut:
		var t runs.FanOutTask
		if err := task.Decode(&t); err != nil {
			return err
		}
		return h.runs.FanOut(ctx, t)
	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

// Abandon hands a task that died outside its own error handling to the
// matching terminal failure handler.
func (h *Handler) Abandon(ctx context.Context, task bus.Task, cause error) {
	h.metrics.TaskHandled(task.Kind, "abandoned")
	log := h.logger.With().Str("kind", task.Kind).Logger()

	var err error
	switch task.Kind {
	case copier.TaskKind:
		var t copier.CopyTask
		if err = task.Decode(&t); err == nil {
			err = h.copies.Abort(ctx, t, cause)
		}
	case runs.TaskDispatch:
		var t runs.DispatchTask
		if err = task.Decode(&t); err == nil {
			err = h.runs.Abort(ctx, t.RunID, cause)
		}
	case runs.TaskFanOut:
		var t runs.FanOutTask
		if err = task.Decode(&t); err == nil {
			err = h.runs.Abort(ctx, t.RunID, cause)
		}
	default:
		log.Warn().Err(cause).Msg("dropping unknown task")
		return
	}
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("abandon task")
	}
}
