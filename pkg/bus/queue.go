package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

// ErrAttemptsExhausted is passed to Handler.Abandon when a task was delivered
// again after its previous attempt never acknowledged, for example because
// the worker process died.
var ErrAttemptsExhausted = errors.New("task was redelivered after an unfinished attempt")

// Handler processes tasks pulled from the queue.
type Handler interface {
	// Handle runs the task. A returned error halts any chain the task is part of.
	Handle(ctx context.Context, task Task) error
	// Abandon is called when a task failed outside of Handle's own error
	// handling: Handle returned an error, panicked, or a previous attempt died.
	Abandon(ctx context.Context, task Task, cause error)
}

// ConsumerConfig tunes the pull consumer.
type ConsumerConfig struct {
	Durable     string
	Workers     int
	AckWait     time.Duration
	MaxAttempts int
	FetchWait   time.Duration
}

func (c *ConsumerConfig) applyDefaults() {
	if c.Durable == "" {
		c.Durable = "dbcopier-workers"
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.AckWait <= 0 {
		c.AckWait = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 5 * time.Second
	}
}

// Enqueue schedules a single task.
func (b *Bus) Enqueue(ctx context.Context, task Task) error {
	return b.EnqueueChain(ctx, []Task{task})
}

// EnqueueChain schedules tasks so that each runs only after the previous one
// finished without error.
func (b *Bus) EnqueueChain(ctx context.Context, tasks []Task) error {
	env, err := newEnvelope(tasks)
	if err != nil {
		return err
	}
	return b.publishEnvelope(ctx, env)
}

func (b *Bus) publishEnvelope(ctx context.Context, env envelope) error {
	if b == nil {
		return errors.New("nil bus")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = b.js.Publish(TaskSubject, data, nats.Context(ctx))
	return err
}

// Consume pulls tasks with cfg.Workers concurrent workers until ctx is done.
// Long tasks keep their lease by signalling progress every AckWait/3.
func (b *Bus) Consume(ctx context.Context, cfg ConsumerConfig, h Handler) error {
	if b == nil {
		return errors.New("nil bus")
	}
	if h == nil {
		return errors.New("nil handler")
	}
	cfg.applyDefaults()

	sub, err := b.js.PullSubscribe(TaskSubject, cfg.Durable,
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(cfg.AckWait),
	)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return nil
				}
				msgs, err := sub.Fetch(1, nats.MaxWait(cfg.FetchWait))
				if err != nil {
					if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
						continue
					}
					if gctx.Err() != nil {
						return nil
					}
					return err
				}
				for _, msg := range msgs {
					b.process(gctx, cfg, h, msg)
				}
			}
		})
	}
	return g.Wait()
}

func (b *Bus) process(ctx context.Context, cfg ConsumerConfig, h Handler, msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		_ = msg.Term()
		return
	}

	if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > uint64(cfg.MaxAttempts) {
		h.Abandon(ctx, env.Task, ErrAttemptsExhausted)
		_ = msg.Term()
		return
	}

	stop := keepAlive(msg, cfg.AckWait/3)
	err := runHandler(ctx, h, env.Task)
	stop()

	// Shutdown cancels ctx; failures and chain steps are still recorded.
	finish := context.WithoutCancel(ctx)

	if err != nil {
		h.Abandon(finish, env.Task, err)
		_ = msg.Term()
		return
	}

	if next, ok := env.next(); ok {
		if err := b.publishEnvelope(finish, next); err != nil {
			h.Abandon(finish, next.Task, fmt.Errorf("schedule chained task: %w", err))
		}
	}
	_ = msg.Ack()
}

func runHandler(ctx context.Context, h Handler, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s task panicked: %v", task.Kind, r)
		}
	}()
	return h.Handle(ctx, task)
}

func keepAlive(msg *nats.Msg, every time.Duration) func() {
	if every <= 0 {
		every = time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = msg.InProgress()
			}
		}
	}()
	return func() { close(done) }
}
