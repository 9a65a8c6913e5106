package bus

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"
)

const (
	// TaskStream holds queued work; each message is consumed once.
	TaskStream = "DBCOPIER_TASKS"
	// TaskSubject is the subject every task is published on.
	TaskSubject = "dbcopier.tasks"
	// EventStream holds lifecycle events for dashboards.
	EventStream = "DBCOPIER_EVENTS"
	// EventSubjects matches every lifecycle event subject.
	EventSubjects = "dbcopier.events.>"
)

// Bus wraps a NATS JetStream connection for publishing events and queueing tasks.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// EnsureStreams creates the task and event streams when they are missing.
func (b *Bus) EnsureStreams() error {
	if b == nil {
		return errors.New("nil bus")
	}
	streams := []*nats.StreamConfig{
		{
			Name:      TaskStream,
			Subjects:  []string{TaskSubject},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		},
		{
			Name:      EventStream,
			Subjects:  []string{EventSubjects},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			MaxMsgs:   100_000,
		},
	}
	for _, cfg := range streams {
		_, err := b.js.StreamInfo(cfg.Name)
		switch {
		case err == nil:
			continue
		case errors.Is(err, nats.ErrStreamNotFound):
			if _, err := b.js.AddStream(cfg); err != nil {
				return err
			}
		default:
			return err
		}
	}
	return nil
}

// Publish encodes v as JSON and publishes it to the given subject.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_, err = b.js.Publish(subj, data, nats.Context(ctx))
	return err
}
