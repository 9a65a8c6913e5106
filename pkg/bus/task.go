// Package bus provides the durable task queue and lifecycle event publishing
// on top of NATS JetStream.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Task is one unit of queued work. Kind selects the handler and Payload is
// the handler-specific JSON body.
type Task struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewTask encodes payload into a Task of the given kind.
func NewTask(kind string, payload any) (Task, error) {
	if kind == "" {
		return Task{}, errors.New("task kind is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Task{Kind: kind, Payload: data}, nil
}

// Decode unmarshals the payload into dest.
func (t Task) Decode(dest any) error {
	if len(t.Payload) == 0 {
		return fmt.Errorf("%s task has no payload", t.Kind)
	}
	if err := json.Unmarshal(t.Payload, dest); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Kind, err)
	}
	return nil
}

// Queue schedules tasks. A chain runs its tasks strictly in order; a step
// that fails drops the remaining steps.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	EnqueueChain(ctx context.Context, tasks []Task) error
}

// envelope is the wire form of a queued task together with the chain steps
// that follow it.
type envelope struct {
	Task  Task   `json:"task"`
	Chain []Task `json:"chain,omitempty"`
}

func newEnvelope(tasks []Task) (envelope, error) {
	if len(tasks) == 0 {
		return envelope{}, errors.New("empty chain")
	}
	env := envelope{Task: tasks[0]}
	if len(tasks) > 1 {
		env.Chain = append([]Task(nil), tasks[1:]...)
	}
	return env, nil
}

// next returns the envelope for the step after env, if any.
func (env envelope) next() (envelope, bool) {
	if len(env.Chain) == 0 {
		return envelope{}, false
	}
	n, _ := newEnvelope(env.Chain)
	return n, true
}
