package bus

import (
	"context"
	"errors"
	"testing"
)

type samplePayload struct {
	CopyID string `json:"copy_id"`
}

func TestTaskRoundTrip(t *testing.T) {
	task, err := NewTask("copy", samplePayload{CopyID: "c-1"})
	if err != nil {
		t.Fatalf("NewTask() error = %v", err)
	}
	var got samplePayload
	if err := task.Decode(&got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.CopyID != "c-1" {
		t.Fatalf("CopyID = %q", got.CopyID)
	}
	if _, err := NewTask("", nil); err == nil {
		t.Fatalf("NewTask without kind should fail")
	}
	if err := (Task{Kind: "copy"}).Decode(&got); err == nil {
		t.Fatalf("Decode of empty payload should fail")
	}
}

func TestEnvelopeChainAdvancesInOrder(t *testing.T) {
	a, _ := NewTask("copy", samplePayload{CopyID: "system"})
	b, _ := NewTask("copy", samplePayload{CopyID: "admin"})
	c, _ := NewTask("run.fanout", samplePayload{CopyID: "-"})

	env, err := newEnvelope([]Task{a, b, c})
	if err != nil {
		t.Fatal(err)
	}

	var order []string
	for {
		var p samplePayload
		if err := env.Task.Decode(&p); err != nil {
			t.Fatal(err)
		}
		order = append(order, env.Task.Kind+":"+p.CopyID)
		next, ok := env.next()
		if !ok {
			break
		}
		env = next
	}

	want := []string{"copy:system", "copy:admin", "run.fanout:-"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestEmptyChainRejected(t *testing.T) {
	if _, err := newEnvelope(nil); err == nil {
		t.Fatalf("expected error for empty chain")
	}
}

type panickyHandler struct{}

func (panickyHandler) Handle(context.Context, Task) error   { panic("out of memory") }
func (panickyHandler) Abandon(context.Context, Task, error) {}

type failingHandler struct{ err error }

func (f failingHandler) Handle(context.Context, Task) error { return f.err }
func (failingHandler) Abandon(context.Context, Task, error) {}

func TestRunHandlerRecoversPanics(t *testing.T) {
	err := runHandler(context.Background(), panickyHandler{}, Task{Kind: "copy"})
	if err == nil {
		t.Fatalf("panic should surface as an error")
	}

	want := errors.New("boom")
	if got := runHandler(context.Background(), failingHandler{err: want}, Task{Kind: "copy"}); !errors.Is(got, want) {
		t.Fatalf("runHandler() = %v, want %v", got, want)
	}
}
