package taskstream

import (
	"context"
	"testing"
	"time"

	"github.com/agentcore/runtime/pkg/runtime"
)

func TestStream_EmitOrderPreserved(t *testing.T) {
	s := New()
	sub := s.Subscribe()

	ctx := context.Background()
	go func() {
		_ = s.Emit(ctx, runtime.NewTextEvent("a"))
		_ = s.Emit(ctx, runtime.NewTextEvent("b"))
		_ = s.Emit(ctx, runtime.NewMessageEvent(runtime.Message{Role: runtime.RoleAssistant}))
		s.Close()
	}()

	var got []runtime.TaskEventType
	for ev := range sub {
		got = append(got, ev.Type)
	}
	want := []runtime.TaskEventType{runtime.EventText, runtime.EventText, runtime.EventMessage}
	if len(got) != len(want) {
		t.Fatalf("got %v events, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStream_CancelledIsLastEvent(t *testing.T) {
	s := New()
	sub := s.Subscribe()
	ctx := context.Background()

	go func() {
		_ = s.Emit(ctx, runtime.NewTextEvent("partial"))
		_ = s.Emit(ctx, runtime.NewCancelledEvent(runtime.CancelReasonUser))
		s.Close()
	}()

	var events []runtime.TaskEvent
	for ev := range sub {
		events = append(events, ev)
	}
	last := events[len(events)-1]
	if last.Type != runtime.EventCancelled {
		t.Fatalf("last event type = %q, want %q", last.Type, runtime.EventCancelled)
	}
}

func TestStream_CloseWithErrorSetsErr(t *testing.T) {
	s := New()
	sub := s.Subscribe()

	boom := context.DeadlineExceeded
	s.CloseWithError(boom)

	if _, open := <-sub; open {
		t.Fatal("subscriber channel still open after CloseWithError")
	}
	if s.Err() != boom {
		t.Errorf("Err() = %v, want %v", s.Err(), boom)
	}
}

func TestStream_LateSubscribeAfterCloseGetsClosedChannel(t *testing.T) {
	s := New()
	s.Close()

	sub := s.Subscribe()
	select {
	case _, open := <-sub:
		if open {
			t.Fatal("late subscriber channel is open, want closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for closed channel")
	}
}
