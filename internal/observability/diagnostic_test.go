package observability

import (
	"sync"
	"testing"
)

func TestDiagnosticsEnabledToggle(t *testing.T) {
	defer ResetDiagnosticsForTest()

	SetDiagnosticsEnabled(false)
	if IsDiagnosticsEnabled() {
		t.Fatal("expected diagnostics disabled")
	}

	SetDiagnosticsEnabled(true)
	if !IsDiagnosticsEnabled() {
		t.Fatal("expected diagnostics enabled")
	}
}

func TestEmitTaskState(t *testing.T) {
	defer ResetDiagnosticsForTest()
	SetDiagnosticsEnabled(true)

	var mu sync.Mutex
	var got *TaskStateEvent
	unsubscribe := OnDiagnosticEvent(func(event DiagnosticEventPayload) {
		e, ok := event.(*TaskStateEvent)
		if !ok {
			return
		}
		mu.Lock()
		got = e
		mu.Unlock()
	})
	defer unsubscribe()

	EmitTaskState(&TaskStateEvent{TaskID: "task-1", PrevState: TaskStateRunning, State: TaskStateCompleted})

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("expected listener to receive a TaskStateEvent")
	}
	if got.TaskID != "task-1" || got.State != TaskStateCompleted {
		t.Errorf("unexpected event: %+v", got)
	}
	if got.EventType() != EventTypeTaskState {
		t.Errorf("expected type %q, got %q", EventTypeTaskState, got.EventType())
	}
	if got.Sequence() == 0 {
		t.Error("expected a non-zero sequence number")
	}
}

func TestEmitDisabledSkipsListeners(t *testing.T) {
	defer ResetDiagnosticsForTest()
	SetDiagnosticsEnabled(false)

	called := false
	unsubscribe := OnDiagnosticEvent(func(event DiagnosticEventPayload) {
		called = true
	})
	defer unsubscribe()

	EmitCheckpointCreated(&CheckpointEvent{TaskID: "task-1", CheckpointID: "ckpt-1", Status: "success"})

	if called {
		t.Error("expected no listener invocation while diagnostics are disabled")
	}
}

func TestEmitToolExecutedAndRunAttempt(t *testing.T) {
	defer ResetDiagnosticsForTest()
	SetDiagnosticsEnabled(true)

	var mu sync.Mutex
	var types []DiagnosticEventType
	unsubscribe := OnDiagnosticEvent(func(event DiagnosticEventPayload) {
		mu.Lock()
		types = append(types, event.EventType())
		mu.Unlock()
	})
	defer unsubscribe()

	EmitToolExecuted(&ToolExecutedEvent{ToolName: "web_search", Status: "success"})
	EmitRunAttempt(&RunAttemptEvent{TaskID: "task-1", Attempt: 1})
	EmitAttachmentCache(&AttachmentCacheEvent{FileID: "file-1", Result: "hit"})

	mu.Lock()
	defer mu.Unlock()
	if len(types) != 3 {
		t.Fatalf("expected 3 events, got %d: %v", len(types), types)
	}
	if types[0] != EventTypeToolExecuted || types[1] != EventTypeRunAttempt || types[2] != EventTypeAttachmentCache {
		t.Errorf("unexpected event order: %v", types)
	}
}

func TestEmitModelUsage(t *testing.T) {
	defer ResetDiagnosticsForTest()
	SetDiagnosticsEnabled(true)

	var mu sync.Mutex
	var got *ModelUsageEvent
	unsubscribe := OnDiagnosticEvent(func(event DiagnosticEventPayload) {
		e, ok := event.(*ModelUsageEvent)
		if !ok {
			return
		}
		mu.Lock()
		got = e
		mu.Unlock()
	})
	defer unsubscribe()

	EmitModelUsage(&ModelUsageEvent{
		TaskID:   "task-1",
		Provider: "anthropic",
		Model:    "claude-sonnet-4-20250514",
		Usage:    UsageDetails{Input: 100, Output: 50, Total: 150},
	})

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("expected listener to receive a ModelUsageEvent")
	}
	if got.Usage.Total != 150 || got.Provider != "anthropic" {
		t.Errorf("unexpected event: %+v", got)
	}
	if got.EventType() != EventTypeModelUsage {
		t.Errorf("expected type %q, got %q", EventTypeModelUsage, got.EventType())
	}
}

func TestEmitDiagnosticHeartbeat(t *testing.T) {
	defer ResetDiagnosticsForTest()
	SetDiagnosticsEnabled(true)

	var mu sync.Mutex
	var got *DiagnosticHeartbeatEvent
	unsubscribe := OnDiagnosticEvent(func(event DiagnosticEventPayload) {
		e, ok := event.(*DiagnosticHeartbeatEvent)
		if !ok {
			return
		}
		mu.Lock()
		got = e
		mu.Unlock()
	})
	defer unsubscribe()

	EmitDiagnosticHeartbeat(&DiagnosticHeartbeatEvent{RunningTasks: 3})

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("expected listener to receive a DiagnosticHeartbeatEvent")
	}
	if got.RunningTasks != 3 {
		t.Errorf("expected RunningTasks 3, got %d", got.RunningTasks)
	}
	if got.EventType() != EventTypeDiagnosticHeartbeat {
		t.Errorf("expected type %q, got %q", EventTypeDiagnosticHeartbeat, got.EventType())
	}
}
