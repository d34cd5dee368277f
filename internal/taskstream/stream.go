// Package taskstream implements the Event Stream: an ordered,
// multicast sequence of task-lifecycle events with exactly one
// terminal state and monotonically sequenced delivery to every
// subscriber.
package taskstream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/agentcore/runtime/pkg/runtime"
)

// DefaultBufferSize is the per-subscriber channel buffer, sized
// generously since task events (unlike raw model deltas) are never
// dropped.
const DefaultBufferSize = 32

// Stream is a single task's event stream: one producer (the Task
// Engine), any number of subscribers. Every subscriber observes events
// in insertion order. The stream has exactly one terminal state,
// reached by Close (normal completion) or CloseWithError (provider
// error) — never both.
type Stream struct {
	mu          sync.Mutex
	subscribers []chan runtime.TaskEvent
	closed      atomic.Bool
	done        chan struct{}
	err         error
}

// New creates an empty event stream.
func New() *Stream {
	return &Stream{done: make(chan struct{})}
}

// Subscribe registers a new receiver. Subscribing after the stream has
// closed returns a channel that is immediately closed, so late
// subscribers never block forever.
func (s *Stream) Subscribe() <-chan runtime.TaskEvent {
	ch := make(chan runtime.TaskEvent, DefaultBufferSize)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		close(ch)
		return ch
	}
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Emit delivers an event to every current subscriber, in order. It
// blocks on a full subscriber buffer (task events are never dropped,
// unlike raw provider text deltas) but honors ctx cancellation so a
// stalled subscriber cannot wedge the engine's suspension points
// forever.
func (s *Stream) Emit(ctx context.Context, ev runtime.TaskEvent) error {
	s.mu.Lock()
	subs := make([]chan runtime.TaskEvent, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close ends the stream normally: no further events are delivered, and
// every subscriber channel is closed.
func (s *Stream) Close() {
	s.closeOnce(nil)
}

// CloseWithError ends the stream with a provider/programmatic error
// that cannot be represented as a TaskEvent (the engine's error
// policy). Subscribers observe the channel close and can call Err to
// retrieve it.
func (s *Stream) CloseWithError(err error) {
	s.closeOnce(err)
}

func (s *Stream) closeOnce(err error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	s.err = err
	subs := s.subscribers
	s.subscribers = nil
	s.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
	close(s.done)
}

// Done returns a channel closed once the stream reaches its terminal
// state.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the error the stream closed with, or nil on normal
// completion.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
