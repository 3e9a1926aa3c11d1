// Package logbus fans log entries out to in-process subscribers such as
// the control panel's log viewer. The bus is fed by a zapcore.Core teed
// into the process logger, so every component logs through zap as usual
// and subscribers see the same entries.
package logbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one published log entry.
type Event struct {
	Time    time.Time      `json:"timestamp"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

type Bus struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(Event)
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]func(Event))}
}

// Subscribe registers fn for every future event. fn runs on the publishing
// goroutine and must not block. The returned cancel func is idempotent.
func (b *Bus) Subscribe(fn func(Event)) (cancel func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to the subscribers registered at call time.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	if len(b.subs) == 0 {
		b.mu.RUnlock()
		return
	}
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Len reports the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stream is a buffered channel subscription. Events published while the
// buffer is full are dropped and counted.
type Stream struct {
	C <-chan Event

	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
	cancel  func()
}

// Stream subscribes a channel with the given buffer size.
func (b *Bus) Stream(buf int) *Stream {
	if buf <= 0 {
		buf = 1
	}
	s := &Stream{ch: make(chan Event, buf)}
	s.C = s.ch
	s.cancel = b.Subscribe(s.offer)
	return s
}

func (s *Stream) offer(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the reader lagged.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes C.
func (s *Stream) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
