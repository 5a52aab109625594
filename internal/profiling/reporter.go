// Package profiling fans execution reports out to subscribers. Reporting
// never blocks the execution path: each subscriber has a bounded buffer and
// reports that do not fit are dropped and counted.
package profiling

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind classifies a record.
type Kind int

const (
	KindAPI Kind = iota
	KindEvent
	KindCompact
	KindAdditional
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindCompact:
		return "compact"
	case KindAdditional:
		return "additional"
	}
	return "api"
}

// Record is one report.
type Record struct {
	Kind       Kind           `json:"-"`
	Name       string         `json:"name"`
	Model      string         `json:"model,omitempty"`
	Request    uint64         `json:"request"`
	Start      time.Time      `json:"start"`
	Duration   time.Duration  `json:"duration"`
	Iterations int            `json:"iterations,omitempty"`
	Err        string         `json:"error,omitempty"`
	Attrs      map[string]any `json:"attrs,omitempty"`
}

// Subscriber consumes records on its own goroutine.
type Subscriber interface {
	Report(rec Record)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(rec Record)

func (f SubscriberFunc) Report(rec Record) { f(rec) }

// DefaultBuffer is the per-subscriber buffer used when New gets zero.
const DefaultBuffer = 256

type subscription struct {
	name string
	ch   chan Record
	done chan struct{}
}

// Reporter is the fan-out point. The zero value is not usable; call New.
type Reporter struct {
	buffer int

	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool

	dropped atomic.Int64
	sent    atomic.Int64
}

// New creates a reporter with a per-subscriber buffer of buffer records.
func New(buffer int) *Reporter {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Reporter{buffer: buffer, subs: make(map[*subscription]struct{})}
}

// Subscribe starts delivering records to s. The returned function stops the
// delivery after the records already buffered for s are handed over.
func (r *Reporter) Subscribe(name string, s Subscriber) (unsubscribe func()) {
	sub := &subscription{name: name, ch: make(chan Record, r.buffer), done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for rec := range sub.ch {
			s.Report(rec)
		}
	}()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(sub.ch)
		<-sub.done
		return func() {}
	}
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			_, ok := r.subs[sub]
			delete(r.subs, sub)
			r.mu.Unlock()
			if ok {
				close(sub.ch)
			}
			<-sub.done
		})
	}
}

// Report offers rec to every subscriber without blocking.
func (r *Reporter) Report(rec Record) {
	if r == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sub := range r.subs {
		select {
		case sub.ch <- rec:
			r.sent.Add(1)
		default:
			r.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were dropped because a subscriber
// was behind.
func (r *Reporter) Dropped() int64 { return r.dropped.Load() }

// Delivered returns how many deliveries were buffered for a subscriber.
func (r *Reporter) Delivered() int64 { return r.sent.Load() }

// Close stops every subscription after draining its buffer.
func (r *Reporter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[*subscription]struct{})
	r.mu.Unlock()

	for sub := range subs {
		close(sub.ch)
		<-sub.done
	}
}
