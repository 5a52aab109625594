package sim

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/status"
)

// stream executes its tasks in submission order on one goroutine. The first
// asynchronous failure is kept and reported by the next synchronize.
type stream struct {
	id    device.Stream
	tasks chan func() error
	done  chan struct{}

	sendMu sync.Mutex
	closed bool

	errMu sync.Mutex
	err   error
}

func (s *stream) run() {
	defer close(s.done)
	for task := range s.tasks {
		if err := task(); err != nil {
			s.errMu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.errMu.Unlock()
		}
	}
}

func (s *stream) enqueue(task func() error) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return status.New(status.ParamInvalid, "enqueue", errors.Errorf("stream %d is destroyed", s.id))
	}
	s.tasks <- task
	return nil
}

func (s *stream) takeErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	err := s.err
	s.err = nil
	return err
}

type event struct {
	mu   sync.Mutex
	done chan struct{}
}

func (e *event) current() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (d *Device) stream(s device.Stream, op string) (*stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.streams[s]
	if !ok {
		return nil, status.New(status.ParamInvalid, op, errors.Errorf("unknown stream %d", s))
	}
	return st, nil
}

func (d *Device) CreateStream() (device.Stream, error) {
	if d.AvailableStreams() == 0 {
		return 0, status.New(status.FeatureNotSupported, "create stream", errors.New("no stream available"))
	}
	d.mu.Lock()
	d.nextHandle++
	st := &stream{
		id:    device.Stream(d.nextHandle),
		tasks: make(chan func() error, d.queueDepth),
		done:  make(chan struct{}),
	}
	d.streams[st.id] = st
	d.mu.Unlock()

	d.stats.streamsCreated.Add(1)
	go st.run()
	return st.id, nil
}

// DestroyStream waits for queued work to finish before releasing the stream.
func (d *Device) DestroyStream(s device.Stream) error {
	d.mu.Lock()
	st, ok := d.streams[s]
	delete(d.streams, s)
	d.mu.Unlock()
	if !ok {
		return status.New(status.ParamInvalid, "destroy stream", errors.Errorf("unknown stream %d", s))
	}

	st.sendMu.Lock()
	st.closed = true
	close(st.tasks)
	st.sendMu.Unlock()
	<-st.done
	return nil
}

func (d *Device) SynchronizeStream(ctx context.Context, s device.Stream, timeout time.Duration) error {
	const op = "synchronize stream"
	st, err := d.stream(s, op)
	if err != nil {
		return err
	}
	d.stats.syncs.Add(1)

	marker := make(chan struct{})
	if err := st.enqueue(func() error { close(marker); return nil }); err != nil {
		return err
	}
	if err := waitTimeout(ctx, marker, timeout, op); err != nil {
		return errors.WithMessagef(err, "stream %d", s)
	}
	if err := st.takeErr(); err != nil {
		return errors.WithMessagef(err, "stream %d", s)
	}
	return nil
}

func (d *Device) CreateEvent() (device.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHandle++
	id := device.Event(d.nextHandle)
	d.events[id] = &event{done: closedChan()}
	return id, nil
}

func (d *Device) event(e device.Event, op string) (*event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ev, ok := d.events[e]
	if !ok {
		return nil, status.New(status.ParamInvalid, op, errors.Errorf("unknown event %d", e))
	}
	return ev, nil
}

// RecordEvent captures the current tail of stream s; the event completes
// when everything queued before it has run.
func (d *Device) RecordEvent(e device.Event, s device.Stream) error {
	ev, err := d.event(e, "record event")
	if err != nil {
		return err
	}
	st, err := d.stream(s, "record event")
	if err != nil {
		return err
	}
	ch := make(chan struct{})
	ev.mu.Lock()
	ev.done = ch
	ev.mu.Unlock()
	return st.enqueue(func() error { close(ch); return nil })
}

func (d *Device) StreamWaitEvent(s device.Stream, e device.Event) error {
	ev, err := d.event(e, "stream wait event")
	if err != nil {
		return err
	}
	st, err := d.stream(s, "stream wait event")
	if err != nil {
		return err
	}
	ch := ev.current()
	return st.enqueue(func() error { <-ch; return nil })
}

func (d *Device) SynchronizeEvent(ctx context.Context, e device.Event, timeout time.Duration) error {
	ev, err := d.event(e, "synchronize event")
	if err != nil {
		return err
	}
	return waitTimeout(ctx, ev.current(), timeout, "synchronize event")
}

func (d *Device) DestroyEvent(e device.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.events[e]; !ok {
		return status.New(status.ParamInvalid, "destroy event", errors.Errorf("unknown event %d", e))
	}
	delete(d.events, e)
	return nil
}
