package valuestore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/tensor"
	"github.com/vk/hybridrt/internal/tensorref"
)

// Status is the execution state of one node in one iteration.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return "pending"
}

// Allocation is a device block owned by a frame.
type Allocation struct {
	Stream device.Stream
	Addr   uint64
}

// Frame holds the values of one iteration.
type Frame struct {
	Iteration int

	values sync.Map // Key: tensorref string, Value: tensor.Value
	states sync.Map // Key: node name, Value: Status
	errors sync.Map // Key: node name, Value: error

	mu    sync.Mutex
	owned []Allocation
}

// SetValue records the value behind ref.
func (f *Frame) SetValue(ref tensorref.Ref, v tensor.Value) {
	f.values.Store(ref.String(), v)
}

// Value returns the value behind ref.
func (f *Frame) Value(ref tensorref.Ref) (tensor.Value, bool) {
	v, ok := f.values.Load(ref.String())
	if !ok {
		return tensor.Value{}, false
	}
	return v.(tensor.Value), true
}

// MustValue is Value returning an error naming the missing ref.
func (f *Frame) MustValue(ref tensorref.Ref) (tensor.Value, error) {
	v, ok := f.Value(ref)
	if !ok {
		return tensor.Value{}, fmt.Errorf("iteration %d has no value for %s", f.Iteration, ref)
	}
	return v, nil
}

// SetStatus updates the status of node.
func (f *Frame) SetStatus(node string, s Status) {
	f.states.Store(node, s)
}

// Status returns the status of node, StatusPending if it never ran.
func (f *Frame) Status(node string) Status {
	s, ok := f.states.Load(node)
	if !ok {
		return StatusPending
	}
	return s.(Status)
}

// SetError records the failure of node and marks it failed.
func (f *Frame) SetError(node string, err error) {
	f.errors.Store(node, err)
	f.SetStatus(node, StatusFailed)
}

// Error returns the recorded failure of node.
func (f *Frame) Error(node string) error {
	err, ok := f.errors.Load(node)
	if !ok {
		return nil
	}
	return err.(error)
}

// Own hands a device block to the frame.
func (f *Frame) Own(s device.Stream, addr uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owned = append(f.owned, Allocation{Stream: s, Addr: addr})
}

// Disown removes addr from the frame, e.g. because it is handed to the
// caller as an output.
func (f *Frame) Disown(addr uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, a := range f.owned {
		if a.Addr == addr {
			f.owned = append(f.owned[:i], f.owned[i+1:]...)
			return true
		}
	}
	return false
}

// TakeOwned empties the ownership list and returns it.
func (f *Frame) TakeOwned() []Allocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	owned := f.owned
	f.owned = nil
	return owned
}

// Store maps iterations to frames.
type Store struct {
	frames sync.Map // Key: int iteration, Value: *Frame
}

// New creates an empty store.
func New() *Store {
	return &Store{}
}

// Frame returns the frame of iteration, creating it on first use.
func (s *Store) Frame(iteration int) *Frame {
	f, _ := s.frames.LoadOrStore(iteration, &Frame{Iteration: iteration})
	return f.(*Frame)
}

// Drop removes the frame of iteration and returns it.
func (s *Store) Drop(iteration int) (*Frame, bool) {
	f, ok := s.frames.LoadAndDelete(iteration)
	if !ok {
		return nil, false
	}
	return f.(*Frame), true
}

// Iterations lists the live iterations in ascending order.
func (s *Store) Iterations() []int {
	var out []int
	s.frames.Range(func(k, _ any) bool {
		out = append(out, k.(int))
		return true
	})
	sort.Ints(out)
	return out
}
