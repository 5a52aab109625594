package allocator

import (
	"context"
	"sync"
	"time"

	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/status"
)

// Manager owns the pools of every stream of one device and the external
// allocators installed in their place.
type Manager struct {
	hw          Hardware
	syncTimeout time.Duration

	mu        sync.Mutex
	resources map[device.Stream]*StreamResource
	external  map[device.Stream]Allocator
}

// Option configures a Manager.
type Option func(*Manager)

// WithSyncTimeout bounds the stream synchronisation done before a recycle.
func WithSyncTimeout(d time.Duration) Option {
	return func(m *Manager) { m.syncTimeout = d }
}

// NewManager creates a manager on top of hw.
func NewManager(hw Hardware, opts ...Option) *Manager {
	m := &Manager{
		hw:        hw,
		resources: make(map[device.Stream]*StreamResource),
		external:  make(map[device.Stream]Allocator),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resource returns the internal pool of s, creating it on first use.
func (m *Manager) Resource(s device.Stream) *StreamResource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resourceLocked(s)
}

func (m *Manager) resourceLocked(s device.Stream) *StreamResource {
	r, ok := m.resources[s]
	if !ok {
		r = newStreamResource(m.hw, s, m.syncTimeout)
		m.resources[s] = r
	}
	return r
}

// SetAllocator installs an external allocator for s; nil removes it. The
// internal pool of s is drained first and must have nothing in use.
func (m *Manager) SetAllocator(s device.Stream, a Allocator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a == nil {
		delete(m.external, s)
		return nil
	}
	if r, ok := m.resources[s]; ok {
		if n := r.inUseCount(); n > 0 {
			return status.Errorf(status.ParamInvalid, "set allocator",
				"stream %d has %d blocks in use from the internal pool", s, n)
		}
		if _, err := r.ReleaseCached(); err != nil {
			return err
		}
		delete(m.resources, s)
	}
	m.external[s] = a
	return nil
}

// SelectAllocator returns the allocator serving s: the external one when
// installed, otherwise the internal pool.
func (m *Manager) SelectAllocator(s device.Stream) Allocator {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.external[s]; ok {
		return a
	}
	return m.resourceLocked(s)
}

// Allocate allocates size bytes for work on s.
func (m *Manager) Allocate(ctx context.Context, s device.Stream, size int64) (uint64, error) {
	return m.SelectAllocator(s).Malloc(ctx, size)
}

// Free returns a block allocated for s.
func (m *Manager) Free(s device.Stream, addr uint64) error {
	return m.SelectAllocator(s).Free(addr)
}

// Stats returns the counters of every internal pool.
func (m *Manager) Stats() map[device.Stream]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[device.Stream]Stats, len(m.resources))
	for s, r := range m.resources {
		out[s] = r.Stats()
	}
	return out
}

// ReleaseStream frees everything pooled for s, in use or not. Call it only
// after the stream has drained.
func (m *Manager) ReleaseStream(s device.Stream) error {
	m.mu.Lock()
	r, ok := m.resources[s]
	delete(m.resources, s)
	delete(m.external, s)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return r.close()
}

// Close releases every pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	streams := make([]device.Stream, 0, len(m.resources))
	for s := range m.resources {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	var firstErr error
	for _, s := range streams {
		if err := m.ReleaseStream(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
