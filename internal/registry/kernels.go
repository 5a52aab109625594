package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/status"
)

// KernelStore keeps kernel binaries by name and the device handles they
// were registered under. Both tables are write-once per key.
type KernelStore struct {
	mu       sync.RWMutex
	sealed   bool
	binaries map[string]device.KernelBinary
	handles  map[handleKey]device.KernelHandle
}

// NewKernelStore creates an empty store.
func NewKernelStore() *KernelStore {
	return &KernelStore{
		binaries: make(map[string]device.KernelBinary),
		handles:  make(map[handleKey]device.KernelHandle),
	}
}

// AddBinary stores a binary. Adding after Init or adding a name twice is a
// programmer error.
func (s *KernelStore) AddBinary(bin device.KernelBinary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		panic(fmt.Sprintf("kernel binary '%s' added after registry init", bin.Name))
	}
	if _, exists := s.binaries[bin.Name]; exists {
		panic(fmt.Sprintf("kernel binary '%s' already registered", bin.Name))
	}
	slog.Debug("Registering kernel binary.", "name", bin.Name, "engine", bin.Engine)
	s.binaries[bin.Name] = bin
}

// Binary looks up a binary by name.
func (s *KernelStore) Binary(name string) (device.KernelBinary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bin, ok := s.binaries[name]
	return bin, ok
}

// Len reports how many binaries are stored.
func (s *KernelStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.binaries)
}

// Handle returns the device handle of binary name on rt, registering the
// binary on first use.
func (s *KernelStore) Handle(rt device.Runtime, name string) (device.KernelHandle, error) {
	key := handleKey{rt: rt, name: name}
	s.mu.RLock()
	h, ok := s.handles[key]
	s.mu.RUnlock()
	if ok {
		return h, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[key]; ok {
		return h, nil
	}
	bin, ok := s.binaries[name]
	if !ok {
		return 0, status.Errorf(status.ParamInvalid, "kernel handle", "no binary named %q", name)
	}
	h, err := rt.RegisterKernel(bin)
	if err != nil {
		return 0, fmt.Errorf("register binary %s: %w", name, err)
	}
	s.handles[key] = h
	return h, nil
}

func (s *KernelStore) seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
}

func (s *KernelStore) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for key, h := range s.handles {
		if err := key.rt.UnregisterKernel(h); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unregister %s: %w", key.name, err)
		}
		delete(s.handles, key)
	}
	return firstErr
}
