package allocator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/vk/hybridrt/internal/ctxlog"
	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/status"
)

// RoundSize is the granularity of pooled blocks.
const RoundSize int64 = 512

// Hardware is the part of the device the allocator drives.
type Hardware interface {
	Malloc(size int64) (uint64, error)
	Free(addr uint64) error
	SynchronizeStream(ctx context.Context, s device.Stream, timeout time.Duration) error
}

// Allocator hands out device memory for one stream. External allocators
// installed with Manager.SetAllocator implement it too.
type Allocator interface {
	Malloc(ctx context.Context, size int64) (uint64, error)
	Free(addr uint64) error
}

// Stats describes a pool.
type Stats struct {
	CachedBytes     int64 `json:"cached_bytes"`
	InUseBytes      int64 `json:"in_use_bytes"`
	HardwareMallocs int64 `json:"hardware_mallocs"`
	CacheHits       int64 `json:"cache_hits"`
	Recycles        int64 `json:"recycles"`
	ReleasedBytes   int64 `json:"released_bytes"`
}

// StreamResource is the internal pool of one stream.
type StreamResource struct {
	hw          Hardware
	stream      device.Stream
	syncTimeout time.Duration

	mu         sync.Mutex
	free       map[int64][]uint64
	inUse      map[uint64]int64
	reclaiming int
	stats      Stats
}

var _ Allocator = (*StreamResource)(nil)

func newStreamResource(hw Hardware, s device.Stream, syncTimeout time.Duration) *StreamResource {
	return &StreamResource{
		hw:          hw,
		stream:      s,
		syncTimeout: syncTimeout,
		free:        make(map[int64][]uint64),
		inUse:       make(map[uint64]int64),
	}
}

// Stream returns the stream the pool serves.
func (r *StreamResource) Stream() device.Stream {
	return r.stream
}

func roundUp(size int64) int64 {
	return (size + RoundSize - 1) / RoundSize * RoundSize
}

// Malloc returns a block of at least size bytes.
func (r *StreamResource) Malloc(ctx context.Context, size int64) (uint64, error) {
	if size <= 0 {
		return 0, status.Errorf(status.ParamInvalid, "allocate", "invalid size %d", size)
	}
	rounded := roundUp(size)
	logger := ctxlog.FromContext(ctx).With("stream", r.stream, "size", rounded)

	r.mu.Lock()
	if blocks := r.free[rounded]; len(blocks) > 0 {
		addr := blocks[len(blocks)-1]
		r.free[rounded] = blocks[:len(blocks)-1]
		r.inUse[addr] = rounded
		r.stats.CachedBytes -= rounded
		r.stats.InUseBytes += rounded
		r.stats.CacheHits++
		r.mu.Unlock()
		return addr, nil
	}
	r.mu.Unlock()

	addr, err := r.hw.Malloc(rounded)
	if err == nil {
		r.track(addr, rounded)
		return addr, nil
	}
	if status.CodeOf(err) != status.MemoryAllocationFailed {
		return 0, errors.WithMessagef(err, "allocate %d bytes", rounded)
	}

	logger.Warn("Device allocation failed, recycling cached blocks.", "error", err)
	addr, err = r.recycleAndRetry(ctx, rounded, logger)
	if err != nil {
		return 0, err
	}
	r.track(addr, rounded)
	return addr, nil
}

// recycleAndRetry syncs the stream, returns every cached block to the
// hardware and retries the allocation once.
func (r *StreamResource) recycleAndRetry(ctx context.Context, size int64, logger *slog.Logger) (uint64, error) {
	r.mu.Lock()
	r.reclaiming++
	r.stats.Recycles++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.reclaiming--
		r.mu.Unlock()
	}()

	if err := r.hw.SynchronizeStream(ctx, r.stream, r.syncTimeout); err != nil {
		return 0, errors.WithMessage(err, "synchronize before recycle")
	}
	released, err := r.ReleaseCached()
	if err != nil {
		return 0, err
	}
	logger.Debug("Cached blocks released.", "released_bytes", released)

	addr, err := r.hw.Malloc(size)
	if err != nil {
		return 0, status.New(status.MemoryAllocationFailed, "allocate",
			errors.WithMessagef(err, "%d bytes still unavailable after releasing %d cached bytes", size, released))
	}
	return addr, nil
}

func (r *StreamResource) track(addr uint64, size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inUse[addr] = size
	r.stats.InUseBytes += size
	r.stats.HardwareMallocs++
}

// Free returns a block to the pool, or straight to the hardware while a
// recycle is in progress.
func (r *StreamResource) Free(addr uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	size, ok := r.inUse[addr]
	if !ok {
		return status.Errorf(status.ParamInvalid, "free", "address %#x was not allocated on stream %d", addr, r.stream)
	}
	delete(r.inUse, addr)
	r.stats.InUseBytes -= size
	if r.reclaiming > 0 {
		r.stats.ReleasedBytes += size
		return r.hw.Free(addr)
	}
	r.free[size] = append(r.free[size], addr)
	r.stats.CachedBytes += size
	return nil
}

// ReleaseCached returns every cached block to the hardware. Blocks in use
// are untouched.
func (r *StreamResource) ReleaseCached() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var released int64
	var firstErr error
	for size, blocks := range r.free {
		for _, addr := range blocks {
			if err := r.hw.Free(addr); err != nil && firstErr == nil {
				firstErr = errors.WithMessagef(err, "release cached block %#x", addr)
			}
			released += size
		}
		delete(r.free, size)
	}
	r.stats.CachedBytes -= released
	r.stats.ReleasedBytes += released
	return released, firstErr
}

// Stats returns a snapshot of the pool counters.
func (r *StreamResource) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *StreamResource) inUseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inUse)
}

// close releases cached and in-use blocks alike.
func (r *StreamResource) close() error {
	_, err := r.ReleaseCached()
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, size := range r.inUse {
		if ferr := r.hw.Free(addr); ferr != nil && err == nil {
			err = ferr
		}
		r.stats.InUseBytes -= size
		delete(r.inUse, addr)
	}
	return err
}
