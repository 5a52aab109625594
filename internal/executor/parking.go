package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vk/hybridrt/internal/allocator"
	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/status"
	"github.com/vk/hybridrt/internal/valuestore"
)

// Parking holds device blocks whose stream did not drain before a
// synchronize timeout. Kernels may still touch them, so they are returned
// to the pool only after their streams have been drained.
type Parking struct {
	mu     sync.Mutex
	blocks []valuestore.Allocation
}

// Park keeps blocks until the next successful Reclaim.
func (p *Parking) Park(blocks ...valuestore.Allocation) {
	if len(blocks) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocks = append(p.blocks, blocks...)
}

// Len returns how many blocks are parked.
func (p *Parking) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.blocks)
}

// Reclaim drains every stream that owns a parked block and frees the blocks.
// When a stream still does not drain within timeout nothing is freed and
// the StreamSyncTimeout status is returned.
func (p *Parking) Reclaim(ctx context.Context, rt device.Runtime, alloc *allocator.Manager, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.blocks) == 0 {
		return nil
	}

	drained := make(map[device.Stream]bool)
	for _, b := range p.blocks {
		if drained[b.Stream] {
			continue
		}
		// Other errors are sticky failures of the request that timed out;
		// the stream is drained either way.
		err := rt.SynchronizeStream(ctx, b.Stream, timeout)
		if status.CodeOf(err) == status.StreamSyncTimeout || status.CodeOf(err) == status.Stopped {
			return fmt.Errorf("drain stream %d before reusing its blocks: %w", b.Stream, err)
		}
		drained[b.Stream] = true
	}

	var firstErr error
	for _, b := range p.blocks {
		if err := alloc.Free(b.Stream, b.Addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.blocks = nil
	return firstErr
}
