package async

import (
	"context"
	"fmt"

	"github.com/vk/hybridrt/internal/ctxlog"
	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/status"
)

// BatchH2D queues the host-to-device copies of items on s. With batch set
// it tries one batched copy first and falls back to one copy per item when
// the device does not support batching. Any failure of the fallback is
// returned as is. fellBack reports whether the fallback ran.
func BatchH2D(ctx context.Context, rt device.Runtime, s device.Stream, items []device.CopyItem, batch bool) (fellBack bool, err error) {
	if len(items) == 0 {
		return false, nil
	}
	if batch {
		err := rt.MemcpyBatchH2D(s, items)
		if err == nil {
			return false, nil
		}
		if code := status.CodeOf(err); code != status.FeatureNotSupported && code != status.BatchCopyUnsupported {
			return false, fmt.Errorf("batched input copy: %w", err)
		}
		ctxlog.FromContext(ctx).Debug("Batched copy not supported, copying inputs one by one.", "items", len(items))
		fellBack = true
	}
	for i, it := range items {
		if err := rt.MemcpyH2D(s, it.Dst, it.Src); err != nil {
			return fellBack, fmt.Errorf("input copy %d of %d: %w", i+1, len(items), err)
		}
	}
	return fellBack, nil
}
