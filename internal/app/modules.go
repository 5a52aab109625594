package app

import (
	"github.com/vk/hybridrt/internal/registry"
	"github.com/vk/hybridrt/modules/aicpu"
	"github.com/vk/hybridrt/modules/atomicclean"
	"github.com/vk/hybridrt/modules/elementwise"
	"github.com/vk/hybridrt/modules/fused"
)

// coreModules lists every kernel module compiled into the hybridrt binary.
func coreModules() []registry.Module {
	return []registry.Module{
		&elementwise.Module{},
		&aicpu.Module{},
		&fused.Module{},
		&atomicclean.Module{},
	}
}
