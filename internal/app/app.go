package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/vk/hybridrt/internal/allocator"
	"github.com/vk/hybridrt/internal/config"
	"github.com/vk/hybridrt/internal/ctxlog"
	"github.com/vk/hybridrt/internal/device/sim"
	"github.com/vk/hybridrt/internal/notify"
	"github.com/vk/hybridrt/internal/profiling"
	"github.com/vk/hybridrt/internal/registry"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	ctx    context.Context
	config *Config

	model   *config.Model
	env     config.Env
	modules []registry.Module

	dev       *sim.Device
	registry  *registry.Registry
	alloc     *allocator.Manager
	reporter  *profiling.Reporter
	publisher *notify.Publisher

	httpServer *http.Server
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance with its own logger, device and registry. A
// configuration that cannot be loaded is a fatal startup error and panics.
func NewApp(outW io.Writer, appConfig *Config, loader config.Loader, modules ...registry.Module) *App {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	cfgModel, err := loader.Load(ctx, appConfig.ConfigPath)
	if err != nil {
		panic(fmt.Errorf("failed to load configuration: %w", err))
	}
	logger.Debug("Configuration loaded and translated into unified model.", "plans", len(cfgModel.Plans))

	env, err := config.ParseEnv(os.LookupEnv)
	if err != nil {
		panic(fmt.Errorf("failed to read environment: %w", err))
	}
	if _, err := cfgModel.Runtime.InputBatchCopy(); err != nil {
		panic(fmt.Errorf("invalid runtime options: %w", err))
	}

	if len(modules) == 0 {
		modules = coreModules()
	}
	dev := sim.New(sim.WithDeviceID(cfgModel.Runtime.DeviceID), sim.WithCapacity(appConfig.DeviceMemory))
	for _, mod := range modules {
		if in, ok := mod.(sim.Installer); ok {
			in.Install(dev)
		}
	}
	logger.Debug("Kernel implementations installed on the device.", "modules", len(modules))

	return &App{
		outW:     outW,
		logger:   logger,
		ctx:      ctx,
		config:   appConfig,
		model:    cfgModel,
		env:      env,
		modules:  modules,
		dev:      dev,
		registry: registry.New(),
		alloc:    allocator.NewManager(dev, allocator.WithSyncTimeout(cfgModel.Runtime.StreamSyncTimeout)),
		reporter: profiling.New(cfgModel.Runtime.QueueCapacity * 4),
	}
}

// Registry returns the application's registry. This is primarily for testing.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Device returns the simulated device the application runs on.
func (a *App) Device() *sim.Device {
	return a.dev
}

// Reporter returns the profiling fan-out of the application.
func (a *App) Reporter() *profiling.Reporter {
	return a.reporter
}
