package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vk/hybridrt/internal/async"
	"github.com/vk/hybridrt/internal/config"
	"github.com/vk/hybridrt/internal/ctxlog"
	"github.com/vk/hybridrt/internal/executor"
	"github.com/vk/hybridrt/internal/model"
	"github.com/vk/hybridrt/internal/notify"
	"github.com/vk/hybridrt/internal/optask"
	"github.com/vk/hybridrt/internal/tensor"
)

// Run loads every selected plan and pushes the configured number of
// requests through an async executor for each.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.ctx = ctx
	a.logger.Debug("App.Run method started.")

	if err := a.registry.Init(ctx, a.modules...); err != nil {
		return fmt.Errorf("failed to initialize registries: %w", err)
	}
	defer func() {
		if err := a.registry.Finalize(ctx); err != nil {
			a.logger.Warn("Registry finalize failed.", "error", err)
		}
	}()
	defer func() {
		if err := a.alloc.Close(); err != nil {
			a.logger.Warn("Releasing memory pools failed.", "error", err)
		}
	}()
	defer a.reporter.Close()

	a.healthCheckServer()
	defer a.closeHealthCheckServer()

	if a.config.NotifyPort > 0 {
		a.publisher = notify.NewPublisher(ctx)
		if err := a.publisher.Listen(fmt.Sprintf(":%d", a.config.NotifyPort)); err != nil {
			return err
		}
		unsubscribe := a.reporter.Subscribe("notify", a.publisher)
		defer func() {
			unsubscribe()
			_ = a.publisher.Close()
		}()
	}

	plans, err := a.selectPlans()
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		a.logger.Warn("No models found in configuration, execution not required.")
		return nil
	}

	a.logger.Info("🚀 Starting execution...", "models", len(plans), "requests", a.config.Requests, "max_workers", a.env.MaxCoreNumber)
	for _, plan := range plans {
		if err := a.runPlan(ctx, plan); err != nil {
			return fmt.Errorf("model %s: %w", plan.Name, err)
		}
	}
	a.logger.Info("🏁 Execution finished.")
	return nil
}

func (a *App) selectPlans() ([]*config.Plan, error) {
	if a.config.Model == "" {
		return a.model.Plans, nil
	}
	p, err := a.model.Plan(a.config.Model)
	if err != nil {
		return nil, err
	}
	return []*config.Plan{p}, nil
}

func (a *App) runPlan(ctx context.Context, plan *config.Plan) error {
	rtCfg := a.model.Runtime
	logger := a.logger.With("model", plan.Name)

	g, err := model.Build(plan)
	if err != nil {
		return err
	}
	opts := executor.Options{
		SyncTimeout:   rtCfg.StreamSyncTimeout,
		MaxTilingSize: rtCfg.MaxTilingSize,
	}
	if rtCfg.ExceptionDump {
		opts.DumpRing = optask.NewDumpRing(rtCfg.DumpRingSize)
	}
	m, err := executor.Load(ctx, a.dev, a.registry, g, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Unload(); err != nil {
			logger.Warn("Unloading model failed.", "error", err)
		}
	}()

	batch, _ := rtCfg.InputBatchCopy()
	ex := async.New(m, a.alloc, async.Options{
		DeviceID:       rtCfg.DeviceID,
		NumExecutors:   rtCfg.NumExecutors,
		InputBatchCopy: batch,
		QueueCapacity:  rtCfg.QueueCapacity,
		MaxWorkers:     a.env.MaxCoreNumber,
		Reporter:       a.reporter,
	})
	if err := ex.Init(ctx, 0); err != nil {
		return err
	}
	defer func() {
		if err := ex.Close(ctx); err != nil {
			logger.Warn("Closing executor failed.", "error", err)
		}
	}()

	l := &listener{logger: logger, publisher: a.publisher}
	if err := ex.Start(ctx, l); err != nil {
		return err
	}
	logger.Info("▶️ Model loaded.", "stages", g.NumStages, "iterations", g.IterationEnd, "pipelined", ex.Pipelined(), "param", m.Param.String())

	for i := range a.config.Requests {
		inputs, err := sampleInputs(g, i)
		if err != nil {
			ex.Stop()
			return err
		}
		if err := ex.EnqueueData(ctx, &async.InputDataWrapper{Index: uint64(i), Inputs: inputs}); err != nil {
			ex.Stop()
			return err
		}
	}
	ex.Stop()

	if failed := l.failures(); failed > 0 {
		return fmt.Errorf("%d of %d requests failed, first: %w", failed, a.config.Requests, l.firstErr())
	}
	return nil
}

// listener logs every completion and forwards it to the publisher.
type listener struct {
	logger    *slog.Logger
	publisher *notify.Publisher

	mu     sync.Mutex
	failed int
	first  error
}

func (l *listener) OnComputeDone(index uint64, err error, outputs []tensor.Value) {
	if err != nil {
		l.mu.Lock()
		l.failed++
		if l.first == nil {
			l.first = err
		}
		l.mu.Unlock()
		l.logger.Info("❌ Request failed.", "request", index, "error", err)
	} else {
		summary := notify.NewComputeDone(index, nil, outputs)
		l.logger.Info("✅ Request completed.", "request", index, "outputs", summary.Outputs)
	}
	if l.publisher != nil {
		l.publisher.OnComputeDone(index, err, outputs)
	}
}

func (l *listener) failures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

func (l *listener) firstErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.first
}

// sampleInputs builds host inputs for request i: every element is i+1, or
// zero bytes for types that cannot be encoded element-wise.
func sampleInputs(g *model.Graph, i int) ([]tensor.Value, error) {
	out := make([]tensor.Value, len(g.Inputs))
	for k, in := range g.Inputs {
		n, err := in.Desc.Shape.NumElements()
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", in.Name, err)
		}
		vals := make([]float64, n)
		for j := range vals {
			vals[j] = float64(i + 1)
		}
		raw, err := tensor.Encode(in.Desc.DType, vals)
		if err != nil {
			size, sizeErr := in.Desc.ByteSize()
			if sizeErr != nil {
				return nil, fmt.Errorf("input %s: %w", in.Name, sizeErr)
			}
			raw = make([]byte, size)
		}
		desc := in.Desc
		desc.Placement = tensor.Host
		out[k] = tensor.Value{Desc: desc, Buffer: tensor.HostBuffer(raw)}
	}
	return out, nil
}
