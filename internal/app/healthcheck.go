package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vk/hybridrt/internal/allocator"
	"github.com/vk/hybridrt/internal/ctxlog"
	"github.com/vk/hybridrt/internal/device"
	"github.com/vk/hybridrt/internal/device/sim"
)

// Stats is the document served on /stats.
type Stats struct {
	Device    sim.Stats                         `json:"device"`
	Memory    device.MemInfo                    `json:"memory"`
	Pools     map[device.Stream]allocator.Stats `json:"pools"`
	Profiling struct {
		Delivered int64 `json:"delivered"`
		Dropped   int64 `json:"dropped"`
	} `json:"profiling"`
	NotifyClients int64 `json:"notify_clients"`
}

// Snapshot collects the current runtime counters.
func (app *App) Snapshot() Stats {
	var s Stats
	s.Device = app.dev.Stats()
	s.Memory = app.dev.MemInfo()
	s.Pools = app.alloc.Stats()
	s.Profiling.Delivered = app.reporter.Delivered()
	s.Profiling.Dropped = app.reporter.Dropped()
	if app.publisher != nil {
		s.NotifyClients = app.publisher.Clients()
	}
	return s
}

func (app *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	logger := ctxlog.FromContext(app.ctx)
	logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (app *App) statsHandler(w http.ResponseWriter, r *http.Request) {
	logger := ctxlog.FromContext(app.ctx)
	logger.Debug("Stats endpoint hit.", "remote_addr", r.RemoteAddr)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(app.Snapshot()); err != nil {
		logger.Warn("Writing stats response failed.", "error", err)
	}
}

// healthCheckServer starts the health and stats HTTP server in the background.
func (app *App) healthCheckServer() {
	logger := ctxlog.FromContext(app.ctx)
	if app.config.HealthcheckPort <= 0 {
		logger.Debug("Health check server not started: disabled")
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", app.healthHandler)
	mux.HandleFunc("/stats", app.statsHandler)

	addr := fmt.Sprintf(":%d", app.config.HealthcheckPort)
	app.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("🩺 Health check server starting", "address", fmt.Sprintf("http://localhost%s/health", addr))
		// ErrServerClosed is the normal result of Shutdown.
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health check server failed unexpectedly", "error", err)
		}
	}()
}

func (app *App) closeHealthCheckServer() error {
	logger := ctxlog.FromContext(app.ctx)
	if app.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(app.ctx), 5*time.Second)
	defer cancel()

	logger.Info("🩺 Shutting down health check server...")
	if err := app.httpServer.Shutdown(ctx); err != nil {
		logger.Error("Health check server shutdown failed", "error", err)
		return err
	}
	app.httpServer = nil
	return nil
}
