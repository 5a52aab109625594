package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zishang520/socket.io/v2/socket"

	"github.com/vk/hybridrt/internal/ctxlog"
	"github.com/vk/hybridrt/internal/profiling"
	"github.com/vk/hybridrt/internal/tensor"
)

// Path is where the socket.io endpoint is mounted.
const Path = "/socket.io/"

// Publisher broadcasts completions and profiling records to every client
// connected to its socket.io server.
type Publisher struct {
	ctx     context.Context
	io      *socket.Server
	clients atomic.Int64
	emitted atomic.Int64

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

// NewPublisher creates a publisher. Mount Handler on a server or call
// Listen.
func NewPublisher(ctx context.Context) *Publisher {
	p := &Publisher{ctx: ctx, io: socket.NewServer(nil, nil)}
	logger := ctxlog.FromContext(ctx).With("component", "notify")
	p.io.On("connection", func(clients ...any) {
		client, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		p.clients.Add(1)
		logger.Debug("Client connected.", "sid", client.Id())
		client.On("disconnect", func(...any) {
			p.clients.Add(-1)
			logger.Debug("Client disconnected.", "sid", client.Id())
		})
	})
	return p
}

// Handler serves the socket.io protocol.
func (p *Publisher) Handler() http.Handler {
	return p.io.ServeHandler(nil)
}

// Listen serves the socket.io endpoint on addr in the background. Use ":0"
// to pick a free port; Addr reports the one chosen.
func (p *Publisher) Listen(addr string) error {
	logger := ctxlog.FromContext(p.ctx)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("notify listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle(Path, p.Handler())

	p.mu.Lock()
	p.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	p.addr = ln.Addr().String()
	srv := p.srv
	p.mu.Unlock()

	go func() {
		logger.Info("📣 Notification server starting", "address", fmt.Sprintf("http://%s%s", ln.Addr(), Path))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Notification server failed unexpectedly", "error", err)
		}
	}()
	return nil
}

// Addr returns the address Listen bound to.
func (p *Publisher) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// Clients returns the number of connected clients.
func (p *Publisher) Clients() int64 {
	return p.clients.Load()
}

// Emitted returns how many events were broadcast.
func (p *Publisher) Emitted() int64 {
	return p.emitted.Load()
}

// OnComputeDone broadcasts the outcome of a request.
func (p *Publisher) OnComputeDone(index uint64, err error, outputs []tensor.Value) {
	p.emit(EventComputeDone, NewComputeDone(index, err, outputs))
}

// Report broadcasts a profiling record.
func (p *Publisher) Report(rec profiling.Record) {
	p.emit(EventProfiling, NewProfilingEvent(rec))
}

func (p *Publisher) emit(event string, payload any) {
	p.io.Emit(event, payload)
	p.emitted.Add(1)
}

// Close disconnects every client and stops the server started by Listen.
func (p *Publisher) Close() error {
	p.io.Close(nil)

	p.mu.Lock()
	srv := p.srv
	p.srv = nil
	p.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
