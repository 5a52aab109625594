package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/vk/hybridrt/internal/ctxlog"
)

// ConnectTimeout bounds how long Watch waits for the first connection.
const ConnectTimeout = 15 * time.Second

// Handlers receive decoded events. Nil handlers are skipped.
type Handlers struct {
	ComputeDone func(ComputeDone)
	Profiling   func(ProfilingEvent)
}

// Watcher is a socket.io client subscribed to a Publisher.
type Watcher struct {
	io *socket.Socket
}

// Watch connects to the publisher at rawURL, for example
// "http://localhost:9091/socket.io/", and dispatches its events to h.
func Watch(ctx context.Context, rawURL string, h Handlers) (*Watcher, error) {
	logger := ctxlog.FromContext(ctx).With("url", rawURL)
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	opts := socket.DefaultOptions()
	if parsed.Path != "" && parsed.Path != "/" {
		opts.SetPath(parsed.Path)
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	manager := socket.NewManager(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host), opts)
	io := manager.Socket("/", opts)

	io.On(types.EventName(EventComputeDone), func(args ...any) {
		var ev ComputeDone
		if h.ComputeDone == nil || decode(args, &ev) != nil {
			return
		}
		h.ComputeDone(ev)
	})
	io.On(types.EventName(EventProfiling), func(args ...any) {
		var ev ProfilingEvent
		if h.Profiling == nil || decode(args, &ev) != nil {
			return
		}
		h.Profiling(ev)
	})

	connected := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Debug("Connected to publisher.", "sid", io.Id())
		connected <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err, _ := errs[0].(error)
		if err == nil {
			err = fmt.Errorf("%v", errs[0])
		}
		connected <- err
	})
	io.Connect()

	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return &Watcher{io: io}, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection")
	case <-time.After(ConnectTimeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", ConnectTimeout)
	}
}

// decode converts the first event argument, a generic JSON value, into v.
func decode(args []any, v any) error {
	if len(args) == 0 {
		return fmt.Errorf("event without payload")
	}
	raw, err := json.Marshal(args[0])
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Close disconnects from the publisher.
func (w *Watcher) Close() {
	w.io.Disconnect()
}
