// Command hybridwatch subscribes to the notification server of a running
// hybridrt and prints every event it receives as one JSON line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/vk/hybridrt/internal/ctxlog"
	"github.com/vk/hybridrt/internal/notify"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("invalid arguments")

// printer writes one line per event and signals when count events arrived.
type printer struct {
	mu    sync.Mutex
	out   io.Writer
	count int
	seen  int
	done  chan struct{}
}

func (p *printer) print(kind string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count > 0 && p.seen >= p.count {
		return
	}
	line, err := json.Marshal(map[string]any{"event": kind, "data": payload})
	if err != nil {
		return
	}
	fmt.Fprintln(p.out, string(line))
	p.seen++
	if p.count > 0 && p.seen == p.count {
		close(p.done)
	}
}

func run(ctx context.Context, outW io.Writer, args []string) error {
	flagSet := flag.NewFlagSet("hybridwatch", flag.ContinueOnError)
	flagSet.SetOutput(outW)
	urlFlag := flagSet.String("url", "http://localhost:9091"+notify.Path, "socket.io URL of the notification server.")
	countFlag := flagSet.Int("count", 0, "Exit after this many events. 0 watches until interrupted.")
	profilingFlag := flagSet.Bool("profiling", true, "Print profiling events as well as completions.")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *countFlag < 0 {
		return fmt.Errorf("%w: count must not be negative", errUsage)
	}

	logger := slog.Default()
	ctx = ctxlog.WithLogger(ctx, logger)

	p := &printer{out: outW, count: *countFlag, done: make(chan struct{})}
	h := notify.Handlers{
		ComputeDone: func(ev notify.ComputeDone) { p.print(notify.EventComputeDone, ev) },
	}
	if *profilingFlag {
		h.Profiling = func(ev notify.ProfilingEvent) { p.print(notify.EventProfiling, ev) }
	}

	w, err := notify.Watch(ctx, *urlFlag, h)
	if err != nil {
		return err
	}
	defer w.Close()
	logger.Info("📡 Watching notifications.", "url", *urlFlag)

	select {
	case <-p.done:
	case <-ctx.Done():
	}
	return nil
}
