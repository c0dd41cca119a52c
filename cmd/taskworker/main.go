// Command taskworker loads a computation module, signals ready on its message
// channel and runs the tasks the module exports on request.
//
// It is configured through TASKWORKER_* environment variables and an optional
// TOML file named by TASKWORKER_CONFIG. Logs go to stderr, since stdout may be
// the message channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/taskworker/internal/admin"
	"github.com/seantiz/taskworker/internal/backend"
	"github.com/seantiz/taskworker/internal/backend/builtin"
	"github.com/seantiz/taskworker/internal/backend/wasm"
	"github.com/seantiz/taskworker/internal/config"
	"github.com/seantiz/taskworker/internal/dispatcher"
	"github.com/seantiz/taskworker/internal/feed"
	"github.com/seantiz/taskworker/internal/model"
	"github.com/seantiz/taskworker/internal/store"
	"github.com/seantiz/taskworker/internal/transport"
)

const shutdownGrace = 10 * time.Second

// errChannelClosed stops the errgroup once the message channel has ended.
var errChannelClosed = errors.New("message channel closed")

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskworker: %v\n", err)
		os.Exit(2)
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)
	setupInit(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		// A blocked read on stdin is not interrupted by closing it.
		time.Sleep(shutdownGrace)
		logger.Error("taskworker: shutdown timed out")
		os.Exit(1)
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("taskworker: exiting", "error", err)
		stop()
		os.Exit(1)
	}
}

func newRegistry() *backend.Registry {
	reg := backend.NewRegistry()
	reg.Register(model.BackendBuiltin, builtin.Factory)
	reg.Register(model.BackendWasm, wasm.Factory)
	return reg
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("taskworker: starting",
		"backend", cfg.Backend,
		"module", cfg.ModulePath,
		"transport", cfg.Transport,
		"address", cfg.Address,
	)

	b, err := newRegistry().Resolve(cfg.Backend, backend.Config{
		ModulePath: cfg.ModulePath,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	opts := []dispatcher.Option{
		dispatcher.WithLogger(logger),
		dispatcher.WithLanes(cfg.Lanes),
	}

	var journal store.Store
	if cfg.JournalPath != "" {
		db, err := store.NewSQLiteStore(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("open dispatch journal: %w", err)
		}
		defer db.Close()
		journal = db
		opts = append(opts, dispatcher.WithJournal(db))
	}

	var events *feed.Broker
	if cfg.AdminAddr != "" {
		events = feed.NewBroker()
		opts = append(opts, dispatcher.WithFeed(events))
	}

	worker := dispatcher.New(b, opts...)
	defer func() {
		if err := worker.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("close backend", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	// The admin server comes up before initialization so /healthz can report
	// progress.
	if cfg.AdminAddr != "" {
		srv := admin.NewServer(cfg.AdminAddr, worker, journal, events, logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		// No ready signal is ever sent if initialization fails.
		if err := worker.Start(gctx); err != nil {
			return err
		}

		l, err := transport.Listen(gctx, cfg.Transport, cfg.Address)
		if err != nil {
			return err
		}
		if err := worker.ServeListener(gctx, l); err != nil {
			return err
		}
		logger.Info("taskworker: channel closed")
		// A finished channel ends the process, admin server included.
		return errChannelClosed
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errChannelClosed) {
		return err
	}
	return nil
}
