package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/user/mcdock/internal/api"
	"github.com/user/mcdock/internal/config"
	"github.com/user/mcdock/internal/console"
	"github.com/user/mcdock/internal/db"
	"github.com/user/mcdock/internal/hub"
	"github.com/user/mcdock/internal/mux"
	"github.com/user/mcdock/internal/registry"
	"github.com/user/mcdock/internal/runtime"
	"github.com/user/mcdock/internal/runtime/docker"
	"github.com/user/mcdock/internal/runtime/local"
	"github.com/user/mcdock/internal/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		slog.Error("mcdock exited", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	events := db.NewEventRepo(database.SQL())

	rt, closeRuntime, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRuntime()

	m, err := mux.New(mux.Options{
		PollInterval: cfg.PollInterval,
		ReadBuffer:   cfg.ReadBuffer,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("create multiplexer: %w", err)
	}
	defer m.Close()

	framing, err := console.ParseFraming(cfg.Framing)
	if err != nil {
		return err
	}
	reg := registry.New(rt, m, registry.Options{
		Spec: runtime.Spec{
			Image:      cfg.Image,
			Entrypoint: cfg.Entrypoint,
		},
		Label:       cfg.Label,
		NamePrefix:  cfg.NamePrefix,
		StopTimeout: cfg.StopTimeout,
		Framing:     framing,
		Events:      events,
		Logger:      logger,
	})
	defer reg.Close()

	h := hub.New(reg, hub.Options{SendBuffer: cfg.SubscriberBuffer, Logger: logger})
	srv, err := server.New(cfg.Listen, api.NewRouter(reg, events, http.HandlerFunc(h.HandleConsole)), h, logger)
	if err != nil {
		return err
	}

	if err := reg.Discover(ctx); err != nil {
		logger.Warn("workload discovery failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := m.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return srv.Start(gctx)
	})

	logger.Info("mcdock running", "listen", cfg.Listen, "runtime", cfg.Runtime, "config", cfg.ConfigPath)
	return g.Wait()
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (runtime.WorkloadRuntime, func(), error) {
	switch cfg.Runtime {
	case "local":
		rt := local.New(nil, logger)
		return rt, rt.Close, nil
	default:
		rt, err := docker.New(cfg.DockerHost, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := rt.Ping(ctx); err != nil {
			_ = rt.Close()
			return nil, nil, err
		}
		return rt, func() { _ = rt.Close() }, nil
	}
}
