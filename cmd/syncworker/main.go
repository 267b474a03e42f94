// Command syncworker drains the pending mutation queue on a schedule,
// without serving HTTP.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/c0deZ3R0/storefront-sync/config"
	"github.com/c0deZ3R0/storefront-sync/internal/app"
	"github.com/c0deZ3R0/storefront-sync/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	once := flag.Bool("once", false, "run a single drain pass and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logging.Init(cfg.Log)

	if err := run(cfg, *once); err != nil {
		logging.LogError(context.Background(), err, "Sync worker exited")
		os.Exit(1)
	}
}

func run(cfg config.Config, once bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logging.LogError(ctx, err, "Shutdown failed")
		}
	}()

	if once {
		res, err := a.Worker.RunOnce(ctx)
		if err != nil {
			return err
		}
		logging.Default().Info("Drain pass finished",
			slog.Bool("online", res.Online),
			slog.Int("applied", res.Applied),
			slog.Int("failed", res.Failed),
			slog.Int("dead_lettered", res.DeadLettered),
		)
		return nil
	}

	if err := a.Worker.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
