package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/thushan/porter/internal/app"
	"github.com/thushan/porter/internal/config"
	"github.com/thushan/porter/internal/logger"
	"github.com/thushan/porter/internal/version"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Print(version.Banner(true))
		os.Exit(0)
	}
	fmt.Print(version.Banner(false))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logInstance, cleanup, err := logger.New(&logger.Config{
		Level:      cfg.Logging.Level,
		LogDir:     cfg.Logging.Dir,
		FileOutput: cfg.Logging.FileOutput,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(logInstance)

	log := logger.NewStyledLogger(logInstance)
	log.Info("Initialising", "version", version.Version, "pid", os.Getpid())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to build application", "error", err)
		cleanup()
		os.Exit(1)
	}

	if err := application.Run(ctx); err != nil {
		log.Error("Shutdown with error", "error", err)
		cleanup()
		os.Exit(1)
	}

	log.Info("Porter has shutdown")
}
