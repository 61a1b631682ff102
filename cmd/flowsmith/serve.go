package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowsmith-dev/flowsmith"
	"github.com/flowsmith-dev/flowsmith/pkg/config"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the subsystem runtime",
		Long: `Serve wires the session store, engine, audit sinks, and the optional
sweeper and observability server from a YAML configuration, then runs
until interrupted. The external persistence and execution collaborators
are loopback stubs; embedding applications supply real ones through the
library API.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(configFile)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "config/flowsmith.yaml", "configuration file")
	return cmd
}

func runServe(configFile string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	rt, err := flowsmith.New(cfg, flowsmith.Options{
		Persister: newLoopbackPersister(),
		Executor:  newLoopbackExecutor(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if err := rt.Start(); err != nil {
		return err
	}
	logger.Info("flowsmith started", "version", Version, "config", configFile)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
