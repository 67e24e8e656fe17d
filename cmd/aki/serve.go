package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/aki/internal/api"
	"github.com/nugget/aki/internal/buildinfo"
	"github.com/nugget/aki/internal/connwatch"
	"github.com/nugget/aki/internal/mqtt"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runServe(cmd.Context())
		},
	}
}

// runServe starts the API server and, when a broker is configured, the
// MQTT relay, then blocks until SIGINT or SIGTERM.
//
// Shutdown order:
//  1. the relay publishes "offline" and disconnects
//  2. in-flight turns are stopped and HTTP requests drain
//  3. telemetry is flushed and the stores are closed
func (c *cli) runServe(ctx context.Context) error {
	cfg, logger, err := c.loadConfig()
	if err != nil {
		return err
	}
	logger.Info("starting Aki", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	inst, shutdownTelemetry := instruments(ctx, cfg, logger)
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry flush failed", "error", err)
		}
	}()

	rt, err := buildRuntime(ctx, cfg, logger, inst)
	if err != nil {
		return err
	}
	defer rt.Close()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, rt.engine, rt.store, logger)
	server.SetBus(rt.bus)
	server.SetUsage(rt.usage)
	server.SetDefaults(rt.modelConfig(), cfg.Workspace)

	watch := connwatch.NewManager(ctx, logger)
	defer watch.Stop()
	server.SetHealth(watch)
	for _, name := range rt.router.Providers() {
		client, _ := rt.router.Client(name)
		watch.Watch(name, client.Ping, connwatch.DefaultBackoff())
	}

	var relay *mqtt.Relay
	if cfg.MQTT.Configured() {
		relay = mqtt.New(cfg.MQTT, rt.bus, server, logger)
		go func() {
			if err := relay.Start(ctx); err != nil {
				logger.Error("mqtt relay failed", "error", err)
			}
		}()
		watch.Watch("mqtt", func(ctx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(ctx, 2*time.Second)
			defer awaitCancel()
			return relay.AwaitConnection(awaitCtx)
		}, connwatch.DefaultBackoff())
		logger.Info("mqtt relay enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt relay disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if relay != nil {
			if err := relay.Stop(stopCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(stopCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Aki stopped")
	return nil
}
