package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edgecmd/edgeworker/commands"
	"github.com/edgecmd/edgeworker/config"
	"github.com/edgecmd/edgeworker/control"
	"github.com/edgecmd/edgeworker/dispatch"
	"github.com/edgecmd/edgeworker/health"
	"github.com/edgecmd/edgeworker/metric"
	"github.com/edgecmd/edgeworker/natsclient"
	"github.com/edgecmd/edgeworker/presence"
	"github.com/edgecmd/edgeworker/process"
	"github.com/edgecmd/edgeworker/settings"
	"github.com/edgecmd/edgeworker/systemd"
)

// runWorker wires the components and runs them until SIGINT or SIGTERM
func runWorker(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting "+appName,
		"version", Version,
		"build_time", BuildTime,
		"device_id", cfg.DeviceID,
		"nats_url", cfg.NATS.URL,
		"workers", cfg.Workers)

	registry := metric.NewMetricsRegistry()
	registry.CoreMetrics().RecordBuildInfo(Version, cfg.DeviceID)
	monitor := health.NewMonitor()

	client, err := newNATSClient(cfg, registry, monitor, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Warn("NATS close failed", "error", err)
		}
	}()

	runner := process.NewExecRunner()
	router := commands.NewRouter(
		client,
		runner,
		systemd.NewDBusManager(systemd.SystemBus, logger),
		settings.NewStore(cfg.SettingsDir),
		commands.WithConfig(commandsConfig(cfg.Commands)),
		commands.WithLogger(logger.With("component", "commands")),
		commands.WithMetrics(registry.CoreMetrics()),
	)

	dispatcher, err := dispatch.New(client, router, cfg.DeviceID,
		dispatch.WithSubject(cfg.Subject),
		dispatch.WithWorkers(cfg.Workers),
		dispatch.WithShutdownTimeout(cfg.ShutdownTimeout),
		dispatch.WithSubscribeRetry(cfg.NATS.ConnectRetryWait),
		dispatch.WithLogger(logger.With("component", "dispatcher")),
		dispatch.WithMetrics(registry),
	)
	if err != nil {
		return err
	}

	var heartbeat *presence.Heartbeat
	if cfg.Presence.Enabled {
		heartbeat, err = newHeartbeat(cfg, client, logger)
		if err != nil {
			return err
		}
	}

	healthFn := func() health.Status {
		monitor.Update("nats", client.Health())
		monitor.Update("dispatcher", dispatcher.Health())
		if heartbeat != nil {
			monitor.Update("presence", heartbeat.Health())
		}
		return monitor.AggregateHealth(appName)
	}

	g, gctx := errgroup.WithContext(ctx)

	// The control socket and metrics come up before NATS so a device stuck
	// connecting can still be inspected.
	ctrl := control.NewServer(cfg.Socket, healthFn,
		func() any { return dispatcher.Stats() },
		control.WithLogger(logger.With("component", "control")),
	)
	g.Go(func() error {
		if err := ctrl.Run(gctx); err != nil {
			// the worker keeps serving commands without its local socket
			logger.Error("Control socket unavailable", "path", cfg.Socket, "error", err)
		}
		return nil
	})

	if cfg.Metrics.Port > 0 {
		metricsServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, healthFn)
		g.Go(func() error {
			logger.Info("Serving metrics", "address", metricsServer.Address())
			if err := metricsServer.Start(); err != nil {
				logger.Error("Metrics endpoint unavailable", "port", cfg.Metrics.Port, "error", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Stop(stopCtx)
		})
	}

	g.Go(func() error {
		if err := client.ConnectForever(gctx); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return err
		}

		if heartbeat != nil {
			g.Go(func() error { return heartbeat.Run(gctx) })
		}
		return dispatcher.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("%s stopped: %w", appName, err)
	}

	logger.Info(appName+" shutdown complete", "stats", dispatcher.Stats())
	return nil
}

func newNATSClient(
	cfg *config.Config,
	registry *metric.MetricsRegistry,
	monitor *health.Monitor,
	logger *slog.Logger,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithConnectRetryWait(cfg.NATS.ConnectRetryWait),
		natsclient.WithLogger(logger.With("component", "nats")),
		natsclient.WithMetrics(registry),
	}
	if cfg.NATS.CredsFile != "" {
		opts = append(opts, natsclient.WithCredentialsFile(cfg.NATS.CredsFile))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if tls := cfg.NATS.TLS; tls.CertFile != "" || tls.CAFile != "" {
		opts = append(opts, natsclient.WithTLS(tls.CertFile, tls.KeyFile, tls.CAFile))
	}

	var client *natsclient.Client
	opts = append(opts, natsclient.WithHealthChangeCallback(func(bool) {
		if client != nil {
			monitor.Update("nats", client.Health())
		}
	}))

	client, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	return client, nil
}

func newHeartbeat(cfg *config.Config, client *natsclient.Client, logger *slog.Logger) (*presence.Heartbeat, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = cfg.DeviceID
	}
	return presence.NewHeartbeat(
		presence.FromProvider(client, cfg.Presence.Interval),
		presence.Record{
			DeviceID: cfg.DeviceID,
			Hostname: hostname,
			Version:  Version,
			Workers:  cfg.Workers,
		},
		presence.WithInterval(cfg.Presence.Interval),
		presence.WithLogger(logger.With("component", "presence")),
	)
}

func commandsConfig(c config.CommandsConfig) commands.Config {
	return commands.Config{
		RebootCommand:   c.Reboot,
		ShutdownCommand: c.Shutdown,
		Systemctl:       c.Systemctl,
		CamUnit:         c.CamUnit,
		Swupdate:        c.Swupdate,
		SwupdateArgs:    c.SwupdateArgs,
	}
}
