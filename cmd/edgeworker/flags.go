package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/edgecmd/edgeworker/config"
	"github.com/edgecmd/edgeworker/control"
)

// runFlags holds the command-line overrides for `run`
type runFlags struct {
	configPath      string
	subject         string
	natsURL         string
	hostname        string
	natsCreds       string
	workers         int
	socket          string
	logLevel        string
	logFormat       string
	metricsPort     int
	shutdownTimeout time.Duration
	validate        bool
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "edgeworker",
		Short:         appName + " executes device commands received over NATS",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Subscribe to the device subject and serve commands",
		Example: `  # Serve pi.<hostname>.> against the local leaf node
  edgeworker run

  # Explicit device id, credentials and a config file
  edgeworker run --hostname octopi --nats-creds /etc/printnanny/nats.creds --config /etc/edgeworker/config.yaml

  # Environment overrides
  EDGEWORKER_WORKERS=4 EDGEWORKER_LOG_LEVEL=debug edgeworker run`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), f)
			if err != nil {
				return err
			}
			if f.validate {
				fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
				return nil
			}

			logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
			return runWorker(cmd.Context(), cfg, logger)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "Path to a YAML or JSON config file")
	fs.StringVar(&f.subject, "subject", "", "Subscription subject (default pi.<hostname>.>)")
	fs.StringVar(&f.natsURL, "nats-server-uri", config.DefaultNATSURL, "NATS server URL")
	fs.StringVar(&f.hostname, "hostname", "", "Device id used in subjects (default: lowercased system hostname)")
	fs.StringVar(&f.natsCreds, "nats-creds", "", "Path to a NATS .creds file")
	fs.IntVar(&f.workers, "workers", config.DefaultWorkers, "Maximum number of commands handled at once")
	fs.StringVar(&f.socket, "socket", config.DefaultSocket, "Control socket path")
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "json", "Log format: json, text")
	fs.IntVar(&f.metricsPort, "metrics-port", config.DefaultMetricsPort, "Prometheus port, 0 to disable")
	fs.DurationVar(&f.shutdownTimeout, "shutdown-timeout", config.DefaultShutdownTimeout, "Time in-flight commands get to finish on shutdown")
	fs.BoolVar(&f.validate, "validate", false, "Validate configuration and exit")

	return cmd
}

// loadConfig layers explicitly set flags over defaults, the config file and the
// environment, then fills in the device id and validates
func loadConfig(fs *pflag.FlagSet, f *runFlags) (*config.Config, error) {
	loader := config.NewLoader()
	if f.configPath != "" {
		loader.AddLayer(f.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	applyFlags(fs, f, cfg)

	if cfg.DeviceID == "" {
		id, err := hostnameDeviceID()
		if err != nil {
			return nil, err
		}
		cfg.DeviceID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags copies only the flags the user set, so flag defaults never mask
// values from the file or environment
func applyFlags(fs *pflag.FlagSet, f *runFlags, cfg *config.Config) {
	if fs.Changed("subject") {
		cfg.Subject = f.subject
	}
	if fs.Changed("nats-server-uri") {
		cfg.NATS.URL = f.natsURL
	}
	if fs.Changed("hostname") {
		cfg.DeviceID = f.hostname
	}
	if fs.Changed("nats-creds") {
		cfg.NATS.CredsFile = f.natsCreds
	}
	if fs.Changed("workers") {
		cfg.Workers = f.workers
	}
	if fs.Changed("socket") {
		cfg.Socket = f.socket
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if fs.Changed("metrics-port") {
		cfg.Metrics.Port = f.metricsPort
	}
	if fs.Changed("shutdown-timeout") {
		cfg.ShutdownTimeout = f.shutdownTimeout
	}
}

func hostnameDeviceID() (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("resolve hostname for device id: %w", err)
	}
	// a fully qualified name would add subject tokens
	name, _, _ = strings.Cut(name, ".")
	return strings.ToLower(name), nil
}

func newStatusCmd() *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show health and counters of a running worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			client := control.NewClient(socket)
			st, err := client.Health(ctx)
			if err != nil {
				return err
			}
			var stats map[string]any
			if err := client.Status(ctx, &stats); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"health": st, "dispatcher": stats})
		},
	}
	cmd.Flags().StringVar(&socket, "socket", config.DefaultSocket, "Control socket path")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build %s)\n", appName, Version, BuildTime)
		},
	}
}
