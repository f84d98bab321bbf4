package commands

import (
	"context"
	"fmt"
	"log/slog"

	errs "github.com/edgecmd/edgeworker/errors"
	"github.com/edgecmd/edgeworker/metric"
	"github.com/edgecmd/edgeworker/process"
	"github.com/edgecmd/edgeworker/protocol"
	"github.com/edgecmd/edgeworker/systemd"
)

// Config holds the local programs the lifecycle commands run
type Config struct {
	RebootCommand   []string
	ShutdownCommand []string
	Systemctl       string
	CamUnit         string
	Swupdate        string
	SwupdateArgs    []string
}

// DefaultConfig returns the commands used on a stock device image
func DefaultConfig() Config {
	return Config{
		RebootCommand:   []string{"reboot"},
		ShutdownCommand: []string{"shutdown", "now"},
		Systemctl:       "systemctl",
		CamUnit:         "printnanny-cam.service",
		Swupdate:        "swupdate",
		SwupdateArgs:    []string{"-v", "-i"},
	}
}

// SettingsReader is the read side of the settings store
type SettingsReader interface {
	ReadSettings(sub protocol.Subsystem) (string, error)
	GitParentCommit(ctx context.Context, sub protocol.Subsystem) (string, error)
	Format(sub protocol.Subsystem) (protocol.Format, error)
}

// Router handles every protocol.Request variant
type Router struct {
	cfg      Config
	status   *StatusPublisher
	runner   process.Runner
	systemd  systemd.Manager
	settings SettingsReader
	metrics  *metric.Metrics
	logger   *slog.Logger
}

// Option configures a Router
type Option func(*Router)

// WithConfig replaces the default command configuration
func WithConfig(cfg Config) Option {
	return func(r *Router) {
		r.cfg = cfg
	}
}

// WithLogger sets the router's logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records published status events
func WithMetrics(metrics *metric.Metrics) Option {
	return func(r *Router) {
		r.metrics = metrics
	}
}

// NewRouter creates a router. pub receives status events; runner, mgr and store
// perform the side effects.
func NewRouter(pub Publisher, runner process.Runner, mgr systemd.Manager, store SettingsReader, opts ...Option) *Router {
	r := &Router{
		cfg:      DefaultConfig(),
		runner:   runner,
		systemd:  mgr,
		settings: store,
		logger:   slog.Default().With("component", "commands"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.status = NewStatusPublisher(pub, r.metrics, r.logger)
	return r
}

// Handle executes req. On success the reply echoes req.
func (r *Router) Handle(ctx context.Context, req protocol.Request) (protocol.Reply, error) {
	switch req := req.(type) {
	case *protocol.BootCommand:
		return r.handleBoot(ctx, req)
	case *protocol.CamCommand:
		return r.handleCam(ctx, req)
	case *protocol.SwupdateCommand:
		return r.handleSwupdate(ctx, req)
	case *protocol.UnitRequest:
		return r.handleUnit(ctx, req)
	case *protocol.UnitFilesRequest:
		return r.handleUnitFiles(ctx, req)
	case *protocol.SettingsLoad:
		return r.handleSettingsLoad(ctx, req)
	case *protocol.SettingsApply:
		return nil, notImplemented(req)
	case *protocol.SettingsRevert:
		return nil, notImplemented(req)
	case *protocol.ConnectCloudAccount:
		return nil, notImplemented(req)
	default:
		return nil, errs.WrapInvalid(fmt.Errorf("unsupported request type %T", req),
			"Router", "Handle", "dispatch request")
	}
}

func notImplemented(req protocol.Request) error {
	return errs.WrapInvalid(fmt.Errorf("%w: %s", errs.ErrNotImplemented, req.Pattern()),
		"Router", "Handle", "dispatch request")
}
