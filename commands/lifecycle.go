package commands

import (
	"context"
	"fmt"

	errs "github.com/edgecmd/edgeworker/errors"
	"github.com/edgecmd/edgeworker/protocol"
)

// lifecycle describes one Started -> Success | Error run
type lifecycle struct {
	domain  string
	pi      int
	version string

	started string
	success string
	failure string

	name string
	args []string
}

func (lc lifecycle) event(eventType string, payload map[string]any) *protocol.StatusEvent {
	ev := protocol.NewStatusEvent(lc.domain, lc.pi, eventType, payload)
	ev.Version = lc.version
	return ev
}

// run executes the lifecycle and returns the last event type it published
func (r *Router) run(ctx context.Context, lc lifecycle) (string, error) {
	if err := r.status.Publish(ctx, lc.event(lc.started, nil)); err != nil {
		return "", errs.Wrap(err, "Router", lc.started, "publish started event")
	}

	res, runErr := r.runner.Run(ctx, lc.name, lc.args...)
	if runErr != nil {
		payload := protocol.ProcessErrorPayload(-1, "", runErr.Error())
		if err := r.status.Publish(ctx, lc.event(lc.failure, payload)); err != nil {
			r.logger.Error("Failed to publish error event", "event_type", lc.failure, "error", err)
		}
		return lc.failure, errs.Wrap(fmt.Errorf("%w: %v", errs.ErrCommandFailed, runErr),
			"Router", lc.started, "run "+lc.name)
	}

	if res.Success() {
		if err := r.status.Publish(ctx, lc.event(lc.success, nil)); err != nil {
			return lc.started, errs.Wrap(err, "Router", lc.started, "publish success event")
		}
		r.logger.Info("Command succeeded", "command", res.Command, "duration", res.Duration)
		return lc.success, nil
	}

	r.logger.Warn("Command exited non-zero",
		"command", res.Command, "exit_code", res.ExitCode, "stderr", res.Stderr)
	payload := protocol.ProcessErrorPayload(res.ExitCode, res.Stdout, res.Stderr)
	if err := r.status.Publish(ctx, lc.event(lc.failure, payload)); err != nil {
		return lc.started, errs.Wrap(err, "Router", lc.started, "publish error event")
	}
	return lc.failure, nil
}

func (r *Router) handleBoot(ctx context.Context, cmd *protocol.BootCommand) (protocol.Reply, error) {
	lc := lifecycle{domain: protocol.DomainBoot, pi: cmd.Pi}

	switch cmd.EventType {
	case protocol.Reboot:
		lc.started, lc.success, lc.failure = protocol.RebootStarted, protocol.RebootSuccess, protocol.RebootError
		lc.name, lc.args = split(r.cfg.RebootCommand)
	case protocol.Shutdown:
		lc.started, lc.success, lc.failure = protocol.ShutdownStarted, protocol.ShutdownSuccess, protocol.ShutdownError
		lc.name, lc.args = split(r.cfg.ShutdownCommand)
	default:
		return nil, errs.WrapInvalid(fmt.Errorf("%w: boot event_type %q", errs.ErrMalformedPayload, cmd.EventType),
			"Router", "handleBoot", "select command")
	}

	last, err := r.run(ctx, lc)
	if err != nil {
		return nil, err
	}
	return &protocol.BootCommandReply{Req: cmd, EventType: last}, nil
}

func (r *Router) handleCam(ctx context.Context, cmd *protocol.CamCommand) (protocol.Reply, error) {
	lc := lifecycle{domain: protocol.DomainCam, pi: cmd.Pi, name: r.cfg.Systemctl, failure: protocol.CamError}

	switch cmd.EventType {
	case protocol.CamStart:
		lc.started, lc.success = protocol.CamStarted, protocol.CamStartSuccess
		lc.args = []string{"restart", r.cfg.CamUnit}
	case protocol.CamStop:
		lc.started, lc.success = protocol.CamStopStarted, protocol.CamStopped
		lc.args = []string{"stop", r.cfg.CamUnit}
	default:
		return nil, errs.WrapInvalid(fmt.Errorf("%w: cam event_type %q", errs.ErrMalformedPayload, cmd.EventType),
			"Router", "handleCam", "select command")
	}

	last, err := r.run(ctx, lc)
	if err != nil {
		return nil, err
	}
	return &protocol.CamCommandReply{Req: cmd, EventType: last}, nil
}

func (r *Router) handleSwupdate(ctx context.Context, cmd *protocol.SwupdateCommand) (protocol.Reply, error) {
	switch cmd.EventType {
	case protocol.Swupdate:
	case protocol.SwupdateRollback:
		r.logger.Warn("Software update rollback is not available", "pi", cmd.Pi, "version", cmd.Version)
		return nil, notImplemented(cmd)
	default:
		return nil, errs.WrapInvalid(fmt.Errorf("%w: swupdate event_type %q", errs.ErrMalformedPayload, cmd.EventType),
			"Router", "handleSwupdate", "select command")
	}

	if cmd.Payload.SwuURL == "" {
		return nil, errs.WrapInvalid(fmt.Errorf("%w: payload.swu_url is required", errs.ErrMalformedPayload),
			"Router", "handleSwupdate", "validate payload")
	}

	args := append([]string{}, r.cfg.SwupdateArgs...)
	args = append(args, cmd.Payload.SwuURL)

	last, err := r.run(ctx, lifecycle{
		domain:  protocol.DomainSwupdate,
		pi:      cmd.Pi,
		version: cmd.Version,
		started: protocol.SwupdateStarted,
		success: protocol.SwupdateSuccess,
		failure: protocol.SwupdateError,
		name:    r.cfg.Swupdate,
		args:    args,
	})
	if err != nil {
		return nil, err
	}
	return &protocol.SwupdateCommandReply{Req: cmd, EventType: last}, nil
}

func split(argv []string) (string, []string) {
	if len(argv) == 0 {
		return "", nil
	}
	return argv[0], argv[1:]
}
