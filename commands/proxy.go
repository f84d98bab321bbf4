package commands

import (
	"context"
	"fmt"

	errs "github.com/edgecmd/edgeworker/errors"
	"github.com/edgecmd/edgeworker/protocol"
	"github.com/edgecmd/edgeworker/systemd"
)

func (r *Router) handleUnit(ctx context.Context, req *protocol.UnitRequest) (protocol.Reply, error) {
	var call func(context.Context, string) (string, error)
	switch req.Method {
	case protocol.StartUnit:
		call = r.systemd.StartUnit
	case protocol.StopUnit:
		call = r.systemd.StopUnit
	case protocol.RestartUnit:
		call = r.systemd.RestartUnit
	case protocol.ReloadUnit:
		call = r.systemd.ReloadUnit
	default:
		return nil, errs.WrapInvalid(fmt.Errorf("%w: unit method %q", errs.ErrMalformedPayload, req.Method),
			"Router", "handleUnit", "select method")
	}

	job, err := call(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	return &protocol.UnitJobReply{Req: req, Job: job}, nil
}

func (r *Router) handleUnitFiles(ctx context.Context, req *protocol.UnitFilesRequest) (protocol.Reply, error) {
	var (
		changes []protocol.UnitFileChange
		err     error
	)

	switch req.Method {
	case protocol.EnableUnit:
		changes, err = convert(r.systemd.EnableUnitFiles(ctx, req.Files))
	case protocol.DisableUnit:
		changes, err = convert(r.systemd.DisableUnitFiles(ctx, req.Files))
	default:
		return nil, errs.WrapInvalid(fmt.Errorf("%w: unit files method %q", errs.ErrMalformedPayload, req.Method),
			"Router", "handleUnitFiles", "select method")
	}
	if err != nil {
		return nil, err
	}
	return &protocol.UnitFilesReply{Req: req, Changes: changes}, nil
}

func (r *Router) handleSettingsLoad(ctx context.Context, req *protocol.SettingsLoad) (protocol.Reply, error) {
	format, err := r.settings.Format(req.Subsystem)
	if err != nil {
		return nil, err
	}

	commit, err := r.settings.GitParentCommit(ctx, req.Subsystem)
	if err != nil {
		return nil, err
	}

	data, err := r.settings.ReadSettings(req.Subsystem)
	if err != nil {
		return nil, err
	}

	return &protocol.SettingsLoadReply{
		Req:          req,
		Data:         data,
		Format:       format,
		ParentCommit: commit,
	}, nil
}

func convert(changes []systemd.Change, err error) ([]protocol.UnitFileChange, error) {
	if err != nil {
		return nil, err
	}
	out := make([]protocol.UnitFileChange, 0, len(changes))
	for _, c := range changes {
		out = append(out, protocol.UnitFileChange{Type: c.Type, Filename: c.Filename, Destination: c.Destination})
	}
	return out, nil
}
