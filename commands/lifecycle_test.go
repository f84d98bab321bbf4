package commands

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/edgecmd/edgeworker/errors"
	"github.com/edgecmd/edgeworker/metric"
	"github.com/edgecmd/edgeworker/process"
	"github.com/edgecmd/edgeworker/protocol"
)

func TestLifecycle_Success(t *testing.T) {
	tests := []struct {
		name     string
		req      protocol.Request
		subject  string
		events   []string
		wantCall runCall
	}{
		{
			name:     "reboot",
			req:      &protocol.BootCommand{Pi: 5, EventType: protocol.Reboot},
			subject:  "pi.5.status.boot",
			events:   []string{protocol.RebootStarted, protocol.RebootSuccess},
			wantCall: runCall{name: "reboot", args: []string{}},
		},
		{
			name:     "shutdown",
			req:      &protocol.BootCommand{Pi: 5, EventType: protocol.Shutdown},
			subject:  "pi.5.status.boot",
			events:   []string{protocol.ShutdownStarted, protocol.ShutdownSuccess},
			wantCall: runCall{name: "shutdown", args: []string{"now"}},
		},
		{
			name:     "cam start",
			req:      &protocol.CamCommand{Pi: 6, EventType: protocol.CamStart},
			subject:  "pi.6.status.cam",
			events:   []string{protocol.CamStarted, protocol.CamStartSuccess},
			wantCall: runCall{name: "systemctl", args: []string{"restart", "printnanny-cam.service"}},
		},
		{
			name:     "cam stop",
			req:      &protocol.CamCommand{Pi: 6, EventType: protocol.CamStop},
			subject:  "pi.6.status.cam",
			events:   []string{protocol.CamStopStarted, protocol.CamStopped},
			wantCall: runCall{name: "systemctl", args: []string{"stop", "printnanny-cam.service"}},
		},
		{
			name: "swupdate",
			req: &protocol.SwupdateCommand{Pi: 7, EventType: protocol.Swupdate, Version: "0.6.2",
				Payload: protocol.SwupdatePayload{SwuURL: "https://example.com/os.swu"}},
			subject:  "pi.7.status.swupdate",
			events:   []string{protocol.SwupdateStarted, protocol.SwupdateSuccess},
			wantCall: runCall{name: "swupdate", args: []string{"-v", "-i", "https://example.com/os.swu"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			reply, err := f.router.Handle(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Same(t, tt.req, reply.Request())
			assert.Equal(t, tt.req.Pattern(), reply.Pattern())

			assert.Equal(t, tt.events, f.pub.eventTypes())
			for _, ev := range f.pub.events {
				assert.Equal(t, tt.subject, ev.Subject)
				assert.NotEmpty(t, ev.ID)
			}
			assert.Nil(t, f.pub.events[1].Payload, "success payload is null")

			require.Len(t, f.runner.calls, 1)
			assert.Equal(t, tt.wantCall.name, f.runner.calls[0].name)
			assert.ElementsMatch(t, tt.wantCall.args, f.runner.calls[0].args)
		})
	}
}

func TestLifecycle_NonZeroExit(t *testing.T) {
	f := newFixture(t)
	f.runner.result = &process.Result{ExitCode: 1, Stdout: "out", Stderr: "err"}

	req := &protocol.CamCommand{Pi: 9, EventType: protocol.CamStart}
	reply, err := f.router.Handle(context.Background(), req)
	require.NoError(t, err)

	camReply, ok := reply.(*protocol.CamCommandReply)
	require.True(t, ok)
	assert.Equal(t, protocol.CamError, camReply.EventType)

	assert.Equal(t, []string{protocol.CamStarted, protocol.CamError}, f.pub.eventTypes())
	assert.Equal(t, map[string]any{"exit_code": 1.0, "stdout": "out", "stderr": "err"}, f.pub.events[1].Payload)
}

func TestLifecycle_SpawnFailure(t *testing.T) {
	f := newFixture(t)
	f.runner.err = errors.New(`exec: "reboot": executable file not found in $PATH`)

	_, err := f.router.Handle(context.Background(), &protocol.BootCommand{Pi: 1, EventType: protocol.Reboot})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrCommandFailed))

	assert.Equal(t, []string{protocol.RebootStarted, protocol.RebootError}, f.pub.eventTypes())
	payload := f.pub.events[1].Payload
	assert.Equal(t, -1.0, payload["exit_code"])
	assert.Equal(t, "", payload["stdout"])
	assert.Contains(t, payload["stderr"], "executable file not found")
}

func TestLifecycle_StartedPublishFailureSkipsEffect(t *testing.T) {
	f := newFixture(t)
	f.pub.failAt = 1

	_, err := f.router.Handle(context.Background(), &protocol.BootCommand{Pi: 1, EventType: protocol.Reboot})
	require.Error(t, err)

	assert.Empty(t, f.runner.calls, "process must not run when Started was not published")
	assert.Empty(t, f.pub.events)
}

func TestLifecycle_TerminalPublishFailure(t *testing.T) {
	f := newFixture(t)
	f.pub.failAt = 2

	_, err := f.router.Handle(context.Background(), &protocol.CamCommand{Pi: 1, EventType: protocol.CamStop})
	require.Error(t, err)
	assert.Len(t, f.runner.calls, 1)
	assert.Equal(t, []string{protocol.CamStopStarted}, f.pub.eventTypes())
}

func TestLifecycle_SwupdateVersionOnEvents(t *testing.T) {
	f := newFixture(t)
	f.runner.result = &process.Result{ExitCode: 2, Stderr: "Image invalid or corrupted"}

	req := &protocol.SwupdateCommand{Pi: 3, EventType: protocol.Swupdate, Version: "0.7.0",
		Payload: protocol.SwupdatePayload{SwuURL: "/tmp/os.swu"}}
	_, err := f.router.Handle(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{protocol.SwupdateStarted, protocol.SwupdateError}, f.pub.eventTypes())
	for _, ev := range f.pub.events {
		assert.Equal(t, "0.7.0", ev.Version)
	}
	assert.Equal(t, 2.0, f.pub.events[1].Payload["exit_code"])
}

func TestSwupdate_RequiresURL(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.Handle(context.Background(), &protocol.SwupdateCommand{Pi: 3, EventType: protocol.Swupdate, Version: "1"})
	require.Error(t, err)
	assert.True(t, errs.IsInvalid(err))
	assert.Empty(t, f.pub.events)
	assert.Empty(t, f.runner.calls)
}

func TestSwupdateRollback_NoSideEffect(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.Handle(context.Background(),
		&protocol.SwupdateCommand{Pi: 3, EventType: protocol.SwupdateRollback, Version: "0.6.1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotImplemented))
	assert.Empty(t, f.pub.events)
	assert.Empty(t, f.runner.calls)
}

func TestLifecycle_CustomConfig(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.CamUnit = "printnanny-vision.service"
	cfg.ShutdownCommand = []string{"systemctl", "poweroff"}
	f.router = NewRouter(f.pub, f.runner, f.manager, f.settings, WithConfig(cfg))

	_, err := f.router.Handle(context.Background(), &protocol.CamCommand{Pi: 1, EventType: protocol.CamStop})
	require.NoError(t, err)
	_, err = f.router.Handle(context.Background(), &protocol.BootCommand{Pi: 1, EventType: protocol.Shutdown})
	require.NoError(t, err)

	require.Len(t, f.runner.calls, 2)
	assert.Equal(t, []string{"stop", "printnanny-vision.service"}, f.runner.calls[0].args)
	assert.Equal(t, runCall{name: "systemctl", args: []string{"poweroff"}}, f.runner.calls[1])
}

func TestStatusPublisher_RecordsMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pub := &recordingPublisher{}
	sp := NewStatusPublisher(pub, registry.CoreMetrics(), nil)

	require.NoError(t, sp.Publish(context.Background(),
		protocol.NewStatusEvent(protocol.DomainBoot, 1, protocol.RebootStarted, nil)))
	assert.Equal(t, []string{protocol.RebootStarted}, pub.eventTypes())
	assert.Equal(t, 1.0, testutil.ToFloat64(
		registry.CoreMetrics().StatusEvents.WithLabelValues(protocol.DomainBoot, protocol.RebootStarted)))
}
