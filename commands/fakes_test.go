package commands

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgecmd/edgeworker/process"
	"github.com/edgecmd/edgeworker/protocol"
	"github.com/edgecmd/edgeworker/systemd"
)

type publishedEvent struct {
	Subject   string
	EventType string         `json:"event_type"`
	Pi        int            `json:"pi"`
	Version   string         `json:"version"`
	Payload   map[string]any `json:"payload"`
	ID        string         `json:"id"`
}

// recordingPublisher records every publish. failAt makes the n-th publish (1-based) fail.
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	calls  int
	failAt int
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.failAt == p.calls {
		return errors.New("nats: connection closed")
	}

	var ev publishedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	ev.Subject = subject
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.EventType)
	}
	return out
}

type runCall struct {
	name string
	args []string
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []runCall
	result *process.Result
	err    error
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) (*process.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{name: name, args: args})
	if r.err != nil {
		return &process.Result{ExitCode: -1}, r.err
	}
	if r.result == nil {
		return &process.Result{ExitCode: 0}, nil
	}
	res := *r.result
	return &res, nil
}

type fakeManager struct {
	calls []string
	err   error
}

func (m *fakeManager) job(method, name string) (string, error) {
	m.calls = append(m.calls, method+" "+name)
	if m.err != nil {
		return "", m.err
	}
	return systemd.JobPath(len(m.calls)), nil
}

func (m *fakeManager) StartUnit(_ context.Context, name string) (string, error) {
	return m.job("StartUnit", name)
}

func (m *fakeManager) StopUnit(_ context.Context, name string) (string, error) {
	return m.job("StopUnit", name)
}

func (m *fakeManager) RestartUnit(_ context.Context, name string) (string, error) {
	return m.job("RestartUnit", name)
}

func (m *fakeManager) ReloadUnit(_ context.Context, name string) (string, error) {
	return m.job("ReloadUnit", name)
}

func (m *fakeManager) EnableUnitFiles(_ context.Context, files []string) ([]systemd.Change, error) {
	m.calls = append(m.calls, "EnableUnitFiles")
	if m.err != nil {
		return nil, m.err
	}
	return []systemd.Change{{Type: "symlink", Filename: "/etc/systemd/system/x.wants/" + files[0], Destination: "/lib/systemd/system/" + files[0]}}, nil
}

func (m *fakeManager) DisableUnitFiles(_ context.Context, files []string) ([]systemd.Change, error) {
	m.calls = append(m.calls, "DisableUnitFiles")
	if m.err != nil {
		return nil, m.err
	}
	return []systemd.Change{{Type: "unlink", Filename: "/etc/systemd/system/x.wants/" + files[0]}}, nil
}

type fakeSettings struct {
	data   string
	commit string
	err    error
}

func (s *fakeSettings) ReadSettings(protocol.Subsystem) (string, error) {
	return s.data, s.err
}

func (s *fakeSettings) GitParentCommit(context.Context, protocol.Subsystem) (string, error) {
	return s.commit, s.err
}

func (s *fakeSettings) Format(sub protocol.Subsystem) (protocol.Format, error) {
	if sub == protocol.OctoPrint {
		return protocol.FormatYaml, nil
	}
	return protocol.FormatIni, nil
}

type fixture struct {
	pub      *recordingPublisher
	runner   *fakeRunner
	manager  *fakeManager
	settings *fakeSettings
	router   *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		pub:      &recordingPublisher{},
		runner:   &fakeRunner{},
		manager:  &fakeManager{},
		settings: &fakeSettings{data: "api:\n  disabled: true\n", commit: "0123abcd"},
	}
	f.router = NewRouter(f.pub, f.runner, f.manager, f.settings)
	require.NotNil(t, f.router)
	return f
}
