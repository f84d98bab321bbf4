// Package systemd exposes the systemd1.Manager operations the agent proxies over NATS.
package systemd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coreos/go-systemd/v22/dbus"

	errs "github.com/edgecmd/edgeworker/errors"
)

// ModeReplace is the only job mode the agent uses
const ModeReplace = "replace"

// JobPath returns the D-Bus object path of a queued job
func JobPath(id int) string {
	return fmt.Sprintf("/org/freedesktop/systemd1/job/%d", id)
}

// Change is one symlink change made while enabling or disabling unit files
type Change struct {
	Type        string
	Filename    string
	Destination string
}

// Manager is the subset of systemd1.Manager used by the command handlers.
// Unit operations return the job object path.
type Manager interface {
	StartUnit(ctx context.Context, name string) (string, error)
	StopUnit(ctx context.Context, name string) (string, error)
	RestartUnit(ctx context.Context, name string) (string, error)
	ReloadUnit(ctx context.Context, name string) (string, error)
	EnableUnitFiles(ctx context.Context, files []string) ([]Change, error)
	DisableUnitFiles(ctx context.Context, files []string) ([]Change, error)
}

// Conn is the part of *dbus.Conn that DBusManager calls
type Conn interface {
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	ReloadUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	EnableUnitFilesContext(ctx context.Context, files []string, runtime bool, force bool) (bool, []dbus.EnableUnitFileChange, error)
	DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]dbus.DisableUnitFileChange, error)
	Close()
}

// Connector opens a connection to the service manager
type Connector func(ctx context.Context) (Conn, error)

// SystemBus connects to systemd over the system bus
func SystemBus(ctx context.Context) (Conn, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// DBusManager implements Manager over D-Bus. It opens a connection per call, so
// a restarted dbus-daemon never leaves it holding a dead connection.
type DBusManager struct {
	connect Connector
	logger  *slog.Logger
}

// NewDBusManager creates a manager. A nil connector uses SystemBus.
func NewDBusManager(connect Connector, logger *slog.Logger) *DBusManager {
	if connect == nil {
		connect = SystemBus
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DBusManager{
		connect: connect,
		logger:  logger.With("component", "systemd"),
	}
}

type unitCall func(Conn, context.Context, string, string, chan<- string) (int, error)

func (m *DBusManager) unitJob(ctx context.Context, method, name string, call unitCall) (string, error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return "", errs.WrapTransient(fmt.Errorf("%w: %v", errs.ErrServiceManager, err),
			"DBusManager", method, "connect to system bus")
	}
	defer conn.Close()

	id, err := call(conn, ctx, name, ModeReplace, nil)
	if err != nil {
		return "", errs.Wrap(err, "DBusManager", method, name)
	}

	job := JobPath(id)
	m.logger.Debug("Queued systemd job", "method", method, "unit", name, "job", job)
	return job, nil
}

// StartUnit queues a start job for name
func (m *DBusManager) StartUnit(ctx context.Context, name string) (string, error) {
	return m.unitJob(ctx, "StartUnit", name, Conn.StartUnitContext)
}

// StopUnit queues a stop job for name
func (m *DBusManager) StopUnit(ctx context.Context, name string) (string, error) {
	return m.unitJob(ctx, "StopUnit", name, Conn.StopUnitContext)
}

// RestartUnit queues a restart job for name
func (m *DBusManager) RestartUnit(ctx context.Context, name string) (string, error) {
	return m.unitJob(ctx, "RestartUnit", name, Conn.RestartUnitContext)
}

// ReloadUnit queues a reload job for name
func (m *DBusManager) ReloadUnit(ctx context.Context, name string) (string, error) {
	return m.unitJob(ctx, "ReloadUnit", name, Conn.ReloadUnitContext)
}

// EnableUnitFiles enables files persistently without forcing over existing links
func (m *DBusManager) EnableUnitFiles(ctx context.Context, files []string) ([]Change, error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, errs.WrapTransient(fmt.Errorf("%w: %v", errs.ErrServiceManager, err),
			"DBusManager", "EnableUnitFiles", "connect to system bus")
	}
	defer conn.Close()

	_, changes, err := conn.EnableUnitFilesContext(ctx, files, false, false)
	if err != nil {
		return nil, errs.Wrap(err, "DBusManager", "EnableUnitFiles", "enable unit files")
	}

	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		out = append(out, Change{Type: c.Type, Filename: c.Filename, Destination: c.Destination})
	}
	return out, nil
}

// DisableUnitFiles disables files persistently
func (m *DBusManager) DisableUnitFiles(ctx context.Context, files []string) ([]Change, error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, errs.WrapTransient(fmt.Errorf("%w: %v", errs.ErrServiceManager, err),
			"DBusManager", "DisableUnitFiles", "connect to system bus")
	}
	defer conn.Close()

	changes, err := conn.DisableUnitFilesContext(ctx, files, false)
	if err != nil {
		return nil, errs.Wrap(err, "DBusManager", "DisableUnitFiles", "disable unit files")
	}

	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		out = append(out, Change{Type: c.Type, Filename: c.Filename, Destination: c.Destination})
	}
	return out, nil
}
