package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/edgecmd/edgeworker/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func validConfig() *Config {
	cfg := Defaults()
	cfg.DeviceID = "octopi"
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, DefaultNATSURL, cfg.NATS.URL)
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "/var/run/printnanny/nats-worker.sock", cfg.Socket)
	assert.True(t, cfg.Presence.Enabled)
	assert.Equal(t, []string{"shutdown", "now"}, cfg.Commands.Shutdown)
	assert.Equal(t, "printnanny-cam.service", cfg.Commands.CamUnit)

	// device id has no default
	assert.ErrorIs(t, cfg.Validate(), errs.ErrInvalidConfig)
}

func TestLoader_LoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
device_id: OctoPi
workers: 4
shutdown_timeout: 45s
nats:
  url: tls://nats.example.com:4222
  creds_file: /etc/printnanny/nats.creds
  reconnect_wait: 5s
log:
  level: debug
  format: text
presence:
  enabled: false
  interval: 1d
commands:
  shutdown: ["shutdown", "-h", "+1"]
`)

	loader := NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "octopi", cfg.DeviceID)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "tls://nats.example.com:4222", cfg.NATS.URL)
	assert.Equal(t, "/etc/printnanny/nats.creds", cfg.NATS.CredsFile)
	assert.Equal(t, 5*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.False(t, cfg.Presence.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Presence.Interval)
	assert.Equal(t, []string{"shutdown", "-h", "+1"}, cfg.Commands.Shutdown)

	// untouched keys keep their defaults
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)
	assert.Equal(t, []string{"reboot"}, cfg.Commands.Reboot)
	assert.Equal(t, DefaultMetricsPort, cfg.Metrics.Port)
}

func TestLoader_LoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"device_id": "octopi",
		"subject": "pi.octopi.command.>",
		"metrics": {"port": 0},
		"nats": {"connect_retry_wait": "500ms"}
	}`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "pi.octopi.command.>", cfg.Subject)
	assert.Equal(t, 0, cfg.Metrics.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.NATS.ConnectRetryWait)
	assert.Equal(t, DefaultNATSURL, cfg.NATS.URL)
	require.NoError(t, cfg.Validate())
}

func TestLoader_Layers(t *testing.T) {
	base := writeFile(t, "base.yaml", "device_id: octopi\nworkers: 2\nlog:\n  level: warn\n")
	override := writeFile(t, "override.json", `{"workers": 6}`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(override)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Workers)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "octopi", cfg.DeviceID)
}

func TestLoader_EnvOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", "device_id: fromfile\nworkers: 2\n")

	t.Setenv("EDGEWORKER_DEVICE_ID", "fromenv")
	t.Setenv("EDGEWORKER_NATS_URL", "nats://10.0.0.2:4222")
	t.Setenv("EDGEWORKER_WORKERS", "12")
	t.Setenv("EDGEWORKER_SHUTDOWN_TIMEOUT", "1m")
	t.Setenv("EDGEWORKER_PRESENCE_ENABLED", "false")
	t.Setenv("EDGEWORKER_COMMANDS_CAM_UNIT", "camera.service")

	loader := NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "fromenv", cfg.DeviceID)
	assert.Equal(t, "nats://10.0.0.2:4222", cfg.NATS.URL)
	assert.Equal(t, 12, cfg.Workers)
	assert.Equal(t, time.Minute, cfg.ShutdownTimeout)
	assert.False(t, cfg.Presence.Enabled)
	assert.Equal(t, "camera.service", cfg.Commands.CamUnit)
}

func TestLoader_InvalidEnv(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"EDGEWORKER_WORKERS", "eight"},
		{"EDGEWORKER_METRICS_PORT", "9090x"},
		{"EDGEWORKER_SHUTDOWN_TIMEOUT", "soon"},
		{"EDGEWORKER_PRESENCE_ENABLED", "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := NewLoader().Load()
			require.Error(t, err)
			assert.True(t, errs.IsInvalid(err))
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoader_FileErrors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent.yaml") }},
		{"unsupported extension", func(t *testing.T) string { return writeFile(t, "config.toml", "workers = 2") }},
		{"malformed yaml", func(t *testing.T) string { return writeFile(t, "config.yaml", "workers: [1, 2") }},
		{"malformed json", func(t *testing.T) string { return writeFile(t, "config.json", `{"workers": }`) }},
		{"bad duration", func(t *testing.T) string { return writeFile(t, "config.yaml", "shutdown_timeout: later\n") }},
		{"wrong type", func(t *testing.T) string { return writeFile(t, "config.json", `{"workers": "many"}`) }},
		{"too deep", func(t *testing.T) string {
			return writeFile(t, "config.json", strings.Repeat("[", 101)+strings.Repeat("]", 101))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().LoadFile(tt.path(t))
			require.Error(t, err)
			assert.True(t, errs.IsInvalid(err))
		})
	}
}

func TestLoader_DirectoryRejected(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.Mkdir(dir, 0o755))

	_, err := NewLoader().LoadFile(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a regular file")
}

func TestConfig_Validate(t *testing.T) {
	certFile := writeFile(t, "client.crt", "cert")

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"device id with dot", func(c *Config) { c.DeviceID = "octo.pi" }, "device_id"},
		{"device id wildcard", func(c *Config) { c.DeviceID = ">" }, "device_id"},
		{"zero workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"no shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }, "shutdown_timeout"},
		{"empty socket", func(c *Config) { c.Socket = "" }, "socket"},
		{"empty nats url", func(c *Config) { c.NATS.URL = "" }, "nats.url"},
		{"http nats url", func(c *Config) { c.NATS.URL = "http://localhost:4222" }, "nats.url"},
		{"cluster url list", func(c *Config) { c.NATS.URL = "nats://a:4222, tls://b:4222" }, ""},
		{"cert without key", func(c *Config) { c.NATS.TLS.CertFile = certFile }, "set together"},
		{"missing ca file", func(c *Config) { c.NATS.TLS.CAFile = "/nonexistent/ca.pem" }, "ca_file"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"metrics port range", func(c *Config) { c.Metrics.Port = 70000 }, "metrics.port"},
		{"presence interval", func(c *Config) { c.Presence.Interval = 0 }, "presence.interval"},
		{"presence disabled ignores interval", func(c *Config) {
			c.Presence.Enabled = false
			c.Presence.Interval = 0
		}, ""},
		{"empty reboot command", func(c *Config) { c.Commands.Reboot = nil }, "commands.reboot"},
		{"missing cam unit", func(c *Config) { c.Commands.CamUnit = "" }, "cam_unit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.ErrInvalidConfig)
			assert.True(t, errs.IsInvalid(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateLowercasesDeviceID(t *testing.T) {
	cfg := validConfig()
	cfg.DeviceID = "OctoPi-2"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "octopi-2", cfg.DeviceID)
}

func TestConfig_CloneAndString(t *testing.T) {
	cfg := validConfig()
	cfg.NATS.Token = "s3cr3t"

	clone := cfg.Clone()
	clone.Commands.Reboot[0] = "poweroff"
	assert.Equal(t, "reboot", cfg.Commands.Reboot[0])

	out := cfg.String()
	assert.NotContains(t, out, "s3cr3t")
	assert.Contains(t, out, "[REDACTED]")
	assert.Contains(t, out, `"device_id": "octopi"`)
	assert.Equal(t, "s3cr3t", cfg.NATS.Token)
}

func TestParseDurationWithDays(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"2d", 48 * time.Hour, false},
		{"1h30m", 90 * time.Minute, false},
		{"xd", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDurationWithDays(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeepMergeMaps(t *testing.T) {
	base := map[string]any{
		"workers": 8.0,
		"nats":    map[string]any{"url": "nats://a", "name": "w"},
	}
	override := map[string]any{
		"nats":   map[string]any{"url": "nats://b"},
		"socket": nil,
	}

	merged := deepMergeMaps(base, override)
	assert.Equal(t, 8.0, merged["workers"])
	assert.Equal(t, map[string]any{"url": "nats://b", "name": "w"}, merged["nats"])
	_, hasSocket := merged["socket"]
	assert.False(t, hasSocket)
}
