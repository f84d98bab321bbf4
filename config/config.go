package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	errs "github.com/edgecmd/edgeworker/errors"
)

// Default values shared with the CLI flags
const (
	DefaultNATSURL         = "nats://localhost:4223"
	DefaultWorkers         = 8
	DefaultShutdownTimeout = 30 * time.Second
	DefaultSocket          = "/var/run/printnanny/nats-worker.sock"
	DefaultSettingsDir     = "/home/printnanny/.config/printnanny/settings"
	DefaultMetricsPort     = 9090
	DefaultPresenceEvery   = 30 * time.Second
	EnvPrefix              = "EDGEWORKER"
)

// Config is the complete worker configuration
type Config struct {
	DeviceID        string         `json:"device_id,omitempty"`
	Subject         string         `json:"subject,omitempty"`
	Workers         int            `json:"workers"`
	ShutdownTimeout time.Duration  `json:"shutdown_timeout"`
	Socket          string         `json:"socket"`
	SettingsDir     string         `json:"settings_dir"`
	NATS            NATSConfig     `json:"nats"`
	Log             LogConfig      `json:"log"`
	Metrics         MetricsConfig  `json:"metrics"`
	Presence        PresenceConfig `json:"presence"`
	Commands        CommandsConfig `json:"commands"`
}

// NATSConfig defines the NATS connection
type NATSConfig struct {
	URL              string        `json:"url"`
	CredsFile        string        `json:"creds_file,omitempty"`
	Token            string        `json:"token,omitempty"`
	Name             string        `json:"name,omitempty"`
	MaxReconnects    int           `json:"max_reconnects"`
	ReconnectWait    time.Duration `json:"reconnect_wait"`
	ConnectRetryWait time.Duration `json:"connect_retry_wait"`
	TLS              NATSTLSConfig `json:"tls,omitempty"`
}

// NATSTLSConfig holds client certificate material for the NATS connection
type NATSTLSConfig struct {
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// LogConfig selects log level and output format
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// MetricsConfig controls the Prometheus endpoint. Port 0 disables it.
type MetricsConfig struct {
	Port int    `json:"port"`
	Path string `json:"path"`
}

// PresenceConfig controls the KV heartbeat
type PresenceConfig struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
}

// CommandsConfig names the local programs behind the lifecycle commands
type CommandsConfig struct {
	Reboot       []string `json:"reboot"`
	Shutdown     []string `json:"shutdown"`
	Systemctl    string   `json:"systemctl"`
	CamUnit      string   `json:"cam_unit"`
	Swupdate     string   `json:"swupdate"`
	SwupdateArgs []string `json:"swupdate_args"`
}

// Defaults returns the configuration used when nothing overrides it
func Defaults() *Config {
	return &Config{
		Workers:         DefaultWorkers,
		ShutdownTimeout: DefaultShutdownTimeout,
		Socket:          DefaultSocket,
		SettingsDir:     DefaultSettingsDir,
		NATS: NATSConfig{
			URL:              DefaultNATSURL,
			Name:             "nats-edge-worker",
			MaxReconnects:    -1,
			ReconnectWait:    2 * time.Second,
			ConnectRetryWait: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Port: DefaultMetricsPort,
			Path: "/metrics",
		},
		Presence: PresenceConfig{
			Enabled:  true,
			Interval: DefaultPresenceEvery,
		},
		Commands: CommandsConfig{
			Reboot:       []string{"reboot"},
			Shutdown:     []string{"shutdown", "now"},
			Systemctl:    "systemctl",
			CamUnit:      "printnanny-cam.service",
			Swupdate:     "swupdate",
			SwupdateArgs: []string{"-v", "-i"},
		},
	}
}

// Validate checks the configuration and normalizes the device id to lowercase
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return invalid("device_id is required")
	}
	c.DeviceID = strings.ToLower(c.DeviceID)
	if !isValidSubjectToken(c.DeviceID) {
		return invalid(fmt.Sprintf("device_id %q is not a valid NATS subject token", c.DeviceID))
	}

	if c.Workers < 1 {
		return invalid(fmt.Sprintf("workers must be at least 1, got %d", c.Workers))
	}
	if c.ShutdownTimeout <= 0 {
		return invalid("shutdown_timeout must be positive")
	}
	if c.Socket == "" {
		return invalid("socket is required")
	}

	if err := c.validateNATS(); err != nil {
		return err
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid(fmt.Sprintf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid(fmt.Sprintf("log.format %q must be json or text", c.Log.Format))
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return invalid(fmt.Sprintf("metrics.port %d out of range", c.Metrics.Port))
	}
	if c.Presence.Enabled && c.Presence.Interval <= 0 {
		return invalid("presence.interval must be positive when presence is enabled")
	}

	if len(c.Commands.Reboot) == 0 || len(c.Commands.Shutdown) == 0 {
		return invalid("commands.reboot and commands.shutdown must not be empty")
	}
	if c.Commands.Systemctl == "" || c.Commands.Swupdate == "" || c.Commands.CamUnit == "" {
		return invalid("commands.systemctl, commands.swupdate and commands.cam_unit are required")
	}

	return nil
}

func (c *Config) validateNATS() error {
	if c.NATS.URL == "" {
		return invalid("nats.url is required")
	}
	for _, raw := range strings.Split(c.NATS.URL, ",") {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return invalid(fmt.Sprintf("nats.url %q: %v", raw, err))
		}
		switch u.Scheme {
		case "nats", "tls", "ws", "wss":
		default:
			return invalid(fmt.Sprintf("nats.url %q must use nats, tls, ws or wss", raw))
		}
	}
	if (c.NATS.TLS.CertFile == "") != (c.NATS.TLS.KeyFile == "") {
		return invalid("nats.tls.cert_file and nats.tls.key_file must be set together")
	}
	for name, path := range map[string]string{
		"nats.tls.cert_file": c.NATS.TLS.CertFile,
		"nats.tls.key_file":  c.NATS.TLS.KeyFile,
		"nats.tls.ca_file":   c.NATS.TLS.CAFile,
	} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return invalid(fmt.Sprintf("%s: %v", name, err))
		}
	}
	if c.NATS.ConnectRetryWait <= 0 {
		return invalid("nats.connect_retry_wait must be positive")
	}
	return nil
}

func invalid(msg string) error {
	return errs.WrapInvalid(fmt.Errorf("%w: %s", errs.ErrInvalidConfig, msg), "Config", "Validate", "check config")
}

// isValidSubjectToken accepts a single NATS subject token: no dots or wildcards
func isValidSubjectToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// Clone returns a deep copy
func (c *Config) Clone() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns the config as JSON with secrets redacted
func (c *Config) String() string {
	redacted := c.Clone()
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "[REDACTED]"
	}
	data, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

// Loader builds a Config from defaults, file layers and the environment
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a loader reading EDGEWORKER_* environment variables
func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
	}
}

// AddLayer adds a configuration file. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation makes Load run Validate on the result
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads defaults, a single file and the environment
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment, in that order
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errs.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		merged, err := l.mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errs.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("merge %s", path))
		}
		cfg = merged
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads a YAML or JSON file into a generic map with durations resolved
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	format, err := configFormat(path)
	if err != nil {
		return nil, err
	}
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidConfig, err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInvalidConfig, err)
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap overrides only the fields present in override
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidConfig, err)
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// durationPaths lists the keys holding durations, written as strings in files
var durationPaths = [][]string{
	{"shutdown_timeout"},
	{"nats", "reconnect_wait"},
	{"nats", "connect_retry_wait"},
	{"presence", "interval"},
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any) error {
	for _, path := range durationPaths {
		parent := data
		for _, key := range path[:len(path)-1] {
			next, ok := parent[key].(map[string]any)
			if !ok {
				parent = nil
				break
			}
			parent = next
		}
		if parent == nil {
			continue
		}

		key := path[len(path)-1]
		s, ok := parent[key].(string)
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(s)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", errs.ErrInvalidConfig, strings.Join(path, "."), err)
		}
		parent[key] = d.Nanoseconds()
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies EDGEWORKER_* environment variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"DEVICE_ID":         &cfg.DeviceID,
		"SUBJECT":           &cfg.Subject,
		"SOCKET":            &cfg.Socket,
		"SETTINGS_DIR":      &cfg.SettingsDir,
		"NATS_URL":          &cfg.NATS.URL,
		"NATS_CREDS":        &cfg.NATS.CredsFile,
		"NATS_TOKEN":        &cfg.NATS.Token,
		"NATS_NAME":         &cfg.NATS.Name,
		"LOG_LEVEL":         &cfg.Log.Level,
		"LOG_FORMAT":        &cfg.Log.Format,
		"METRICS_PATH":      &cfg.Metrics.Path,
		"COMMANDS_CAM_UNIT": &cfg.Commands.CamUnit,
		"COMMANDS_SWUPDATE": &cfg.Commands.Swupdate,
	}
	for suffix, dst := range strs {
		val, ok, err := l.lookupEnv(suffix)
		if err != nil {
			return err
		}
		if ok {
			*dst = val
		}
	}

	ints := map[string]*int{
		"WORKERS":      &cfg.Workers,
		"METRICS_PORT": &cfg.Metrics.Port,
	}
	for suffix, dst := range ints {
		val, ok, err := l.lookupEnv(suffix)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return l.envError(suffix, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT":  &cfg.ShutdownTimeout,
		"PRESENCE_INTERVAL": &cfg.Presence.Interval,
	}
	for suffix, dst := range durations {
		val, ok, err := l.lookupEnv(suffix)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(val)
		if err != nil {
			return l.envError(suffix, err)
		}
		*dst = d
	}

	if val, ok, err := l.lookupEnv("PRESENCE_ENABLED"); err != nil {
		return err
	} else if ok {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return l.envError("PRESENCE_ENABLED", err)
		}
		cfg.Presence.Enabled = enabled
	}

	return nil
}

func (l *Loader) lookupEnv(suffix string) (string, bool, error) {
	key := l.envPrefix + "_" + suffix
	val := os.Getenv(key)
	if val == "" {
		return "", false, nil
	}
	if err := validateEnvVar(key, val); err != nil {
		return "", false, errs.WrapInvalid(err, "Loader", "Load", "read environment")
	}
	return val, true, nil
}

func (l *Loader) envError(suffix string, err error) error {
	return errs.WrapInvalid(fmt.Errorf("%w: %s_%s: %v", errs.ErrInvalidConfig, l.envPrefix, suffix, err),
		"Loader", "Load", "parse environment")
}
