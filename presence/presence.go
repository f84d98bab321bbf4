// Package presence advertises a running worker in a JetStream KV bucket so
// operators can see which devices are online and what they run.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	errs "github.com/edgecmd/edgeworker/errors"
	"github.com/edgecmd/edgeworker/health"
)

const (
	// BucketName is the KV bucket holding one record per device
	BucketName = "edgeworker_devices"
	// DefaultInterval is the time between heartbeats
	DefaultInterval = 30 * time.Second

	StateOnline  = "online"
	StateOffline = "offline"
)

// Record is the value stored under the device id
type Record struct {
	DeviceID  string    `json:"device_id"`
	Hostname  string    `json:"hostname"`
	Version   string    `json:"version"`
	Workers   int       `json:"workers"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Bucket is the part of jetstream.KeyValue the heartbeat writes through
type Bucket interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// Opener opens or creates the presence bucket
type Opener func(ctx context.Context) (Bucket, error)

// KeyValueProvider opens JetStream KV buckets. natsclient.Client implements it.
type KeyValueProvider interface {
	KeyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error)
}

// BucketConfig returns the bucket settings. Entries expire after three missed
// heartbeats so a device that lost power drops out on its own.
func BucketConfig(interval time.Duration) jetstream.KeyValueConfig {
	return jetstream.KeyValueConfig{
		Bucket:      BucketName,
		Description: "Edge worker presence records",
		History:     1,
		TTL:         3 * interval,
	}
}

// FromProvider opens the presence bucket through a KeyValueProvider
func FromProvider(kv KeyValueProvider, interval time.Duration) Opener {
	return func(ctx context.Context) (Bucket, error) {
		bucket, err := kv.KeyValue(ctx, BucketConfig(interval))
		if err != nil {
			return nil, err
		}
		return bucket, nil
	}
}

// Heartbeat keeps the device's Record fresh
type Heartbeat struct {
	open     Opener
	record   Record
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	bucket Bucket // owned by the Run goroutine

	mu      sync.Mutex
	lastErr error
	beats   int64
}

// Option configures a Heartbeat
type Option func(*Heartbeat)

// WithInterval sets the heartbeat interval
func WithInterval(d time.Duration) Option {
	return func(h *Heartbeat) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithLogger sets the heartbeat's logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Heartbeat) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(h *Heartbeat) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHeartbeat creates a heartbeat for rec. DeviceID is required and is
// lowercased to match the subject namespace.
func NewHeartbeat(open Opener, rec Record, opts ...Option) (*Heartbeat, error) {
	if open == nil {
		return nil, errs.WrapInvalid(errs.ErrMissingConfig, "Heartbeat", "NewHeartbeat", "opener check")
	}
	if rec.DeviceID == "" {
		return nil, errs.WrapInvalid(errs.ErrMissingConfig, "Heartbeat", "NewHeartbeat", "device id check")
	}
	rec.DeviceID = strings.ToLower(rec.DeviceID)

	h := &Heartbeat{
		open:     open,
		record:   rec,
		interval: DefaultInterval,
		logger:   slog.Default().With("component", "presence"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Run writes the record immediately and then on every interval until ctx is
// done, when it marks the device offline. Write failures are logged and retried
// on the next tick.
func (h *Heartbeat) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.record.StartedAt.IsZero() {
		h.record.StartedAt = h.now().UTC()
	}
	h.mu.Unlock()

	h.beat(ctx, StateOnline)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			h.beat(stopCtx, StateOffline)
			cancel()
			return nil
		case <-ticker.C:
			h.beat(ctx, StateOnline)
		}
	}
}

// beat runs only on the Run goroutine. The bucket write happens outside mu so
// Health and Record never wait on the KV round trip.
func (h *Heartbeat) beat(ctx context.Context, state string) {
	err := h.put(ctx, state)

	h.mu.Lock()
	prev := h.lastErr
	h.lastErr = err
	if err == nil {
		h.beats++
	}
	h.mu.Unlock()

	switch {
	case err != nil && prev == nil:
		h.logger.Warn("Presence update failed", "device_id", h.record.DeviceID, "error", err)
	case err == nil && prev != nil:
		h.logger.Info("Presence update recovered", "device_id", h.record.DeviceID)
	case err != nil:
		h.logger.Debug("Presence update still failing", "device_id", h.record.DeviceID, "error", err)
	}
}

func (h *Heartbeat) put(ctx context.Context, state string) error {
	if h.bucket == nil {
		bucket, err := h.open(ctx)
		if err != nil {
			return errs.WrapTransient(err, "Heartbeat", "beat", "open bucket")
		}
		h.bucket = bucket
	}

	h.mu.Lock()
	h.record.State = state
	h.record.UpdatedAt = h.now().UTC()
	data, err := json.Marshal(h.record)
	h.mu.Unlock()
	if err != nil {
		return errs.WrapFatal(err, "Heartbeat", "beat", "marshal record")
	}

	if _, err := h.bucket.Put(ctx, h.record.DeviceID, data); err != nil {
		return errs.WrapTransient(err, "Heartbeat", "beat", "put record")
	}
	return nil
}

// Record returns a copy of the most recently prepared record
func (h *Heartbeat) Record() Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record
}

// Health is degraded while writes are failing. Presence never makes the worker unhealthy.
func (h *Heartbeat) Health() health.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastErr != nil {
		return health.NewDegraded("presence", h.lastErr.Error())
	}
	if h.beats == 0 {
		return health.NewDegraded("presence", "no heartbeat written yet")
	}
	return health.NewHealthy("presence", "heartbeat current")
}
