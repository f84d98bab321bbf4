package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	errs "github.com/edgecmd/edgeworker/errors"
	"github.com/edgecmd/edgeworker/health"
	"github.com/edgecmd/edgeworker/metric"
	"github.com/edgecmd/edgeworker/natsclient"
	"github.com/edgecmd/edgeworker/pkg/retry"
	"github.com/edgecmd/edgeworker/pkg/worker"
	"github.com/edgecmd/edgeworker/protocol"
	"github.com/edgecmd/edgeworker/subject"
)

const (
	// DefaultWorkers bounds the number of handlers running at once
	DefaultWorkers = 8
	// DefaultShutdownTimeout is how long in-flight handlers may run after Run's context ends
	DefaultShutdownTimeout = 30 * time.Second
	// DefaultSubscribeRetry is the interval between subscription attempts
	DefaultSubscribeRetry = 2 * time.Second
)

// Drop reasons used in logs and the messages_dropped metric
const (
	DropUnrouted = "unrouted"
	DropUnknown  = "unknown_subject"
	DropDecode   = "decode"
	DropShutdown = "shutdown"
)

// ErrAlreadyRunning is returned when Run is called while another Run is active
var ErrAlreadyRunning = errors.New("dispatcher already running")

// Transport is the part of the NATS client the dispatcher needs
type Transport interface {
	Subscribe(ctx context.Context, subject string, handler natsclient.MsgHandler) (natsclient.Subscription, error)
	Publish(ctx context.Context, subject string, data []byte) error
}

// Handler executes one decoded request
type Handler interface {
	Handle(ctx context.Context, req protocol.Request) (protocol.Reply, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, req protocol.Request) (protocol.Reply, error)

// Handle calls f(ctx, req)
func (f HandlerFunc) Handle(ctx context.Context, req protocol.Request) (protocol.Reply, error) {
	return f(ctx, req)
}

// Dispatcher routes device messages to a Handler through a bounded worker pool
type Dispatcher struct {
	transport Transport
	handler   Handler
	deviceID  string

	subject         string
	workers         int
	shutdownTimeout time.Duration
	subscribeRetry  time.Duration

	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics

	poolMu     sync.Mutex
	pool       *worker.Pool[job] // pool of the current or last Run
	logLimiter *rate.Limiter
	running    atomic.Bool

	received    atomic.Int64
	dropped     atomic.Int64
	handled     atomic.Int64
	failed      atomic.Int64
	inFlight    atomic.Int64
	replies     atomic.Int64
	replyErrors atomic.Int64
	suppressed  atomic.Int64
}

type job struct {
	msg     *natsclient.Message
	pattern string
	req     protocol.Request
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithSubject overrides the subscription subject
func WithSubject(subj string) Option {
	return func(d *Dispatcher) {
		if subj != "" {
			d.subject = subj
		}
	}
}

// WithWorkers sets the number of concurrent handlers
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithShutdownTimeout bounds how long in-flight handlers may run during shutdown
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.shutdownTimeout = timeout
		}
	}
}

// WithSubscribeRetry sets the interval between subscription attempts
func WithSubscribeRetry(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.subscribeRetry = interval
		}
	}
}

// WithLogger sets the dispatcher's logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records message, command and pool metrics into registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(d *Dispatcher) {
		if registry != nil {
			d.registry = registry
			d.metrics = registry.CoreMetrics()
		}
	}
}

// New creates a Dispatcher for deviceID. Nothing is subscribed until Run.
func New(transport Transport, handler Handler, deviceID string, opts ...Option) (*Dispatcher, error) {
	if transport == nil {
		return nil, errs.WrapInvalid(errs.ErrMissingConfig, "Dispatcher", "New", "transport check")
	}
	if handler == nil {
		return nil, errs.WrapInvalid(errs.ErrMissingConfig, "Dispatcher", "New", "handler check")
	}
	if deviceID == "" {
		return nil, errs.WrapInvalid(errs.ErrMissingConfig, "Dispatcher", "New", "device id check")
	}

	d := &Dispatcher{
		transport:       transport,
		handler:         handler,
		deviceID:        deviceID,
		subject:         subject.Subscription(deviceID),
		workers:         DefaultWorkers,
		shutdownTimeout: DefaultShutdownTimeout,
		subscribeRetry:  DefaultSubscribeRetry,
		logger:          slog.Default().With("component", "dispatcher"),
		logLimiter:      rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// newPool replaces the handler pool. Each Run gets a fresh one.
func (d *Dispatcher) newPool() *worker.Pool[job] {
	var poolOpts []worker.Option[job]
	if d.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[job](d.registry, "edgeworker_handler_pool"))
	}
	pool := worker.NewPool(d.workers, 0, d.process, poolOpts...)

	d.poolMu.Lock()
	d.pool = pool
	d.poolMu.Unlock()
	return pool
}

func (d *Dispatcher) currentPool() *worker.Pool[job] {
	d.poolMu.Lock()
	defer d.poolMu.Unlock()
	return d.pool
}

// Subject returns the subscription subject
func (d *Dispatcher) Subject() string {
	return d.subject
}

// Run subscribes, serves messages until ctx is done and then drains in-flight
// handlers. Subscription failures are retried until ctx ends. Run may be
// called again once a previous Run has returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer d.running.Store(false)

	pool := d.newPool()
	defer pool.ReleaseMetrics()

	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()

	if err := pool.Start(handlerCtx); err != nil {
		return errs.WrapFatal(err, "Dispatcher", "Run", "worker pool start")
	}

	var sub natsclient.Subscription
	err := retry.Do(ctx, retry.Forever(d.subscribeRetry), func() error {
		s, err := d.transport.Subscribe(ctx, d.subject, d.HandleMessage)
		if err != nil {
			d.logger.Warn("Subscribe failed, retrying", "subject", d.subject, "error", err)
			return err
		}
		sub = s
		return nil
	})
	if err != nil {
		_ = pool.Stop(d.shutdownTimeout)
		if ctx.Err() != nil {
			return nil
		}
		return errs.Wrap(err, "Dispatcher", "Run", "subscribe")
	}

	d.logger.Info("Dispatcher listening",
		"subject", d.subject,
		"device_id", d.deviceID,
		"workers", d.workers)

	<-ctx.Done()

	if err := sub.Unsubscribe(); err != nil {
		d.logger.Warn("Unsubscribe failed", "subject", d.subject, "error", err)
	}

	if err := pool.Stop(d.shutdownTimeout); err != nil {
		d.logger.Warn("Handlers still running after shutdown timeout, cancelling",
			"timeout", d.shutdownTimeout,
			"in_flight", d.inFlight.Load())
		cancelHandlers()
	}

	d.logger.Info("Dispatcher stopped",
		"received", d.received.Load(),
		"handled", d.handled.Load(),
		"failed", d.failed.Load(),
		"dropped", d.dropped.Load())
	return nil
}

// HandleMessage routes one message. It blocks while every worker is busy.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *natsclient.Message) {
	d.received.Add(1)
	if d.metrics != nil {
		d.metrics.RecordMessageReceived()
	}

	pattern, ok := subject.Canonicalize(msg.Subject, d.deviceID)
	if !ok {
		d.logger.Debug("Ignoring message for another device", "subject", msg.Subject)
		d.drop(DropUnrouted)
		return
	}

	req, err := protocol.DecodeRequest(pattern, msg.Data)
	if err != nil {
		if errors.Is(err, errs.ErrUnknownSubject) {
			d.logger.Debug("No handler for subject", "subject", msg.Subject, "pattern", pattern)
			d.drop(DropUnknown)
			return
		}
		d.logDecodeError(msg.Subject, err)
		d.drop(DropDecode)
		return
	}

	pool := d.currentPool()
	if pool == nil {
		d.logger.Warn("Dropping command before start", "subject", msg.Subject)
		d.drop(DropShutdown)
		return
	}
	if err := pool.Submit(ctx, job{msg: msg, pattern: pattern, req: req}); err != nil {
		d.logger.Warn("Dropping command during shutdown", "subject", msg.Subject, "error", err)
		d.drop(DropShutdown)
	}
}

func (d *Dispatcher) process(ctx context.Context, j job) error {
	start := time.Now()
	d.trackInFlight(1)
	defer d.trackInFlight(-1)

	reply, err := d.invoke(ctx, j.req)
	duration := time.Since(start)

	// failures are labelled transient, invalid or fatal
	outcome := "success"
	if err != nil {
		outcome = errs.Classify(err).String()
		d.failed.Add(1)
	} else {
		d.handled.Add(1)
	}
	if d.metrics != nil {
		d.metrics.RecordCommand(j.pattern, outcome, duration)
	}

	if j.msg.Reply == "" {
		if err != nil {
			d.logger.Warn("Command failed", "subject", j.msg.Subject, "error", err, "duration", duration)
		} else {
			d.logger.Info("Command handled", "subject", j.msg.Subject, "duration", duration)
		}
		return err
	}

	var data []byte
	var encErr error
	if err != nil {
		data, encErr = protocol.EncodeError(j.req, j.pattern, err)
	} else {
		data, encErr = protocol.EncodeReply(reply)
	}
	if encErr != nil {
		d.logger.Error("Failed to encode reply", "subject", j.msg.Subject, "error", encErr)
		d.replyFailed(encErr)
		return err
	}

	if pubErr := d.transport.Publish(ctx, j.msg.Reply, data); pubErr != nil {
		d.logger.Warn("Failed to publish reply", "subject", j.msg.Subject, "reply", j.msg.Reply, "error", pubErr)
		d.replyFailed(pubErr)
		return err
	}

	d.replies.Add(1)
	if d.metrics != nil {
		d.metrics.RecordReply(nil)
	}
	d.logger.Debug("Reply published",
		"subject", j.msg.Subject,
		"outcome", outcome,
		"duration", duration)
	return err
}

// invoke keeps a panicking handler from taking the worker down with it
func (d *Dispatcher) invoke(ctx context.Context, req protocol.Request) (reply protocol.Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Handler panicked", "pattern", req.Pattern(), "panic", r)
			reply = nil
			err = errs.WrapFatal(fmt.Errorf("panic: %v", r), "Dispatcher", "process", "handle")
		}
	}()

	reply, err = d.handler.Handle(ctx, req)
	if err == nil && reply == nil {
		err = errs.WrapFatal(errors.New("handler returned no reply"), "Dispatcher", "process", "handle")
	}
	return reply, err
}

func (d *Dispatcher) trackInFlight(delta int64) {
	n := d.inFlight.Add(delta)
	if d.metrics != nil {
		d.metrics.RecordInFlight(n)
	}
}

func (d *Dispatcher) drop(reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordMessageDropped(reason)
	}
}

func (d *Dispatcher) replyFailed(err error) {
	d.replyErrors.Add(1)
	if d.metrics != nil {
		d.metrics.RecordReply(err)
	}
}

// logDecodeError rate limits warnings so a misbehaving publisher cannot flood the log
func (d *Dispatcher) logDecodeError(subj string, err error) {
	if !d.logLimiter.Allow() {
		d.suppressed.Add(1)
		return
	}
	d.logger.Warn("Dropping malformed message",
		"subject", subj,
		"error", err,
		"suppressed", d.suppressed.Swap(0))
}

// Stats is a point-in-time snapshot of the dispatcher counters
type Stats struct {
	Subject     string           `json:"subject"`
	Running     bool             `json:"running"`
	Received    int64            `json:"received"`
	Dropped     int64            `json:"dropped"`
	Handled     int64            `json:"handled"`
	Failed      int64            `json:"failed"`
	InFlight    int64            `json:"in_flight"`
	Workers     int              `json:"workers"`
	Replies     int64            `json:"replies"`
	ReplyErrors int64            `json:"reply_errors"`
	Pool        worker.PoolStats `json:"pool"`
}

// Stats returns the current counters
func (d *Dispatcher) Stats() Stats {
	poolStats := worker.PoolStats{Workers: d.workers}
	if pool := d.currentPool(); pool != nil {
		poolStats = pool.Stats()
	}
	return Stats{
		Subject:     d.subject,
		Running:     d.running.Load(),
		Received:    d.received.Load(),
		Dropped:     d.dropped.Load(),
		Handled:     d.handled.Load(),
		Failed:      d.failed.Load(),
		InFlight:    d.inFlight.Load(),
		Workers:     d.workers,
		Replies:     d.replies.Load(),
		ReplyErrors: d.replyErrors.Load(),
		Pool:        poolStats,
	}
}

// Health reports whether the dispatcher is serving and how busy it is
func (d *Dispatcher) Health() health.Status {
	if !d.running.Load() {
		return health.NewUnhealthy("dispatcher", "not running")
	}
	busy := d.inFlight.Load()
	msg := fmt.Sprintf("%d/%d workers busy", busy, d.workers)
	if busy >= int64(d.workers) {
		return health.NewDegraded("dispatcher", msg)
	}
	return health.NewHealthy("dispatcher", msg)
}
