package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/edgecmd/edgeworker/errors"
	"github.com/edgecmd/edgeworker/health"
	"github.com/edgecmd/edgeworker/metric"
	"github.com/edgecmd/edgeworker/pkg/retry"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by operations that need a live connection
var ErrNotConnected = errors.ErrNoConnection

// Message is an inbound NATS message. Reply is empty for fire-and-forget publishes.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
}

// MsgHandler handles one inbound message. It runs on the subscription's delivery
// goroutine, so blocking here holds back further deliveries for that subscription.
type MsgHandler func(ctx context.Context, msg *Message)

// Subscription is an active subscription
type Subscription interface {
	Unsubscribe() error
}

// Client manages the NATS connection
type Client struct {
	url      string
	status   atomic.Value // ConnectionStatus
	failures atomic.Int32
	logger   *slog.Logger
	metrics  *metric.Metrics

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	maxReconnects    int
	reconnectWait    time.Duration
	connectRetryWait time.Duration
	pingInterval     time.Duration
	timeout          time.Duration
	drainTimeout     time.Duration

	pendingMsgs  int
	pendingBytes int

	kvRetry retry.Config

	credsFile string
	token     string

	tlsRequired bool
	tlsCertFile string
	tlsKeyFile  string
	tlsCAFile   string

	clientName string

	onHealthChange func(bool)

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a client for url. TLS is required whenever the URL contains
// "tls", for example tls://nats.example.com:4222.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default().With("component", "natsclient"),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		connectRetryWait: 2 * time.Second,
		pingInterval:     30 * time.Second,
		timeout:          5 * time.Second,
		drainTimeout:     10 * time.Second,
		kvRetry:          retry.DefaultConfig(),
		tlsRequired:      strings.Contains(url, "tls"),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// TLSRequired reports whether the connection will insist on TLS
func (c *Client) TLSRequired() bool {
	return c.tlsRequired
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	if c.metrics != nil {
		c.metrics.RecordNATSStatus(status == StatusConnected)
	}
}

// IsHealthy returns true if the connection is up
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the number of failed connection attempts since the last success
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Health reports the connection as a health.Status
func (c *Client) Health() health.Status {
	switch c.Status() {
	case StatusConnected:
		return health.NewHealthy("nats", "connected")
	case StatusConnecting, StatusReconnecting:
		return health.NewDegraded("nats", c.Status().String())
	default:
		return health.NewUnhealthy("nats", c.Status().String())
	}
}

// GetConnection returns the current NATS connection
func (c *Client) GetConnection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// ConnectionOptions returns the NATS connection options
func (c *Client) ConnectionOptions() []nats.Option {
	return c.buildConnectionOptions()
}

func (c *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}

	if c.credsFile != "" {
		if _, err := os.Stat(c.credsFile); err == nil {
			opts = append(opts, nats.UserCredentials(c.credsFile))
		} else {
			c.logger.Warn("NATS credentials file not found, connecting unauthenticated",
				"path", c.credsFile, "error", err)
		}
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}

	if c.tlsRequired {
		opts = append(opts, nats.Secure())
	}
	if c.tlsCertFile != "" && c.tlsKeyFile != "" {
		opts = append(opts, nats.ClientCert(c.tlsCertFile, c.tlsKeyFile))
	}
	if c.tlsCAFile != "" {
		opts = append(opts, nats.RootCAs(c.tlsCAFile))
	}

	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}

	return opts
}

// Connect makes a single attempt to connect to the server
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		// a closed client never reconnects, so ConnectForever stops here
		return retry.NonRetryable(errors.WrapInvalid(errors.ErrShuttingDown, "Client", "Connect", "check client state"))
	}

	c.setStatus(StatusConnecting)
	c.logger.Debug("Connecting to NATS", "url", c.url, "tls", c.tlsRequired)

	opts := c.buildConnectionOptions()

	type result struct {
		conn *nats.Conn
		err  error
	}
	connectDone := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		connectDone <- result{conn, err}
	}()

	select {
	case res := <-connectDone:
		if res.err != nil {
			c.failures.Add(1)
			c.setStatus(StatusDisconnected)
			err := res.err
			if isTimeout(err) {
				err = fmt.Errorf("%w: %w", errors.ErrConnectionTimeout, err)
			}
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}

		js, err := jetstream.New(res.conn)
		if err != nil {
			c.logger.Warn("JetStream unavailable", "error", err)
		}

		c.mu.Lock()
		c.conn = res.conn
		c.js = js
		c.mu.Unlock()
	case <-ctx.Done():
		c.failures.Add(1)
		c.setStatus(StatusDisconnected)
		// the dial goroutine may still succeed; close whatever it produces
		go func() {
			if res := <-connectDone; res.conn != nil {
				res.conn.Close()
			}
		}()
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.failures.Store(0)
	c.setStatus(StatusConnected)
	c.logger.Info("Connected to NATS", "url", c.url)
	c.notifyHealth(true)

	return nil
}

// ConnectForever retries Connect on a fixed interval until it succeeds or ctx ends.
// The bus is expected to come up eventually, so there is no attempt limit.
func (c *Client) ConnectForever(ctx context.Context) error {
	cfg := retry.Forever(c.connectRetryWait)
	cfg.OnRetry = func(attempt int, err error, next time.Duration) {
		if c.metrics != nil {
			c.metrics.RecordConnectRetry()
		}
		c.logger.Warn("NATS connection failed, retrying",
			"url", c.url, "attempt", attempt, "retry_in", next, "error", err)
	}

	return retry.Do(ctx, cfg, func() error {
		return c.Connect(ctx)
	})
}

// Subscribe registers handler for subject. The context passed to handler is ctx;
// it is not given a per-message deadline because commands may run for minutes.
func (c *Client) Subscribe(ctx context.Context, subject string, handler MsgHandler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return nil, ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(ctx, &Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data})
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", fmt.Sprintf("subscribe to %s", subject))
	}

	if c.pendingMsgs != 0 || c.pendingBytes != 0 {
		msgs, bytes := c.pendingMsgs, c.pendingBytes
		if msgs == 0 {
			msgs = nats.DefaultSubPendingMsgsLimit
		}
		if bytes == 0 {
			bytes = nats.DefaultSubPendingBytesLimit
		}
		if err := sub.SetPendingLimits(msgs, bytes); err != nil {
			_ = sub.Unsubscribe()
			return nil, errors.WrapInvalid(err, "Client", "Subscribe", "set pending limits")
		}
	}

	c.subs = append(c.subs, sub)
	return sub, nil
}

// Publish publishes a message to a NATS subject
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	switch {
	case conn == nil:
		return ErrNotConnected
	case conn.IsClosed():
		return errors.WrapTransient(errors.ErrConnectionLost, "Client", "Publish", fmt.Sprintf("publish to %s", subject))
	}

	// while reconnecting nats.go buffers the message and flushes it on reconnect
	return conn.Publish(subject, data)
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("JetStream not initialized"),
			"Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// KeyValue opens the bucket named in cfg, creating it if it does not exist yet
func (c *Client) KeyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	if c.Status() != StatusConnected {
		return nil, ErrNotConnected
	}

	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	// JetStream can lag the core connection on a freshly started leaf node
	return retry.DoWithResult(ctx, c.kvRetry, func() (jetstream.KeyValue, error) {
		return c.openOrCreate(ctx, js, cfg)
	})
}

func (c *Client) openOrCreate(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		return bucket, nil
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if isAlreadyExistsError(err) {
			// lost a creation race with another client
			bucket, err = js.KeyValue(ctx, cfg.Bucket)
			if err == nil {
				return bucket, nil
			}
		}
		if stderrors.Is(err, jetstream.ErrJetStreamNotEnabled) || stderrors.Is(err, jetstream.ErrJetStreamNotEnabledForAccount) {
			return nil, retry.NonRetryable(errors.WrapFatal(err, "Client", "KeyValue", fmt.Sprintf("open bucket %s", cfg.Bucket)))
		}
		return nil, errors.WrapTransient(err, "Client", "KeyValue", fmt.Sprintf("open bucket %s", cfg.Bucket))
	}

	c.logger.Info("Created KV bucket", "bucket", cfg.Bucket)
	return bucket, nil
}

// Close unsubscribes and drains the connection, bounded by ctx and the drain timeout
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		conn := c.conn
		go func() {
			drainDone <- conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain"))
		}

		conn.Close()
		c.conn = nil
	}

	c.token = ""
	c.setStatus(StatusClosed)

	return stderrors.Join(errs...)
}

// RTT returns the round-trip time to the NATS server
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

func (c *Client) notifyHealth(healthy bool) {
	c.mu.RLock()
	fn := c.onHealthChange
	c.mu.RUnlock()
	if fn != nil {
		go fn(healthy)
	}
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	c.logger.Warn("Disconnected from NATS", "error", err)
	c.notifyHealth(false)
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.setStatus(StatusConnected)
	if c.metrics != nil {
		c.metrics.RecordNATSReconnect()
	}
	c.logger.Info("Reconnected to NATS", "url", conn.ConnectedUrlRedacted())
	c.notifyHealth(true)
}

func (c *Client) handleClosed(_ *nats.Conn) {
	if c.closed.Load() {
		c.setStatus(StatusClosed)
	} else {
		c.setStatus(StatusDisconnected)
	}
	c.notifyHealth(false)
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil && stderrors.Is(err, nats.ErrSlowConsumer) {
		pending, _, _ := sub.Pending()
		c.logger.Error("Subscription buffer full, messages dropped by NATS",
			"subject", sub.Subject, "pending", pending)
		return
	}
	c.logger.Error("NATS error", "error", err)
}

// isTimeout reports a dial or handshake that ran past the connect timeout
func isTimeout(err error) bool {
	if stderrors.Is(err, nats.ErrTimeout) || stderrors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrBucketExists) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "already in use") || strings.Contains(errStr, "already exists")
}
