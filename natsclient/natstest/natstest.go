// Package natstest provides testcontainers-based NATS infrastructure for tests.
package natstest

import (
	"context"
	"fmt"
	"testing"
	"time"

	gonats "github.com/nats-io/nats.go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/edgecmd/edgeworker/natsclient"
)

// Server is a NATS server running in a container with a connected client
type Server struct {
	container testcontainers.Container
	Client    *natsclient.Client
	URL       string
	cleanup   func()
}

type config struct {
	jetstream    bool
	natsVersion  string
	timeout      time.Duration
	startTimeout time.Duration
}

// Option configures the test server
type Option func(*config)

// WithJetStream enables JetStream, needed for KV buckets
func WithJetStream() Option {
	return func(cfg *config) {
		cfg.jetstream = true
	}
}

// WithNATSVersion specifies the nats image tag
func WithNATSVersion(version string) Option {
	return func(cfg *config) {
		cfg.natsVersion = version
	}
}

// WithStartTimeout sets the container startup timeout
func WithStartTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		cfg.startTimeout = timeout
	}
}

// Start launches a NATS container and connects a client to it. The container is
// terminated through t.Cleanup.
func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()

	cfg := &config{
		natsVersion:  "2.11.7-alpine",
		timeout:      5 * time.Second,
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx := context.Background()

	args := []string{"--port", "4222", "--http_port", "8222"}
	if cfg.jetstream {
		args = append(args, "--js")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:" + cfg.natsVersion,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          args,
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
			),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start NATS container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("Failed to get mapped port: %v", err)
	}

	url := fmt.Sprintf("nats://%s:%s", host, port.Port())

	client, err := natsclient.NewClient(url,
		natsclient.WithTimeout(cfg.timeout),
		natsclient.WithMaxReconnects(0),
		natsclient.WithName("natstest"),
	)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("Failed to create NATS client: %v", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	if err := client.Connect(connectCtx); err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("Failed to connect to NATS: %v", err)
	}

	srv := &Server{
		container: container,
		Client:    client,
		URL:       url,
		cleanup: func() {
			_ = client.Close(context.Background())
			_ = container.Terminate(context.Background())
		},
	}
	t.Cleanup(srv.Terminate)

	return srv
}

// Terminate stops the client and the container. Safe to call more than once.
func (s *Server) Terminate() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

// Conn opens a separate raw connection, useful for playing the remote side
func (s *Server) Conn(t testing.TB) *gonats.Conn {
	t.Helper()
	nc, err := gonats.Connect(s.URL)
	if err != nil {
		t.Fatalf("Failed to open raw NATS connection: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}
