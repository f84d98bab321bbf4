package natsclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/edgecmd/edgeworker/errors"
	"github.com/edgecmd/edgeworker/metric"
	"github.com/edgecmd/edgeworker/pkg/retry"
)

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4223")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4223", c.URL())
	assert.False(t, c.TLSRequired())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, -1, c.maxReconnects)
	assert.Equal(t, 2*time.Second, c.connectRetryWait)
	assert.Nil(t, c.GetConnection())
}

func TestNewClient_TLSFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"nats://localhost:4222", false},
		{"tls://nats.example.com:4222", true},
		{"nats://tls.example.com:4222", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			c, err := NewClient(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.TLSRequired())
		})
	}
}

func TestNewClient_InvalidOptions(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithTLS("cert.pem", "", ""))
	require.Error(t, err)
	assert.True(t, errs.IsInvalid(err))

	_, err = NewClient("nats://localhost:4222", WithConnectRetryWait(0))
	require.Error(t, err)
}

func TestWithTLS_ForcesTLS(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithTLS("cert.pem", "key.pem", "ca.pem"))
	require.NoError(t, err)
	assert.True(t, c.TLSRequired())
}

func TestConnectionOptions_Credentials(t *testing.T) {
	base, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	baseCount := len(base.ConnectionOptions())

	missing, err := NewClient("nats://localhost:4222",
		WithCredentialsFile(filepath.Join(t.TempDir(), "absent.creds")))
	require.NoError(t, err)
	assert.Len(t, missing.ConnectionOptions(), baseCount, "missing creds file should be skipped")

	path := filepath.Join(t.TempDir(), "device.creds")
	require.NoError(t, os.WriteFile(path, []byte("creds"), 0o600))
	present, err := NewClient("nats://localhost:4222", WithCredentialsFile(path))
	require.NoError(t, err)
	assert.Len(t, present.ConnectionOptions(), baseCount+1)

	named, err := NewClient("tls://localhost:4222", WithName("edgeworker"))
	require.NoError(t, err)
	assert.Len(t, named.ConnectionOptions(), baseCount+2, "name and secure options")
}

func TestConnect_Unreachable(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1", WithTimeout(200*time.Millisecond))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, int32(1), c.Failures())
}

func TestConnectForever_StopsOnContextCancel(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(100*time.Millisecond),
		WithConnectRetryWait(50*time.Millisecond),
		WithMetrics(registry),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = c.ConnectForever(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.GreaterOrEqual(t, c.Failures(), int32(2))
}

func TestConnectForever_StopsWhenClosed(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1", WithConnectRetryWait(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, c.Close(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = c.ConnectForever(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrShuttingDown)
	assert.True(t, retry.IsNonRetryable(err))
	assert.NoError(t, ctx.Err(), "returned before the context expired")
}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nats timeout", nats.ErrTimeout, true},
		{"deadline exceeded", fmt.Errorf("read tcp: %w", os.ErrDeadlineExceeded), true},
		{"net timeout", &net.OpError{Op: "dial", Err: os.ErrDeadlineExceeded}, true},
		{"refused", errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), false},
		{"no servers", nats.ErrNoServers, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTimeout(tt.err))
		})
	}
}

func TestConnect_TimeoutClassified(t *testing.T) {
	// accepts the TCP connection but never sends INFO
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	c, err := NewClient("nats://"+ln.Addr().String(), WithTimeout(100*time.Millisecond))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
	assert.ErrorIs(t, err, errs.ErrConnectionTimeout)
}

func TestNotConnectedOperations(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, c.Publish(ctx, "pi.1.status.boot", []byte("{}")), ErrNotConnected)

	_, err = c.Subscribe(ctx, "pi.1.>", func(context.Context, *Message) {})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.JetStream()
	assert.Error(t, err)
}

func TestClose_Idempotent(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, StatusClosed, c.Status())

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, errs.ErrShuttingDown)
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "closed", StatusClosed.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestHealth(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.True(t, c.Health().IsUnhealthy())

	c.setStatus(StatusReconnecting)
	assert.True(t, c.Health().IsDegraded())

	c.setStatus(StatusConnected)
	assert.True(t, c.Health().IsHealthy())
}
