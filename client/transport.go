package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/Deniable-IM/denim/daemon/transport"
	"github.com/Deniable-IM/denim/internal/denimwire"
)

// ReconnectingTransport wraps daemon/transport.Connection with the
// reconnect-on-failure behavior a client needs that a server-side
// connection never does: the server always speaks to whichever device
// happens to be connected, but the client has exactly one server to reach
// and must keep trying. Backoff follows the teacher's DTNProfile retry
// idiom (backend/daemon/service/transfer.go): a capped exponential delay
// between attempts.
type ReconnectingTransport struct {
	addr      string
	tlsConfig *tls.Config

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	conn *transport.Connection
}

// NewReconnectingTransport builds a transport that dials addr lazily on
// first use and transparently redials on a failed Send/Receive.
func NewReconnectingTransport(addr string, tlsConfig *tls.Config) *ReconnectingTransport {
	return &ReconnectingTransport{
		addr:       addr,
		tlsConfig:  tlsConfig,
		maxRetries: 5,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   10 * time.Second,
	}
}

func (t *ReconnectingTransport) ensureConnected(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	var lastErr error
	delay := t.baseDelay
	for attempt := 0; attempt < t.maxRetries; attempt++ {
		conn, err := transport.Dial(ctx, t.addr, t.tlsConfig)
		if err == nil {
			t.conn = conn
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > t.maxDelay {
			delay = t.maxDelay
		}
	}
	return fmt.Errorf("client: dial %s after %d attempts: %w", t.addr, t.maxRetries, lastErr)
}

// Send writes env to the connection, redialing once on failure.
func (t *ReconnectingTransport) Send(env denimwire.DenimEnvelope) error {
	ctx := context.Background()
	if err := t.ensureConnected(ctx); err != nil {
		return err
	}
	if err := t.conn.Send(env); err != nil {
		t.drop()
		if err := t.ensureConnected(ctx); err != nil {
			return err
		}
		return t.conn.Send(env)
	}
	return nil
}

// Receive reads the next envelope, redialing once on failure.
func (t *ReconnectingTransport) Receive() (denimwire.DenimEnvelope, error) {
	ctx := context.Background()
	if err := t.ensureConnected(ctx); err != nil {
		return denimwire.DenimEnvelope{}, err
	}
	env, err := t.conn.Receive()
	if err != nil {
		t.drop()
		if err := t.ensureConnected(ctx); err != nil {
			return denimwire.DenimEnvelope{}, err
		}
		return t.conn.Receive()
	}
	return env, nil
}

func (t *ReconnectingTransport) drop() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// Close tears down the underlying connection, if any.
func (t *ReconnectingTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

var _ Transport = (*ReconnectingTransport)(nil)
