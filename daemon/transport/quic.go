package transport

import (
	"context"
	"crypto/tls"
	"errors"

	"github.com/quic-go/quic-go"

	"github.com/Deniable-IM/denim/internal/denimwire"
	"github.com/Deniable-IM/denim/internal/ratelimit"
)

// ErrRateLimited is returned by Accept when the connection rate limiter
// rejects an incoming connection attempt.
var ErrRateLimited = errors.New("transport: connection rate limited")

// quicConfig mirrors the teacher's connection tuning (daemon/transport/
// quic_connection.go): generous stream/connection receive windows since a
// DenIM envelope frame rides the same stream as the overt payload it's
// piggybacked on.
var quicConfig = &quic.Config{
	KeepAlivePeriod:                10 * 1e9,
	MaxIdleTimeout:                 60 * 1e9,
	InitialStreamReceiveWindow:     8 << 20,
	InitialConnectionReceiveWindow: 128 << 20,
}

// Connection wraps a QUIC connection and the single bidirectional stream
// DenIM envelopes travel on.
type Connection struct {
	conn   *quic.Conn
	stream *quic.Stream
}

// Dial establishes a client connection and opens the envelope stream.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (*Connection, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, err
	}
	return &Connection{conn: conn, stream: stream}, nil
}

// Send writes an envelope on the connection's stream.
func (c *Connection) Send(env denimwire.DenimEnvelope) error {
	return WriteEnvelope(c.stream, env)
}

// Receive reads the next envelope from the connection's stream.
func (c *Connection) Receive() (denimwire.DenimEnvelope, error) {
	return ReadEnvelope(c.stream)
}

// Close tears down the stream and connection.
func (c *Connection) Close() error {
	if c.stream != nil {
		c.stream.Close()
	}
	return c.conn.CloseWithError(0, "connection closed")
}

// Listener accepts incoming DenIM connections, throttled by a token bucket
// so a burst of connection attempts can't starve already-connected devices
// (adapted from the teacher's rate limiting idiom).
type Listener struct {
	listener *quic.Listener
	limiter  *ratelimit.TokenBucket
}

// Listen starts a QUIC listener bound to addr.
func Listen(addr string, tlsConfig *tls.Config, limiter *ratelimit.TokenBucket) (*Listener, error) {
	l, err := quic.ListenAddr(addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, err
	}
	return &Listener{listener: l, limiter: limiter}, nil
}

// Accept blocks until a new connection arrives, its envelope stream is
// open, and the connection rate limiter admits it.
func (l *Listener) Accept(ctx context.Context) (*Connection, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	if l.limiter != nil && !l.limiter.Allow(1) {
		conn.CloseWithError(1, "rate limited")
		return nil, ErrRateLimited
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "accept stream failed")
		return nil, err
	}
	return &Connection{conn: conn, stream: stream}, nil
}

func (l *Listener) Close() error {
	return l.listener.Close()
}

func (l *Listener) Addr() string {
	return l.listener.Addr().String()
}
