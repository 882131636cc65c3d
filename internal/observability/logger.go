package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("session_id", sessionID).Logger(),
	}
}

// WithPeer adds peer_id context to logger.
func (l *Logger) WithPeer(peerID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer_id", peerID).Logger(),
	}
}

// WithAccount adds account_id context to logger.
func (l *Logger) WithAccount(accountID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("account_id", accountID).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// ChunkEmitted logs a single chunk produced by the Chunker, classified by
// its flag (data/dummy/final).
func (l *Logger) ChunkEmitted(accountID string, deviceID uint32, kind string, size int) {
	l.logger.Debug().
		Str("account_id", accountID).
		Uint32("device_id", deviceID).
		Str("kind", kind).
		Int("size", size).
		Msg("deniable chunk emitted")
}

// PayloadReassembled logs a completed inbound deniable payload.
func (l *Logger) PayloadReassembled(accountID string, kind string, pendingChunks int) {
	l.logger.Info().
		Str("account_id", accountID).
		Str("payload_kind", kind).
		Int("pending_chunks_cleared", pendingChunks).
		Msg("deniable payload reassembled")
}

// PartialPayloadLost logs chunks that never reached a Final before the
// incoming buffer discarded them (spec.md §7 PartialPayloadLost).
func (l *Logger) PartialPayloadLost(accountID string, droppedChunks int, reason string) {
	l.logger.Warn().
		Str("account_id", accountID).
		Int("dropped_chunks", droppedChunks).
		Str("reason", reason).
		Msg("partial deniable payload lost")
}

// KeyRequestSent logs a deniable prekey request being queued for an alias
// the client has not yet established a deniable session with.
func (l *Logger) KeyRequestSent(alias string) {
	l.logger.Info().
		Str("alias", alias).
		Msg("deniable key request queued")
}

// DeniableSessionEstablished logs the client state machine reaching its
// terminal state for an alias.
func (l *Logger) DeniableSessionEstablished(alias string, stashedMessages int) {
	l.logger.Info().
		Str("alias", alias).
		Int("stashed_messages_drained", stashedMessages).
		Msg("deniable session established")
}

// BufferLocked logs a persist lock being acquired or held against a read.
func (l *Logger) BufferLocked(queueKey string, ttl time.Duration) {
	l.logger.Debug().
		Str("queue_key", queueKey).
		Dur("ttl", ttl).
		Msg("buffer persist lock held")
}

// BufferPersisted logs a completed migration from the cache tier to durable
// storage, firing alongside on_persisted (spec.md §4.6).
func (l *Logger) BufferPersisted(queueKey string, entries int, duration time.Duration) {
	l.logger.Info().
		Str("queue_key", queueKey).
		Int("entries", entries).
		Dur("duration", duration).
		Msg("buffer persisted to durable storage")
}

// DeniableDecryptFailed logs a deniable-channel decrypt failure. Per §7
// these are logged but never surfaced to the overt caller.
func (l *Logger) DeniableDecryptFailed(accountID string, err error) {
	l.logger.Error().
		Str("account_id", accountID).
		Err(err).
		Msg("deniable payload decrypt failed")
}

// ConnectionEstablished logs connection establishment.
func (l *Logger) ConnectionEstablished(remoteAddr string, connectionID string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("connection_id", connectionID).
		Msg("QUIC connection established")
}

// ConnectionFailed logs connection failure.
func (l *Logger) ConnectionFailed(remoteAddr string, err error) {
	l.logger.Error().
		Str("remote_addr", remoteAddr).
		Err(err).
		Msg("QUIC connection failed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
