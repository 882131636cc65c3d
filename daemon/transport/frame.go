// Package transport carries DenIM's wire envelopes over QUIC. It is
// grounded on the teacher's daemon/transport/quic_connection.go connection
// wrapper and control_stream.go's length-prefixed binary framing, with the
// file-transfer-specific control message types (manifest signing, FEC
// updates, chunk-have requests) dropped since DenIM has no independent
// lossy channel or file manifest to negotiate (spec.md Non-goals).
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Deniable-IM/denim/internal/denimwire"
)

// MaxFrameSize bounds a single envelope frame to defend against a peer
// claiming an unbounded length prefix.
const MaxFrameSize = 16 << 20 // 16 MiB

var ErrFrameTooLarge = errors.New("transport: frame exceeds MaxFrameSize")

// WriteEnvelope writes env to w as a 4-byte big-endian length prefix
// followed by its encoded bytes, the same two-step framing the teacher's
// control stream uses for every message type.
func WriteEnvelope(w io.Writer, env denimwire.DenimEnvelope) error {
	data, err := denimwire.EncodeDenimEnvelope(env)
	if err != nil {
		return fmt.Errorf("transport: encode envelope: %w", err)
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("transport: write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("transport: write envelope body: %w", err)
	}
	return nil
}

// ReadEnvelope reads one length-prefixed DenimEnvelope frame from r.
func ReadEnvelope(r io.Reader) (denimwire.DenimEnvelope, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return denimwire.DenimEnvelope{}, fmt.Errorf("transport: read length prefix: %w", err)
	}
	if length > MaxFrameSize {
		return denimwire.DenimEnvelope{}, ErrFrameTooLarge
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return denimwire.DenimEnvelope{}, fmt.Errorf("transport: read envelope body: %w", err)
	}
	env, err := denimwire.DecodeDenimEnvelope(data)
	if err != nil {
		return denimwire.DenimEnvelope{}, fmt.Errorf("transport: decode envelope: %w", err)
	}
	return env, nil
}
