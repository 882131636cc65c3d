package client

import (
	"encoding/json"
	"fmt"

	"github.com/Deniable-IM/denim/internal/cryptosession"
)

// sessionRecord is the JSON-encoded blob stored behind a
// cryptosession.SessionStore's opaque LoadSession/StoreSession record: the
// derived session keys plus the next counter to use for EncryptPayload, so
// a nonce is never reused across restarts.
type sessionRecord struct {
	PayloadKey [32]byte `json:"payload_key"`
	ControlKey [32]byte `json:"control_key"`
	IVBase     [12]byte `json:"iv_base"`
	Counter    uint32   `json:"counter"`
}

func encodeSessionRecord(keys *cryptosession.SessionKeys, counter uint32) []byte {
	rec := sessionRecord{
		PayloadKey: keys.PayloadKey,
		ControlKey: keys.ControlKey,
		IVBase:     keys.IVBase,
		Counter:    counter,
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		// Fixed-size arrays of plain bytes always marshal.
		panic(fmt.Sprintf("client: marshal session record: %v", err))
	}
	return encoded
}

func decodeSessionRecord(data []byte) (*cryptosession.SessionKeys, uint32, error) {
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, 0, fmt.Errorf("client: unmarshal session record: %w", err)
	}
	return &cryptosession.SessionKeys{
		PayloadKey: rec.PayloadKey,
		ControlKey: rec.ControlKey,
		IVBase:     rec.IVBase,
	}, rec.Counter, nil
}
