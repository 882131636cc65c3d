package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/Deniable-IM/denim/internal/denimchunk"
	"github.com/Deniable-IM/denim/internal/denimstore"
)

// outboundAdapter satisfies denimchunk.OutgoingPayloadBuffer on top of a
// denimstore.Store queue of buffered DeniablePayloads addressed to one
// device. Unlike the client's payloadqueue (a SQLite table the Chunker can
// update in place), the store's queue is an append-only sorted set, so the
// adapter tracks the one message currently being drained in memory and
// only touches the store when that message is exhausted (RemoveOutgoingMessage)
// or when it needs the next one (GetOutgoingMessage advances its cursor).
// This mirrors the reference Chunker's assumption that a buffer holds one
// message "in flight" at a time per destination.
type outboundAdapter struct {
	store   denimstore.Store
	keys    denimstore.QueueKeys
	lockKey string

	mu           sync.Mutex
	cursor       int64
	currentID    uint64
	currentGUID  string
	currentBytes []byte
	haveCurrent  bool
}

func newOutboundAdapter(store denimstore.Store, keys denimstore.QueueKeys, lockKey string) *outboundAdapter {
	return &outboundAdapter{store: store, keys: keys, lockKey: lockKey, cursor: -1}
}

func (a *outboundAdapter) GetOutgoingMessage(ctx context.Context) (string, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.haveCurrent {
		return a.currentGUID, a.currentBytes, nil
	}

	entries, err := a.store.GetValues(ctx, a.keys.Queue, a.lockKey, a.cursor)
	if err != nil {
		return "", nil, fmt.Errorf("manager: get outgoing message: %w", err)
	}
	if len(entries) == 0 {
		return "", nil, denimchunk.ErrNoOutgoingMessage
	}

	entry := entries[0]
	a.cursor = int64(entry.ID)
	a.currentID = entry.ID
	a.currentGUID = fmt.Sprintf("%d", entry.ID)
	a.currentBytes = entry.Payload
	a.haveCurrent = true
	return a.currentGUID, a.currentBytes, nil
}

func (a *outboundAdapter) SetOutgoingMessage(ctx context.Context, fieldGUID string, remaining []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if fieldGUID != a.currentGUID {
		return fmt.Errorf("manager: unknown field_guid %q", fieldGUID)
	}
	a.currentBytes = remaining
	return nil
}

func (a *outboundAdapter) RemoveOutgoingMessage(ctx context.Context, fieldGUID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if fieldGUID != a.currentGUID {
		return fmt.Errorf("manager: unknown field_guid %q", fieldGUID)
	}
	if err := a.store.RemoveByID(ctx, a.keys, a.currentID); err != nil {
		return fmt.Errorf("manager: remove outgoing message: %w", err)
	}
	a.haveCurrent = false
	a.currentGUID = ""
	a.currentBytes = nil
	return nil
}
