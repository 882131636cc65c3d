// Package chunkbuffer is the per-device Incoming/Outgoing Chunk Buffer
// (spec.md §4.3): the raw store of DenIM Chunks a device has sent or is
// owed, keyed by device address and buffer role, before reassembly into
// deniable payloads. It is grounded on
// original_source/server/src/managers/denim/chunk_cache.go, which layers
// the same queue/metadata/index key scheme as the Buffer Store
// (internal/denimstore) on top of per-address, per-role queues.
package chunkbuffer

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/Deniable-IM/denim/internal/denimstore"
	"github.com/Deniable-IM/denim/internal/denimwire"
)

// Role distinguishes the two chunk buffers a device has: the chunks it has
// sent toward the server (Sender) and the chunks the server owes it
// (Receiver).
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

// ChunkBuffer stores DenimChunks per (address, role) queue atop a
// denimstore.Store, the same storage contract the Buffer Store uses.
type ChunkBuffer struct {
	store    denimstore.Store
	listenAt AvailabilityNotifier
}

// AvailabilityNotifier is notified whenever a new chunk lands in a buffer,
// so a connected device can be woken up immediately instead of waiting for
// its next poll (spec.md §4.6, mirroring notify_cached in the original).
type AvailabilityNotifier interface {
	NotifyCached(ctx context.Context, address string)
}

// NoopNotifier discards notifications; it's the default for callers that
// poll instead of push.
type NoopNotifier struct{}

func (NoopNotifier) NotifyCached(ctx context.Context, address string) {}

// New creates a ChunkBuffer. A nil notifier installs NoopNotifier.
func New(store denimstore.Store, notifier AvailabilityNotifier) *ChunkBuffer {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &ChunkBuffer{store: store, listenAt: notifier}
}

func keys(address string, deviceID uint32, role Role) denimstore.QueueKeys {
	return Keys(address, deviceID, role)
}

func lockKey(address string, deviceID uint32, role Role) string {
	return LockKey(address, deviceID, role)
}

// Keys names the Buffer Store keys backing address/deviceID's role queue.
// Exported so a background persister (daemon/persist) can target these
// queues without reaching into the buffer's internals.
func Keys(address string, deviceID uint32, role Role) denimstore.QueueKeys {
	suffix := fmt.Sprintf("{%s::%d}", address, deviceID)
	return denimstore.QueueKeys{
		Queue:      fmt.Sprintf("chunk_%s_queue::%s", role, suffix),
		Metadata:   fmt.Sprintf("chunk_%s_queue_metadata::%s", role, suffix),
		TotalIndex: fmt.Sprintf("chunk_%s_queue_index_key", role),
	}
}

// LockKey names the persist lock guarding address/deviceID's role queue.
func LockKey(address string, deviceID uint32, role Role) string {
	return fmt.Sprintf("chunk_%s_queue_persisting::{%s::%d}", role, address, deviceID)
}

// Insert appends a chunk to address/deviceID's role queue and notifies any
// listener for that address.
func (b *ChunkBuffer) Insert(ctx context.Context, address string, deviceID uint32, role Role, chunk denimwire.Chunk) (uint64, error) {
	value := denimwire.EncodeChunk(chunk)
	id, err := b.store.Insert(ctx, keys(address, deviceID, role), uuid.New().String(), value)
	if err != nil {
		return 0, fmt.Errorf("chunkbuffer: insert: %w", err)
	}
	b.listenAt.NotifyCached(ctx, address)
	return id, nil
}

// GetAll returns every chunk currently buffered for address/deviceID/role,
// oldest first.
func (b *ChunkBuffer) GetAll(ctx context.Context, address string, deviceID uint32, role Role) ([]denimwire.Chunk, error) {
	k := keys(address, deviceID, role)
	lk := lockKey(address, deviceID, role)
	var entries []denimstore.Entry
	for after := int64(-1); ; {
		page, err := b.store.GetValues(ctx, k.Queue, lk, after)
		if err != nil {
			return nil, fmt.Errorf("chunkbuffer: get values: %w", err)
		}
		entries = append(entries, page...)
		if len(page) < denimstore.PageSize {
			break
		}
		after = int64(page[len(page)-1].ID)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	chunks := make([]denimwire.Chunk, 0, len(entries))
	for _, e := range entries {
		chunk, err := denimwire.DecodeChunk(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("chunkbuffer: decode chunk %d: %w", e.ID, err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// DrainAll returns every chunk currently buffered for address/deviceID/role,
// oldest first, and removes them from the queue, mirroring the Incoming
// Chunk Buffer's drain_for_final operation (spec.md §4.3).
func (b *ChunkBuffer) DrainAll(ctx context.Context, address string, deviceID uint32, role Role) ([]denimwire.Chunk, error) {
	k := keys(address, deviceID, role)
	lk := lockKey(address, deviceID, role)
	var entries []denimstore.Entry
	for after := int64(-1); ; {
		page, err := b.store.GetValues(ctx, k.Queue, lk, after)
		if err != nil {
			return nil, fmt.Errorf("chunkbuffer: get values: %w", err)
		}
		entries = append(entries, page...)
		if len(page) < denimstore.PageSize {
			break
		}
		after = int64(page[len(page)-1].ID)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	chunks := make([]denimwire.Chunk, 0, len(entries))
	for _, e := range entries {
		chunk, err := denimwire.DecodeChunk(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("chunkbuffer: decode chunk %d: %w", e.ID, err)
		}
		chunks = append(chunks, chunk)
		if err := b.store.RemoveByID(ctx, k, e.ID); err != nil {
			return nil, fmt.Errorf("chunkbuffer: remove chunk %d: %w", e.ID, err)
		}
	}
	return chunks, nil
}
