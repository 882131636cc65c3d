// Package denimchunk implements the Chunker: it slices an outgoing
// deniable payload byte stream into wire Chunks that fit an exact q-budget,
// and reassembles an inbound chunk stream back into payloads (spec.md §4.1).
package denimchunk

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Deniable-IM/denim/internal/denimwire"
)

// ErrNoOutgoingMessage is returned by an OutgoingPayloadBuffer when it has
// nothing queued. CreateChunks treats this the same as an empty message:
// the resulting chunk is a Dummy.
var ErrNoOutgoingMessage = errors.New("denimchunk: no outgoing message")

// OutgoingPayloadBuffer is the capability the Chunker needs from the
// Outgoing Payload Buffer (spec.md §4.2) to pull the next message and push
// back whatever of it didn't fit this round. It is satisfied structurally
// by internal/payloadqueue's implementation; defining it here instead of
// importing that package avoids a cycle (the Chunker is a pure algorithm,
// the queue is stateful storage).
type OutgoingPayloadBuffer interface {
	// GetOutgoingMessage returns the field_guid and bytes of the
	// oldest not-fully-consumed message, or ErrNoOutgoingMessage if the
	// buffer is empty.
	GetOutgoingMessage(ctx context.Context) (fieldGUID string, payload []byte, err error)

	// SetOutgoingMessage replaces the remaining bytes of fieldGUID (the
	// unconsumed tail after this round's chunking). An empty remainder
	// is a no-op from the Chunker's perspective; RemoveOutgoingMessage is
	// called separately once a message is fully drained.
	SetOutgoingMessage(ctx context.Context, fieldGUID string, remaining []byte) error

	// RemoveOutgoingMessage drops a fully-consumed message.
	RemoveOutgoingMessage(ctx context.Context, fieldGUID string) error
}

// CreateChunks fills up to the q-derived budget for overtPayloadSize by
// repeatedly pulling from buffer, mirroring the reference
// Chunker::create_chunks loop: each iteration recomputes free space from the
// actual serialized size of the chunks accumulated so far, so the budget is
// hit exactly rather than estimated (spec.md P1).
//
// It returns the chunks produced and the leftover free space (always
// strictly less than denimwire.EmptyChunkOverhead, since a chunk of at least
// that overhead could still have been appended). The serialized chunk list
// plus the leftover equals the budget; a budget smaller than
// denimwire.EmptyVecOverhead yields no chunks and a negative leftover.
//
// Every Data chunk it emits carries flag 0: the buffer keeps no rank, so the
// Data chunks of one payload are not numbered 0, -1, -2, ... and are told
// apart only by the order in which they are emitted.
func CreateChunks(ctx context.Context, q float32, overtPayloadSize float32, buffer OutgoingPayloadBuffer) ([]denimwire.Chunk, int, error) {
	var chunks []denimwire.Chunk

	totalFreeSpace := ceilBudget(overtPayloadSize, q)
	freeSpace := totalFreeSpace - denimwire.EmptyVecOverhead

	for freeSpace >= denimwire.EmptyChunkOverhead {
		chunkSize := freeSpace - denimwire.EmptyChunkOverhead

		fieldGUID, payload, err := buffer.GetOutgoingMessage(ctx)
		if err != nil && !errors.Is(err, ErrNoOutgoingMessage) {
			return nil, 0, fmt.Errorf("denimchunk: get outgoing message: %w", err)
		}

		var next denimwire.Chunk
		switch {
		case len(payload) > 0 && chunkSize != 0 && len(payload) <= chunkSize:
			next = denimwire.Chunk{Payload: payload, Flag: denimwire.FlagFinal}
			if err := buffer.RemoveOutgoingMessage(ctx, fieldGUID); err != nil {
				return nil, 0, fmt.Errorf("denimchunk: remove outgoing message: %w", err)
			}
		case len(payload) > 0 && chunkSize != 0:
			next = denimwire.Chunk{Payload: payload[:chunkSize], Flag: 0}
			remainder := append([]byte(nil), payload[chunkSize:]...)
			if err := buffer.SetOutgoingMessage(ctx, fieldGUID, remainder); err != nil {
				return nil, 0, fmt.Errorf("denimchunk: set outgoing message: %w", err)
			}
		default:
			next = denimwire.Chunk{Payload: make([]byte, chunkSize), Flag: denimwire.FlagDummy}
		}

		chunks = append(chunks, next)
		freeSpace = totalFreeSpace - denimwire.SerializedChunksSize(chunks)
	}

	return chunks, freeSpace, nil
}

// PendingPayload is an in-flight payload awaiting further chunking rounds:
// the bytes not yet sliced off, and the rank the next data chunk carved from
// it should carry.
type PendingPayload struct {
	Data []byte
	Rank int32
}

// CreateOrderedChunks is the pure counterpart to CreateChunks: it operates
// directly on a single payload's bytes rather than pulling from a buffer,
// used when a caller already knows exactly which payload it wants chunked
// (for example the Server DenIM Manager routing a freshly-queued message).
// It mirrors Chunker::create_ordered_chunks.
func CreateOrderedChunks(q float32, overtPayloadSize float32, payload PendingPayload) ([]denimwire.Chunk, int, PendingPayload) {
	var chunks []denimwire.Chunk

	data := payload.Data
	rank := payload.Rank

	totalFreeSpace := ceilBudget(overtPayloadSize, q)
	freeSpace := totalFreeSpace - denimwire.EmptyVecOverhead

	for freeSpace >= denimwire.EmptyChunkOverhead {
		chunkSize := freeSpace - denimwire.EmptyChunkOverhead

		var next denimwire.Chunk
		switch {
		case len(data) > 0 && chunkSize != 0 && len(data) <= chunkSize:
			next = denimwire.Chunk{Payload: data, Flag: denimwire.FlagFinal}
			data = nil
		case len(data) > 0 && chunkSize != 0:
			next = denimwire.Chunk{Payload: data[:chunkSize], Flag: denimwire.ChunkFlag(rank)}
			rank--
			data = data[chunkSize:]
		default:
			next = denimwire.Chunk{Payload: make([]byte, chunkSize), Flag: denimwire.FlagDummy}
		}

		chunks = append(chunks, next)
		freeSpace = totalFreeSpace - denimwire.SerializedChunksSize(chunks)
	}

	return chunks, freeSpace, PendingPayload{Data: data, Rank: rank}
}

func ceilBudget(overtPayloadSize, q float32) int {
	raw := overtPayloadSize * q
	budget := int(raw)
	if float32(budget) < raw {
		budget++
	}
	return budget
}

// Reassemble consumes an inbound chunk stream and extracts every complete
// payload found in it, mirroring DenIMManager::create_deniable_payloads:
// Dummy chunks are discarded, Data chunks accumulate into pending, and a
// Final chunk closes out the accumulated run — sorted by descending rank
// (rank 0 first) before being concatenated with the Final chunk's bytes and
// decoded. Chunks left over without a closing Final are returned as the new
// pending set for the next round (spec.md §4.3, P3/P4).
func Reassemble(chunks []denimwire.Chunk, pending []denimwire.Chunk) ([]denimwire.DeniablePayload, []denimwire.Chunk, error) {
	payloads := make([]denimwire.DeniablePayload, 0)
	pending = append([]denimwire.Chunk(nil), pending...)

	for _, c := range chunks {
		switch {
		case c.IsDummy():
			continue
		case c.IsFinal():
			sort.SliceStable(pending, func(i, j int) bool {
				return pending[i].Rank() > pending[j].Rank()
			})
			var raw []byte
			for _, p := range pending {
				raw = append(raw, p.Payload...)
			}
			raw = append(raw, c.Payload...)

			payload, err := denimwire.DecodeDeniablePayload(raw)
			if err != nil {
				return payloads, nil, fmt.Errorf("denimchunk: reassembled payload: %w", err)
			}
			payloads = append(payloads, payload)
			pending = pending[:0]
		case c.IsData():
			pending = append(pending, c)
		default:
			return payloads, pending, fmt.Errorf("denimchunk: unsupported chunk flag %d", c.Flag)
		}
	}

	return payloads, pending, nil
}
