package denimchunk

import (
	"context"
	"math"
	"testing"

	"github.com/Deniable-IM/denim/internal/denimwire"
)

type fakeBuffer struct {
	guid    string
	payload []byte
	removed bool
}

func (f *fakeBuffer) GetOutgoingMessage(ctx context.Context) (string, []byte, error) {
	if f.removed || len(f.payload) == 0 {
		return "", nil, ErrNoOutgoingMessage
	}
	return f.guid, f.payload, nil
}

func (f *fakeBuffer) SetOutgoingMessage(ctx context.Context, fieldGUID string, remaining []byte) error {
	f.payload = remaining
	return nil
}

func (f *fakeBuffer) RemoveOutgoingMessage(ctx context.Context, fieldGUID string) error {
	f.removed = true
	f.payload = nil
	return nil
}

// TestCreateChunksNoMessages mirrors create_chunks_no_chunks: an empty
// buffer at a budget too small for even a Dummy chunk produces no chunks,
// and the leftover free space accounts for the whole budget (spec.md P1).
func TestCreateChunksNoMessages(t *testing.T) {
	buf := &fakeBuffer{guid: "m1"}
	chunks, free, err := CreateChunks(context.Background(), 0.6, 30.0, buf)
	if err != nil {
		t.Fatalf("CreateChunks: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks, got %d", len(chunks))
	}
	expected := int(math.Ceil(30.0 * 0.6))
	listSize := denimwire.SerializedChunksSize(chunks)
	if listSize+free != expected {
		t.Fatalf("listSize(%d) + free(%d) != expected(%d)", listSize, free, expected)
	}
}

// TestCreateChunksDummyChunk mirrors create_chunks_dummy_chunk: with an
// empty buffer and a larger budget exactly one Dummy chunk is produced.
func TestCreateChunksDummyChunk(t *testing.T) {
	buf := &fakeBuffer{guid: "m1"}
	chunks, free, err := CreateChunks(context.Background(), 0.6, 40.0, buf)
	if err != nil {
		t.Fatalf("CreateChunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if !chunks[0].IsDummy() {
		t.Fatalf("expected dummy chunk, got flag %d", chunks[0].Flag)
	}
	expected := int(math.Ceil(40.0 * 0.6))
	listSize := denimwire.SerializedChunksSize(chunks)
	if listSize+free != expected {
		t.Fatalf("listSize(%d) + free(%d) != expected(%d)", listSize, free, expected)
	}
}

// TestCreateChunksBudgetExact checks P1 directly: for a range of budgets
// the serialized chunk list plus leftover free space always equals exactly
// ceil(overtPayloadSize * q).
func TestCreateChunksBudgetExact(t *testing.T) {
	q := float32(0.6)
	for _, size := range []float32{1, 17, 30, 40, 100, 257} {
		buf := &fakeBuffer{guid: "m1", payload: []byte("some deniable content to chunk up across rounds")}
		chunks, free, err := CreateChunks(context.Background(), q, size, buf)
		if err != nil {
			t.Fatalf("CreateChunks(%v): %v", size, err)
		}
		expected := int(math.Ceil(float64(size * q)))
		got := denimwire.SerializedChunksSize(chunks) + free
		if got != expected {
			t.Fatalf("size=%v: got %d want %d", size, got, expected)
		}
	}
}

// TestCreateChunksFinalOnExactFit verifies a message that fits within a
// single chunk is emitted as Final and removed from the buffer.
func TestCreateChunksFinalOnExactFit(t *testing.T) {
	buf := &fakeBuffer{guid: "m1", payload: []byte("tiny")}
	chunks, _, err := CreateChunks(context.Background(), 0.9, 1000.0, buf)
	if err != nil {
		t.Fatalf("CreateChunks: %v", err)
	}
	found := false
	for _, c := range chunks {
		if c.IsFinal() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a Final chunk among %+v", chunks)
	}
	if !buf.removed {
		t.Fatal("expected message to be removed from buffer after Final chunk")
	}
}

func TestCreateOrderedChunksRankDecrements(t *testing.T) {
	payload := PendingPayload{Data: make([]byte, 50), Rank: 0}
	chunks, _, remaining := CreateOrderedChunks(0.6, 30.0, payload)
	for i, c := range chunks {
		if c.IsDummy() {
			continue
		}
		if c.IsData() {
			if c.Rank() > 0 {
				t.Fatalf("chunk %d: unexpected positive rank %d", i, c.Rank())
			}
		}
	}
	_ = remaining
}

func TestReassembleSingleRound(t *testing.T) {
	orig := denimwire.NewDeniablePreKeyRequest("alice")
	raw, err := denimwire.EncodeDeniablePayload(orig)
	if err != nil {
		t.Fatalf("EncodeDeniablePayload: %v", err)
	}

	chunks := []denimwire.Chunk{
		{Payload: raw[:2], Flag: 0},
		{Payload: raw[2:5], Flag: -1},
		{Payload: raw[5:], Flag: denimwire.FlagFinal},
	}

	payloads, pending, err := Reassemble(chunks, nil)
	if err != nil {
		t.Fatalf("Reassemble: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending chunks, got %d", len(pending))
	}
	if len(payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(payloads))
	}
	if payloads[0].Kind != denimwire.DeniableKindPreKeyRequest || payloads[0].PreKeyRequest.ServiceID != "alice" {
		t.Fatalf("unexpected payload: %+v", payloads[0])
	}
}

func TestReassembleOutOfOrderDataChunks(t *testing.T) {
	orig := denimwire.NewDeniablePreKeyRequest("bob-out-of-order")
	raw, err := denimwire.EncodeDeniablePayload(orig)
	if err != nil {
		t.Fatalf("EncodeDeniablePayload: %v", err)
	}
	if len(raw) < 6 {
		t.Fatalf("payload too short for test: %d", len(raw))
	}
	third := len(raw) / 3
	c0 := denimwire.Chunk{Payload: raw[:third], Flag: 0}
	cMinus1 := denimwire.Chunk{Payload: raw[third : 2*third], Flag: -1}
	final := denimwire.Chunk{Payload: raw[2*third:], Flag: denimwire.FlagFinal}

	// Shuffle arrival order: data chunks arrive out of rank order.
	chunks := []denimwire.Chunk{cMinus1, c0, final}

	payloads, _, err := Reassemble(chunks, nil)
	if err != nil {
		t.Fatalf("Reassemble: %v", err)
	}
	if len(payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(payloads))
	}
	if payloads[0].PreKeyRequest.ServiceID != "bob-out-of-order" {
		t.Fatalf("reassembly produced wrong payload: %+v", payloads[0])
	}
}

func TestReassembleDummyChunksIgnored(t *testing.T) {
	orig := denimwire.NewDeniablePreKeyRequest("carol")
	raw, err := denimwire.EncodeDeniablePayload(orig)
	if err != nil {
		t.Fatalf("EncodeDeniablePayload: %v", err)
	}

	chunks := []denimwire.Chunk{
		{Payload: make([]byte, 5), Flag: denimwire.FlagDummy},
		{Payload: raw, Flag: denimwire.FlagFinal},
		{Payload: make([]byte, 3), Flag: denimwire.FlagDummy},
	}

	payloads, pending, err := Reassemble(chunks, nil)
	if err != nil {
		t.Fatalf("Reassemble: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending, got %d", len(pending))
	}
	if len(payloads) != 1 || payloads[0].PreKeyRequest.ServiceID != "carol" {
		t.Fatalf("unexpected payloads: %+v", payloads)
	}
}

func TestReassembleUnterminatedLeavesPending(t *testing.T) {
	chunks := []denimwire.Chunk{
		{Payload: []byte("a"), Flag: 0},
		{Payload: []byte("b"), Flag: -1},
	}
	payloads, pending, err := Reassemble(chunks, nil)
	if err != nil {
		t.Fatalf("Reassemble: %v", err)
	}
	if len(payloads) != 0 {
		t.Fatalf("expected no complete payloads, got %d", len(payloads))
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending chunks carried forward, got %d", len(pending))
	}
}
