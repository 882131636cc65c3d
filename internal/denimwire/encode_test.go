package denimwire

import (
	"bytes"
	"testing"
)

// TestEncodingConstants pins EmptyChunkOverhead and EmptyVecOverhead against
// the actual encoder output, per spec.md P2: "Serialized sizes of an empty
// Chunk and of an empty chunk-list match the protocol constants used by the
// Chunker; a test MUST pin both values."
func TestEncodingConstants(t *testing.T) {
	empty := EncodeChunk(Chunk{})
	if len(empty) != EmptyChunkOverhead {
		t.Fatalf("EncodeChunk({}) = %d bytes, want EmptyChunkOverhead = %d", len(empty), EmptyChunkOverhead)
	}

	emptyList := EncodeChunkList(nil)
	if len(emptyList) != EmptyVecOverhead {
		t.Fatalf("EncodeChunkList(nil) = %d bytes, want EmptyVecOverhead = %d", len(emptyList), EmptyVecOverhead)
	}

	if got := SerializedChunksSize(nil); got != EmptyVecOverhead {
		t.Fatalf("SerializedChunksSize(nil) = %d, want %d", got, EmptyVecOverhead)
	}
}

func TestChunkRoundTrip(t *testing.T) {
	cases := []Chunk{
		{Payload: []byte("hello"), Flag: 0},
		{Payload: []byte("world"), Flag: -1},
		{Payload: nil, Flag: FlagDummy},
		{Payload: []byte("tail"), Flag: FlagFinal},
	}
	for _, c := range cases {
		encoded := EncodeChunk(c)
		list, err := DecodeChunkList(EncodeChunkList([]Chunk{c}))
		if err != nil {
			t.Fatalf("DecodeChunkList: %v", err)
		}
		if len(list) != 1 {
			t.Fatalf("expected 1 chunk, got %d", len(list))
		}
		got := list[0]
		if got.Flag != c.Flag || !bytes.Equal(got.Payload, c.Payload) {
			t.Fatalf("round trip mismatch: got %+v from %+v (raw %d bytes)", got, c, len(encoded))
		}
	}
}

func TestChunkClassification(t *testing.T) {
	if !(Chunk{Flag: FlagDummy}).IsDummy() {
		t.Fatal("expected dummy classification")
	}
	if !(Chunk{Flag: FlagFinal}).IsFinal() {
		t.Fatal("expected final classification")
	}
	if !(Chunk{Flag: 0}).IsData() {
		t.Fatal("expected rank-0 chunk classified as data")
	}
	if !(Chunk{Flag: -5}).IsData() {
		t.Fatal("expected negative-rank chunk classified as data")
	}
	if (Chunk{Flag: -5}).Rank() != -5 {
		t.Fatal("rank should mirror the flag value for data chunks")
	}
}

func TestDeniablePayloadRoundTrip(t *testing.T) {
	orig := NewDeniableEnvelope(&Envelope{
		Type:                 1,
		SourceServiceID:      "alice",
		SourceDeviceID:       1,
		DestinationServiceID: "bob",
		DestinationDeviceID:  2,
		Timestamp:            1700000000,
		Content:              []byte("ciphertext"),
	})
	encoded, err := EncodeDeniablePayload(orig)
	if err != nil {
		t.Fatalf("EncodeDeniablePayload: %v", err)
	}
	decoded, err := DecodeDeniablePayload(encoded)
	if err != nil {
		t.Fatalf("DecodeDeniablePayload: %v", err)
	}
	if decoded.Kind != DeniableKindEnvelope {
		t.Fatalf("expected envelope kind, got %v", decoded.Kind)
	}
	if decoded.Envelope.SourceServiceID != "alice" || decoded.Envelope.DestinationServiceID != "bob" {
		t.Fatalf("envelope fields lost in round trip: %+v", decoded.Envelope)
	}
	if !bytes.Equal(decoded.Envelope.Content, []byte("ciphertext")) {
		t.Fatalf("envelope content lost in round trip")
	}

	keyReq := NewDeniablePreKeyRequest("carol")
	encoded, err = EncodeDeniablePayload(keyReq)
	if err != nil {
		t.Fatalf("EncodeDeniablePayload(keyReq): %v", err)
	}
	decoded, err = DecodeDeniablePayload(encoded)
	if err != nil {
		t.Fatalf("DecodeDeniablePayload(keyReq): %v", err)
	}
	if decoded.Kind != DeniableKindPreKeyRequest || decoded.PreKeyRequest.ServiceID != "carol" {
		t.Fatalf("prekey request round trip mismatch: %+v", decoded)
	}
}

func TestDenimEnvelopeRoundTrip(t *testing.T) {
	q := float32(0.6)
	counter := uint32(7)
	env := DenimEnvelope{
		OvertPayload: OvertPayload{
			Kind: OvertKindSignalMessage,
			SignalMessage: &SignalMessage{
				Type:                      1,
				DestinationDeviceID:       1,
				DestinationRegistrationID: 42,
				Content:                   []byte("overt-ciphertext"),
			},
		},
		Chunks: []Chunk{
			{Payload: []byte("c1"), Flag: 0},
			{Payload: []byte("c2"), Flag: FlagFinal},
		},
		Counter: &counter,
		Q:       &q,
		Ballast: []byte{0, 0, 0, 0},
	}

	encoded, err := EncodeDenimEnvelope(env)
	if err != nil {
		t.Fatalf("EncodeDenimEnvelope: %v", err)
	}
	decoded, err := DecodeDenimEnvelope(encoded)
	if err != nil {
		t.Fatalf("DecodeDenimEnvelope: %v", err)
	}

	if decoded.Q == nil || *decoded.Q != q {
		t.Fatalf("q lost in round trip: %+v", decoded.Q)
	}
	if decoded.Counter == nil || *decoded.Counter != counter {
		t.Fatalf("counter lost in round trip: %+v", decoded.Counter)
	}
	if len(decoded.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(decoded.Chunks))
	}
	if !bytes.Equal(decoded.Ballast, env.Ballast) {
		t.Fatalf("ballast lost in round trip")
	}
	if decoded.OvertPayload.SignalMessage == nil || !bytes.Equal(decoded.OvertPayload.SignalMessage.Content, []byte("overt-ciphertext")) {
		t.Fatalf("overt payload lost in round trip")
	}
}

func TestDenimEnvelopeNoOptionalFields(t *testing.T) {
	env := DenimEnvelope{
		OvertPayload: OvertPayload{
			Kind:     OvertKindEnvelope,
			Envelope: &Envelope{SourceServiceID: "a", DestinationServiceID: "b"},
		},
	}
	encoded, err := EncodeDenimEnvelope(env)
	if err != nil {
		t.Fatalf("EncodeDenimEnvelope: %v", err)
	}
	decoded, err := DecodeDenimEnvelope(encoded)
	if err != nil {
		t.Fatalf("DecodeDenimEnvelope: %v", err)
	}
	if decoded.Q != nil || decoded.Counter != nil {
		t.Fatalf("expected nil optional fields, got q=%v counter=%v", decoded.Q, decoded.Counter)
	}
	if len(decoded.Chunks) != 0 {
		t.Fatalf("expected no chunks, got %d", len(decoded.Chunks))
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	if _, err := DecodeDeniablePayload([]byte{99}); err == nil {
		t.Fatal("expected error for unknown deniable payload tag")
	}
}
