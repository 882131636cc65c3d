package manager

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Deniable-IM/denim/internal/chunkbuffer"
	"github.com/Deniable-IM/denim/internal/denimstore"
	"github.com/Deniable-IM/denim/internal/denimwire"
)

type stubPrekeys struct {
	response *denimwire.PreKeyResponse
	err      error
}

func (s *stubPrekeys) Resolve(ctx context.Context, serviceID string) (*denimwire.PreKeyResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.response, nil
}

type recordingOvert struct{ routed []denimwire.OvertPayload }

func (r *recordingOvert) RouteOvert(ctx context.Context, payload denimwire.OvertPayload) error {
	r.routed = append(r.routed, payload)
	return nil
}

func newTestManager(t *testing.T) *DenIMManager {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := denimstore.NewRedisStore(rdb)
	chunks := chunkbuffer.New(store, nil)
	registry := NewRegistry()
	return New(store, chunks, registry, &stubPrekeys{}, nil, nil, 0.6)
}

func encodedSignalPayload(t *testing.T, content string) []byte {
	t.Helper()
	payload := denimwire.NewDeniableSignalMessage(&denimwire.SignalMessage{
		Type:                1,
		DestinationDeviceID: 1,
		Content:             []byte(content),
	})
	data, err := denimwire.EncodeDeniablePayload(payload)
	if err != nil {
		t.Fatalf("EncodeDeniablePayload: %v", err)
	}
	return data
}

func TestOnInboundDenimRoutesSignalMessageToDestination(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.registry.Register("bob", 1)

	data := encodedSignalPayload(t, "hello bob")

	env := denimwire.DenimEnvelope{
		OvertPayload: denimwire.OvertPayload{
			Kind:          denimwire.OvertKindSignalMessage,
			SignalMessage: &denimwire.SignalMessage{Content: []byte("overt")},
		},
		Chunks: []denimwire.Chunk{
			{Flag: denimwire.FlagFinal, Payload: data},
		},
	}

	if err := m.OnInboundDenim(ctx, "alice", 1, env); err != nil {
		t.Fatalf("OnInboundDenim: %v", err)
	}

	buffer := m.outboundBuffer("bob", 1)
	guid, payload, err := buffer.GetOutgoingMessage(ctx)
	if err != nil {
		t.Fatalf("GetOutgoingMessage: %v", err)
	}
	if guid == "" {
		t.Fatal("expected a non-empty field guid")
	}
	decoded, err := denimwire.DecodeDeniablePayload(payload)
	if err != nil {
		t.Fatalf("DecodeDeniablePayload: %v", err)
	}
	if decoded.Kind != denimwire.DeniableKindEnvelope {
		t.Fatalf("expected an Envelope payload, got kind %d", decoded.Kind)
	}
	if string(decoded.Envelope.Content) != "hello bob" {
		t.Fatalf("unexpected envelope content: %q", decoded.Envelope.Content)
	}
}

func TestOnInboundDenimRoutesOvertPayload(t *testing.T) {
	m := newTestManager(t)
	overt := &recordingOvert{}
	m.overt = overt
	ctx := context.Background()

	env := denimwire.DenimEnvelope{
		OvertPayload: denimwire.OvertPayload{
			Kind:          denimwire.OvertKindSignalMessage,
			SignalMessage: &denimwire.SignalMessage{Content: []byte("overt body")},
		},
		Chunks: []denimwire.Chunk{
			{Flag: denimwire.FlagDummy, Payload: make([]byte, 4)},
		},
	}

	if err := m.OnInboundDenim(ctx, "alice", 1, env); err != nil {
		t.Fatalf("OnInboundDenim: %v", err)
	}
	if len(overt.routed) != 1 {
		t.Fatalf("expected overt payload routed once, got %d", len(overt.routed))
	}
}

func TestOnInboundDenimDropsDummyChunks(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	env := denimwire.DenimEnvelope{
		OvertPayload: denimwire.OvertPayload{Kind: denimwire.OvertKindSignalMessage, SignalMessage: &denimwire.SignalMessage{}},
		Chunks: []denimwire.Chunk{
			{Flag: denimwire.FlagDummy, Payload: make([]byte, 8)},
		},
	}
	if err := m.OnInboundDenim(ctx, "alice", 1, env); err != nil {
		t.Fatalf("OnInboundDenim: %v", err)
	}

	stored, err := m.GetIncomingChunks(ctx, "alice", 1)
	if err != nil {
		t.Fatalf("GetIncomingChunks: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("expected dummy chunk to be dropped, got %d stored", len(stored))
	}
}

func TestOnInboundDenimBuffersPartialDataChunksUntilFinal(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.registry.Register("bob", 1)

	data := encodedSignalPayload(t, "split across chunks")
	half := len(data) / 2

	overt := denimwire.OvertPayload{Kind: denimwire.OvertKindSignalMessage, SignalMessage: &denimwire.SignalMessage{}}

	first := denimwire.DenimEnvelope{
		OvertPayload: overt,
		Chunks:       []denimwire.Chunk{{Flag: 0, Payload: data[:half]}},
	}
	if err := m.OnInboundDenim(ctx, "alice", 1, first); err != nil {
		t.Fatalf("first OnInboundDenim: %v", err)
	}

	stored, err := m.GetIncomingChunks(ctx, "alice", 1)
	if err != nil {
		t.Fatalf("GetIncomingChunks: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected the partial data chunk to remain buffered, got %d", len(stored))
	}

	second := denimwire.DenimEnvelope{
		OvertPayload: overt,
		Chunks:       []denimwire.Chunk{{Flag: denimwire.FlagFinal, Payload: data[half:]}},
	}
	if err := m.OnInboundDenim(ctx, "alice", 1, second); err != nil {
		t.Fatalf("second OnInboundDenim: %v", err)
	}

	buffer := m.outboundBuffer("bob", 1)
	_, payload, err := buffer.GetOutgoingMessage(ctx)
	if err != nil {
		t.Fatalf("GetOutgoingMessage: %v", err)
	}
	decoded, err := denimwire.DecodeDeniablePayload(payload)
	if err != nil {
		t.Fatalf("DecodeDeniablePayload: %v", err)
	}
	if string(decoded.Envelope.Content) != "split across chunks" {
		t.Fatalf("unexpected reassembled content: %q", decoded.Envelope.Content)
	}
}

func TestOnInboundDenimKeyRequestRepliesToSender(t *testing.T) {
	m := newTestManager(t)
	m.prekeys = &stubPrekeys{response: &denimwire.PreKeyResponse{ServiceID: "bob"}}
	ctx := context.Background()

	payload := denimwire.NewDeniablePreKeyRequest("bob")
	data, err := denimwire.EncodeDeniablePayload(payload)
	if err != nil {
		t.Fatalf("EncodeDeniablePayload: %v", err)
	}

	env := denimwire.DenimEnvelope{
		OvertPayload: denimwire.OvertPayload{Kind: denimwire.OvertKindSignalMessage, SignalMessage: &denimwire.SignalMessage{}},
		Chunks:       []denimwire.Chunk{{Flag: denimwire.FlagFinal, Payload: data}},
	}
	if err := m.OnInboundDenim(ctx, "alice", 1, env); err != nil {
		t.Fatalf("OnInboundDenim: %v", err)
	}

	buffer := m.outboundBuffer("alice", 1)
	_, respPayload, err := buffer.GetOutgoingMessage(ctx)
	if err != nil {
		t.Fatalf("GetOutgoingMessage: %v", err)
	}
	decoded, err := denimwire.DecodeDeniablePayload(respPayload)
	if err != nil {
		t.Fatalf("DecodeDeniablePayload: %v", err)
	}
	if decoded.Kind != denimwire.DeniableKindPreKeyResponse {
		t.Fatalf("expected a PreKeyResponse payload, got kind %d", decoded.Kind)
	}
}

func TestOnInboundDenimTracksConnectionQ(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	q := float32(0.8)

	env := denimwire.DenimEnvelope{
		OvertPayload: denimwire.OvertPayload{Kind: denimwire.OvertKindSignalMessage, SignalMessage: &denimwire.SignalMessage{}},
		Q:            &q,
	}
	if err := m.OnInboundDenim(ctx, "alice", 1, env); err != nil {
		t.Fatalf("OnInboundDenim: %v", err)
	}
	if got := m.CurrentQ("alice"); got != q {
		t.Fatalf("CurrentQ = %v, want %v", got, q)
	}
	if got := m.CurrentQ("unseen"); got != 0.6 {
		t.Fatalf("CurrentQ default = %v, want 0.6", got)
	}
}

func TestBuildOutboundDenimProducesDummiesWhenQueueEmpty(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	chunks, err := m.BuildOutboundDenim(ctx, "bob", 1, 100)
	if err != nil {
		t.Fatalf("BuildOutboundDenim: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one dummy chunk to fill the budget")
	}
	for _, c := range chunks {
		if !c.IsDummy() {
			t.Fatalf("expected only dummy chunks with an empty queue, got flag %d", c.Flag)
		}
	}
}

func TestBuildOutboundDenimDrainsQueuedPayload(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.enqueueForDevice(ctx, "bob", 1, denimwire.NewDeniableSignalMessage(&denimwire.SignalMessage{Content: []byte("queued")})); err != nil {
		t.Fatalf("enqueueForDevice: %v", err)
	}

	chunks, err := m.BuildOutboundDenim(ctx, "bob", 1, 200)
	if err != nil {
		t.Fatalf("BuildOutboundDenim: %v", err)
	}

	foundData := false
	for _, c := range chunks {
		if c.IsData() || c.IsFinal() {
			foundData = true
		}
	}
	if !foundData {
		t.Fatal("expected at least one non-dummy chunk carrying the queued payload")
	}
}

func TestEnqueueForDestinationUnknownAccountFails(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	err := m.enqueueForDestination(ctx, "ghost", denimwire.NewDeniableSignalMessage(&denimwire.SignalMessage{}))
	if err == nil {
		t.Fatal("expected an error for an unregistered destination")
	}
}
