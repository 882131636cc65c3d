package chunkbuffer

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Deniable-IM/denim/internal/denimstore"
	"github.com/Deniable-IM/denim/internal/denimwire"
)

type spyNotifier struct{ notified []string }

func (s *spyNotifier) NotifyCached(ctx context.Context, address string) {
	s.notified = append(s.notified, address)
}

func newTestBuffer(t *testing.T) (*ChunkBuffer, *spyNotifier) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	notifier := &spyNotifier{}
	return New(denimstore.NewRedisStore(rdb), notifier), notifier
}

func TestInsertGetAllOrdering(t *testing.T) {
	buf, notifier := newTestBuffer(t)
	ctx := context.Background()

	chunks := []denimwire.Chunk{
		{Flag: 0, Payload: []byte("first")},
		{Flag: -1, Payload: []byte("second")},
		{Flag: denimwire.FlagFinal, Payload: []byte("final")},
	}
	for _, c := range chunks {
		if _, err := buf.Insert(ctx, "alice", 1, RoleSender, c); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	got, err := buf.GetAll(ctx, "alice", 1, RoleSender)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	if string(got[0].Payload) != "first" || string(got[2].Payload) != "final" {
		t.Fatalf("chunks not returned in insertion order: %+v", got)
	}
	if len(notifier.notified) != 3 || notifier.notified[0] != "alice" {
		t.Fatalf("expected 3 notifications for alice, got %v", notifier.notified)
	}
}

func TestGetAllEmptyQueue(t *testing.T) {
	buf, _ := newTestBuffer(t)
	got, err := buf.GetAll(context.Background(), "bob", 2, RoleReceiver)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %v", got)
	}
}

func TestSenderAndReceiverBuffersAreDisjoint(t *testing.T) {
	buf, _ := newTestBuffer(t)
	ctx := context.Background()

	if _, err := buf.Insert(ctx, "alice", 1, RoleSender, denimwire.Chunk{Flag: 0, Payload: []byte("x")}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	receiverChunks, err := buf.GetAll(ctx, "alice", 1, RoleReceiver)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(receiverChunks) != 0 {
		t.Fatal("sender queue insert must not be visible from the receiver queue")
	}
}
