package payloadqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/Deniable-IM/denim/internal/denimchunk"
)

func TestGetOutgoingMessageEmptyQueue(t *testing.T) {
	q, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()

	_, _, err = q.GetOutgoingMessage(context.Background())
	if !errors.Is(err, denimchunk.ErrNoOutgoingMessage) {
		t.Fatalf("expected ErrNoOutgoingMessage, got %v", err)
	}
}

func TestEnqueueGetFIFOOrder(t *testing.T) {
	q, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, []byte("first"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, []byte("second")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	gotID, payload, err := q.GetOutgoingMessage(ctx)
	if err != nil {
		t.Fatalf("GetOutgoingMessage: %v", err)
	}
	if gotID != id1 || string(payload) != "first" {
		t.Fatalf("expected oldest message first, got id=%s payload=%q", gotID, payload)
	}
}

func TestSetOutgoingMessageUpdatesRemainder(t *testing.T) {
	q, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte("0123456789"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.SetOutgoingMessage(ctx, id, []byte("56789")); err != nil {
		t.Fatalf("SetOutgoingMessage: %v", err)
	}

	gotID, payload, err := q.GetOutgoingMessage(ctx)
	if err != nil {
		t.Fatalf("GetOutgoingMessage: %v", err)
	}
	if gotID != id || string(payload) != "56789" {
		t.Fatalf("expected updated remainder, got id=%s payload=%q", gotID, payload)
	}
}

func TestRemoveOutgoingMessage(t *testing.T) {
	q, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.RemoveOutgoingMessage(ctx, id); err != nil {
		t.Fatalf("RemoveOutgoingMessage: %v", err)
	}

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty queue after removal, got %d", n)
	}
	if _, _, err := q.GetOutgoingMessage(ctx); !errors.Is(err, denimchunk.ErrNoOutgoingMessage) {
		t.Fatalf("expected ErrNoOutgoingMessage after removal, got %v", err)
	}
}

func TestSetOutgoingMessageEmptyGUIDInserts(t *testing.T) {
	q, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()
	ctx := context.Background()

	if err := q.SetOutgoingMessage(ctx, "", []byte("new message")); err != nil {
		t.Fatalf("SetOutgoingMessage: %v", err)
	}
	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one queued message, got %d", n)
	}
}
