package availability

import (
	"context"
	"testing"
)

func TestNotifyCachedDeliversToRegisteredListener(t *testing.T) {
	reg := NewRegistry()
	listener := NewChannelListener(1)
	reg.AddListener("alice", 1, listener)

	ctx := context.Background()
	if !reg.NotifyCached(ctx, "alice", 1) {
		t.Fatal("expected notification to be delivered")
	}
	select {
	case <-listener.Cached:
	default:
		t.Fatal("expected a value on the Cached channel")
	}
}

func TestNotifyUnregisteredAddressIsNoop(t *testing.T) {
	reg := NewRegistry()
	if reg.NotifyCached(context.Background(), "nobody", 1) {
		t.Fatal("expected no delivery for an unregistered address")
	}
}

func TestRemoveListenerStopsNotifications(t *testing.T) {
	reg := NewRegistry()
	listener := NewChannelListener(1)
	reg.AddListener("alice", 1, listener)
	reg.RemoveListener("alice", 1)

	if reg.NotifyCached(context.Background(), "alice", 1) {
		t.Fatal("expected no delivery after RemoveListener")
	}
	if reg.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Count())
	}
}

func TestListenersAreScopedPerDevice(t *testing.T) {
	reg := NewRegistry()
	device1 := NewChannelListener(1)
	device2 := NewChannelListener(1)
	reg.AddListener("alice", 1, device1)
	reg.AddListener("alice", 2, device2)

	reg.NotifyPersisted(context.Background(), "alice", 1)

	select {
	case <-device1.Persisted:
	default:
		t.Fatal("expected device 1 to receive the notification")
	}
	select {
	case <-device2.Persisted:
		t.Fatal("device 2 must not receive device 1's notification")
	default:
	}
}

func TestChannelListenerNonBlockingWhenFull(t *testing.T) {
	listener := NewChannelListener(1)
	ctx := context.Background()

	if !listener.SendCached(ctx) {
		t.Fatal("expected first send to succeed")
	}
	if listener.SendCached(ctx) {
		t.Fatal("expected second send to a full channel to report failure, not block")
	}
}
