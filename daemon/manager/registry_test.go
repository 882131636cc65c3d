package manager

import "testing"

func TestRegisterAndIsRegistered(t *testing.T) {
	r := NewRegistry()
	if r.IsRegistered("alice", 1) {
		t.Fatal("expected unregistered device to report false")
	}
	r.Register("alice", 1)
	if !r.IsRegistered("alice", 1) {
		t.Fatal("expected registered device to report true")
	}
}

func TestUnregisterRemovesDevice(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", 1)
	r.Register("alice", 2)
	r.Unregister("alice", 1)

	if r.IsRegistered("alice", 1) {
		t.Fatal("expected device 1 to be unregistered")
	}
	if !r.IsRegistered("alice", 2) {
		t.Fatal("expected device 2 to remain registered")
	}
}

func TestDevicesListsAllRegisteredIDs(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", 1)
	r.Register("alice", 2)

	devices := r.Devices("alice")
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
}

func TestUnregisterLastDeviceDropsAddress(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", 1)
	r.Unregister("alice", 1)
	if len(r.Devices("alice")) != 0 {
		t.Fatal("expected no devices left for alice")
	}
}
