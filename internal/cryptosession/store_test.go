package cryptosession

import (
	"context"
	"testing"
)

func TestInMemorySessionStoreRoundTrip(t *testing.T) {
	identity, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	store := NewInMemorySessionStore(identity)
	ctx := context.Background()

	got, err := store.GetIdentityKeyPair(ctx)
	if err != nil {
		t.Fatalf("GetIdentityKeyPair: %v", err)
	}
	if !got.PublicKey.Equal(identity.PublicKey) {
		t.Fatal("returned identity does not match seeded identity")
	}

	if _, _, err := store.LoadSession(ctx, "alice"); err != nil {
		t.Fatalf("LoadSession (miss): %v", err)
	}
	if err := store.StoreSession(ctx, "alice", []byte("ratchet-state")); err != nil {
		t.Fatalf("StoreSession: %v", err)
	}
	record, ok, err := store.LoadSession(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("LoadSession (hit): ok=%v err=%v", ok, err)
	}
	if string(record) != "ratchet-state" {
		t.Fatalf("unexpected session record: %q", record)
	}
}

func TestInMemorySessionStoreTrustOnFirstUse(t *testing.T) {
	store := NewInMemorySessionStore(nil)
	ctx := context.Background()
	peer, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}

	trusted, err := store.IsTrusted(ctx, "bob", peer.PublicKey)
	if err != nil || !trusted {
		t.Fatalf("expected trust on first use, got trusted=%v err=%v", trusted, err)
	}

	if err := store.SaveIdentity(ctx, "bob", peer.PublicKey); err != nil {
		t.Fatalf("SaveIdentity: %v", err)
	}

	other, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	trusted, err = store.IsTrusted(ctx, "bob", other.PublicKey)
	if err != nil {
		t.Fatalf("IsTrusted: %v", err)
	}
	if trusted {
		t.Fatal("expected a different identity key for a known address to be untrusted")
	}
}

// TestDisjointStoresDoNotShareState exercises invariant I5: writing a
// deniable session for an address must never become visible through the
// overt store for the same address, and vice versa.
func TestDisjointStoresDoNotShareState(t *testing.T) {
	overtIdentity, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	deniableIdentity, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	stores := NewDisjointStores(overtIdentity, deniableIdentity)
	ctx := context.Background()

	const address = "alice"
	if err := stores.Deniable.StoreSession(ctx, address, []byte("deniable-ratchet-state")); err != nil {
		t.Fatalf("StoreSession (deniable): %v", err)
	}

	if _, ok, err := stores.Overt.LoadSession(ctx, address); err != nil {
		t.Fatalf("LoadSession (overt): %v", err)
	} else if ok {
		t.Fatal("deniable session state leaked into overt store")
	}

	overtID, err := stores.Overt.GetIdentityKeyPair(ctx)
	if err != nil {
		t.Fatalf("GetIdentityKeyPair (overt): %v", err)
	}
	deniableID, err := stores.Deniable.GetIdentityKeyPair(ctx)
	if err != nil {
		t.Fatalf("GetIdentityKeyPair (deniable): %v", err)
	}
	if overtID.PublicKey.Equal(deniableID.PublicKey) {
		t.Fatal("overt and deniable stores must use independent identity keys")
	}
}
