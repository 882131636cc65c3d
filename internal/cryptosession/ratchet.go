package cryptosession

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	sessionInfoString = "denim-v1-session"
	hkdfOutputLength  = 76 // 32 PayloadKey + 32 ControlKey + 12 IVBase
)

// DeriveSessionKeys runs HKDF-SHA256 over an X25519 shared secret to
// produce independent keys for deniable payload content and control
// frames. bindingSalt ties the derived keys to a specific session context
// (for example a session's initial handshake transcript hash) so they
// cannot be replayed against a different session.
func DeriveSessionKeys(ourPrivate, theirPublic *[32]byte, bindingSalt []byte) (*SessionKeys, error) {
	if len(bindingSalt) != 32 {
		return nil, fmt.Errorf("cryptosession: binding salt must be 32 bytes, got %d", len(bindingSalt))
	}

	sharedSecret, err := X25519Exchange(ourPrivate, theirPublic)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: ecdh failed: %w", err)
	}

	hkdfReader := hkdf.New(sha256.New, sharedSecret[:], bindingSalt, []byte(sessionInfoString))

	keyMaterial := make([]byte, hkdfOutputLength)
	if _, err := io.ReadFull(hkdfReader, keyMaterial); err != nil {
		return nil, fmt.Errorf("cryptosession: hkdf expand failed: %w", err)
	}

	var keys SessionKeys
	copy(keys.PayloadKey[:], keyMaterial[0:32])
	copy(keys.ControlKey[:], keyMaterial[32:64])
	copy(keys.IVBase[:], keyMaterial[64:76])
	return &keys, nil
}

// EncryptPayload seals a deniable payload's plaintext bytes under the
// session's PayloadKey, binding the ciphertext to counter so chunks from
// different positions in the stream cannot be spliced together.
func EncryptPayload(keys *SessionKeys, counter uint32, aad, plaintext []byte) ([]byte, error) {
	nonce := DeriveChunkNonce(keys.IVBase, counter)
	return Seal(keys.PayloadKey[:], nonce[:], aad, plaintext)
}

// DecryptPayload is the inverse of EncryptPayload.
func DecryptPayload(keys *SessionKeys, counter uint32, aad, ciphertext []byte) ([]byte, error) {
	nonce := DeriveChunkNonce(keys.IVBase, counter)
	return Open(keys.PayloadKey[:], nonce[:], aad, ciphertext)
}
