// Package cryptosession provides the session-layer cryptography DenIM needs
// around the double-ratchet library it deliberately does not replace
// (spec.md Non-goals): Ed25519 identity keys, X25519 ephemeral exchange,
// HKDF session key derivation, AES-256-GCM sealing, and a disjoint
// overt/deniable session store (spec.md §9, invariant I5).
package cryptosession

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidKeySize       = errors.New("cryptosession: key must be exactly 32 bytes for AES-256")
	ErrInvalidNonceSize     = errors.New("cryptosession: nonce must be exactly 12 bytes for GCM")
	ErrAuthenticationFailed = errors.New("cryptosession: authentication failed, ciphertext has been tampered with")
)

// Ed25519KeyPair is a long-lived identity keypair.
type Ed25519KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// X25519KeyPair is an ephemeral keypair used for a single key exchange.
type X25519KeyPair struct {
	PublicKey  [32]byte
	PrivateKey [32]byte
}

// SessionKeys holds the symmetric material derived from one X25519
// exchange: independent keys for deniable payload content and control
// frames, plus a base IV for deterministic nonce derivation.
type SessionKeys struct {
	PayloadKey [32]byte
	ControlKey [32]byte
	IVBase     [12]byte
}

// KeystoreEntry is an encrypted identity private key as stored on disk.
type KeystoreEntry struct {
	Version       int    `json:"version"`
	KDF           string `json:"kdf"`
	Argon2Time    int    `json:"argon2_time"`
	Argon2Memory  int    `json:"argon2_memory"`
	Argon2Threads int    `json:"argon2_threads"`
	Salt          []byte `json:"salt"`
	Nonce         []byte `json:"nonce"`
	Ciphertext    []byte `json:"ciphertext"`
}

// ComputeFingerprint returns a stable, printable fingerprint of an identity
// public key, used in logs and contact verification UI.
func ComputeFingerprint(publicKey ed25519.PublicKey) string {
	hash := sha256.Sum256(publicKey)
	return "SHA256:" + hex.EncodeToString(hash[:])
}

// Seal encrypts and authenticates plaintext with AES-256-GCM. aad should
// bind the ciphertext to its position (account, device, rank) to prevent
// reordering across deniable chunks.
func Seal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	if len(nonce) != 12 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidNonceSize, len(nonce))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: new gcm: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

// Open decrypts and verifies ciphertext produced by Seal.
func Open(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	if len(nonce) != 12 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidNonceSize, len(nonce))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: new gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return plaintext, nil
}

// GenerateEd25519 creates a fresh identity keypair.
func GenerateEd25519() (*Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: generate ed25519: %w", err)
	}
	return &Ed25519KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// GenerateX25519 creates a fresh ephemeral exchange keypair.
func GenerateX25519() (*X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := rand.Read(kp.PrivateKey[:]); err != nil {
		return nil, fmt.Errorf("cryptosession: generate x25519: %w", err)
	}
	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
	return &kp, nil
}

// X25519Exchange performs ECDH, rejecting degenerate all-zero output.
func X25519Exchange(ourPrivate, theirPublic *[32]byte) ([32]byte, error) {
	var sharedSecret [32]byte
	curve25519.ScalarMult(&sharedSecret, ourPrivate, theirPublic)

	var allZero byte
	for _, b := range sharedSecret {
		allZero |= b
	}
	if allZero == 0 {
		return sharedSecret, errors.New("cryptosession: x25519 exchange produced all-zero shared secret")
	}
	return sharedSecret, nil
}

// SharedSecret is a convenience wrapper around X25519Exchange for callers
// that have already validated their inputs and want a []byte.
func SharedSecret(ourPrivate, theirPublic *[32]byte) []byte {
	secret, err := X25519Exchange(ourPrivate, theirPublic)
	if err != nil {
		return make([]byte, 32)
	}
	return secret[:]
}

// DeriveNonce produces a deterministic 12-byte nonce by XORing the low 8
// bytes of ivBase with counter. Distinct counters under the same ivBase
// never collide as long as the counter itself never repeats.
func DeriveNonce(ivBase [12]byte, counter uint64) [12]byte {
	var nonce [12]byte
	var counterBytes [8]byte
	binary.LittleEndian.PutUint64(counterBytes[:], counter)
	for i := 0; i < 8; i++ {
		nonce[i] = ivBase[i] ^ counterBytes[i]
	}
	copy(nonce[8:12], ivBase[8:12])
	return nonce
}

// DeriveChunkNonce derives a nonce for the chunk at rank/index chunkIndex.
func DeriveChunkNonce(ivBase [12]byte, chunkIndex uint32) [12]byte {
	return DeriveNonce(ivBase, uint64(chunkIndex))
}

// DeriveControlNonce derives a nonce for a control frame, offset into the
// upper half of the counter space so it never collides with chunk nonces.
func DeriveControlNonce(ivBase [12]byte, messageCounter uint32) [12]byte {
	const controlOffset = uint64(1) << 63
	return DeriveNonce(ivBase, controlOffset|uint64(messageCounter))
}
