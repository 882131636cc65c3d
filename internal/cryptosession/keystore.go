package cryptosession

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const (
	argon2Time      = 3
	argon2Memory    = 65536
	argon2Threads   = 4
	argon2KeyLen    = 32
	saltSize        = 32
	keystoreVersion = 1
)

var ErrInvalidPassphrase = errors.New("cryptosession: invalid passphrase or corrupted keystore")

// SaveKey encrypts and writes an ed25519 private key to keystorePath. An
// empty passphrase stores the key unencrypted with a ".insecure" suffix,
// for local development only.
func SaveKey(privateKey []byte, keystorePath string, passphrase string) error {
	if len(privateKey) != 64 {
		return errors.New("cryptosession: ed25519 private key must be 64 bytes")
	}

	if err := os.MkdirAll(filepath.Dir(keystorePath), 0o700); err != nil {
		return fmt.Errorf("cryptosession: create keystore directory: %w", err)
	}

	var data []byte
	if passphrase == "" {
		data = privateKey
		keystorePath += ".insecure"
	} else {
		entry, err := encryptKey(privateKey, passphrase)
		if err != nil {
			return fmt.Errorf("cryptosession: encrypt key: %w", err)
		}
		data, err = json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return fmt.Errorf("cryptosession: marshal keystore entry: %w", err)
		}
	}

	if err := os.WriteFile(keystorePath, data, 0o600); err != nil {
		return fmt.Errorf("cryptosession: write keystore file: %w", err)
	}
	return nil
}

// ResolveKeystorePath returns the file SaveKey actually writes to for a
// given base path and passphrase, so a later LoadKey call against the same
// base path and passphrase finds it.
func ResolveKeystorePath(keystorePath, passphrase string) string {
	if passphrase == "" {
		return keystorePath + ".insecure"
	}
	return keystorePath
}

// LoadKey reads and, if necessary, decrypts an identity private key.
func LoadKey(keystorePath string, passphrase string) ([]byte, error) {
	data, err := os.ReadFile(keystorePath)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: read keystore file: %w", err)
	}

	if filepath.Ext(keystorePath) == ".insecure" {
		if len(data) != 64 {
			return nil, errors.New("cryptosession: invalid unencrypted keystore: expected 64 bytes")
		}
		return data, nil
	}

	var entry KeystoreEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("cryptosession: unmarshal keystore entry: %w", err)
	}
	privateKey, err := decryptKey(&entry, passphrase)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: decrypt key: %w", err)
	}
	return privateKey, nil
}

func encryptKey(privateKey []byte, passphrase string) (*KeystoreEntry, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	derivedKey := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext, err := Seal(derivedKey, nonce, nil, privateKey)
	if err != nil {
		return nil, err
	}

	return &KeystoreEntry{
		Version:       keystoreVersion,
		KDF:           "argon2id",
		Argon2Time:    argon2Time,
		Argon2Memory:  argon2Memory,
		Argon2Threads: argon2Threads,
		Salt:          salt,
		Nonce:         nonce,
		Ciphertext:    ciphertext,
	}, nil
}

func decryptKey(entry *KeystoreEntry, passphrase string) ([]byte, error) {
	if entry.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version: %d", entry.Version)
	}
	if entry.KDF != "argon2id" {
		return nil, fmt.Errorf("unsupported KDF: %s", entry.KDF)
	}

	derivedKey := argon2.IDKey(
		[]byte(passphrase),
		entry.Salt,
		uint32(entry.Argon2Time),
		uint32(entry.Argon2Memory),
		uint8(entry.Argon2Threads),
		argon2KeyLen,
	)

	plaintext, err := Open(derivedKey, entry.Nonce, nil, entry.Ciphertext)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	if len(plaintext) != 64 {
		return nil, errors.New("decrypted key has invalid size")
	}
	return plaintext, nil
}

// GetDefaultKeystorePath returns the default keystore directory:
// %APPDATA%\denim\keys on Windows, $XDG_DATA_HOME/denim/keys or
// ~/.local/share/denim/keys on Unix.
func GetDefaultKeystorePath() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "denim", "keys")
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "denim", "keys")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "denim", "keys")
}
