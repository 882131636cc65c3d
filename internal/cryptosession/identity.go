package cryptosession

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultPaths returns the default identity key paths under ~/.denim.
func DefaultPaths() (privPath, pubPath string, err error) {
	h, err := os.UserHomeDir()
	if err != nil {
		return "", "", err
	}
	dir := filepath.Join(h, ".denim")
	return filepath.Join(dir, "id_ed25519"), filepath.Join(dir, "id_ed25519.pub"), nil
}

// LoadOrCreate loads an ed25519 identity keypair from privPath/pubPath,
// generating and persisting a new one if neither exists. An empty privPath
// falls back to DefaultPaths.
func LoadOrCreate(privPath, pubPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if privPath == "" {
		p, u, err := DefaultPaths()
		if err != nil {
			return nil, nil, err
		}
		privPath, pubPath = p, u
	}
	if pubPath == "" {
		pubPath = privPath + ".pub"
	}

	priv, pub, err := load(privPath, pubPath)
	if err == nil {
		return priv, pub, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	if err := os.MkdirAll(filepath.Dir(privPath), 0o700); err != nil {
		return nil, nil, err
	}
	pub, priv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	if err := writeKeyFiles(privPath, pubPath, priv, pub); err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func load(privPath, pubPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pbytes, err := os.ReadFile(privPath)
	if err != nil {
		return nil, nil, err
	}
	ubytes, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, nil, err
	}
	priv, err := decodeKey(pbytes)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptosession: invalid private key: %w", err)
	}
	pub, err := decodePub(ubytes)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptosession: invalid public key: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize || len(pub) != ed25519.PublicKeySize {
		return nil, nil, errors.New("cryptosession: unexpected identity key sizes")
	}
	return priv, pub, nil
}

func writeKeyFiles(privPath, pubPath string, priv ed25519.PrivateKey, pub ed25519.PublicKey) error {
	if err := os.WriteFile(privPath, encodeKey(priv), 0o600); err != nil {
		return err
	}
	return os.WriteFile(pubPath, encodePub(pub), 0o644)
}

func encodeKey(k ed25519.PrivateKey) []byte { return []byte(base64.StdEncoding.EncodeToString(k)) }
func encodePub(k ed25519.PublicKey) []byte  { return []byte(base64.StdEncoding.EncodeToString(k)) }

func decodeKey(b []byte) (ed25519.PrivateKey, error) {
	dec, err := base64.StdEncoding.DecodeString(string(trimSpace(b)))
	if err != nil {
		return nil, err
	}
	return ed25519.PrivateKey(dec), nil
}

func decodePub(b []byte) (ed25519.PublicKey, error) {
	dec, err := base64.StdEncoding.DecodeString(string(trimSpace(b)))
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(dec), nil
}

func trimSpace(b []byte) []byte {
	i, j := 0, len(b)
	isSpace := func(c byte) bool { return c == ' ' || c == '\n' || c == '\r' || c == '\t' }
	for i < j && isSpace(b[i]) {
		i++
	}
	for j > i && isSpace(b[j-1]) {
		j--
	}
	return b[i:j]
}
