package cryptosession

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// ClientHello opens the deniable bootstrap handshake a client runs the
// first time it needs to establish a deniable session with an alias it has
// no prior deniable contact with (spec.md §4.7, KeyRequested state).
type ClientHello struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	ClientEph   string `json:"client_eph_pub"`
	ClientIDPub string `json:"client_id_pub"`
	Sig         string `json:"sig,omitempty"`
	TokenHMAC   string `json:"token_hmac,omitempty"`
}

// ServerHello answers a ClientHello.
type ServerHello struct {
	Type      string `json:"type"`
	ServerEph string `json:"server_eph_pub"`
	ServerID  string `json:"server_id_pub"`
	Sig       string `json:"sig,omitempty"`
}

// BootstrapKeys are the symmetric keys produced by the handshake, used to
// protect the prekey request/response exchange itself.
type BootstrapKeys struct {
	PayloadKey [32]byte
	IVBase     [12]byte
}

func serializeJSON(v any) []byte { b, _ := json.Marshal(v); return b }

func signTranscript(priv ed25519.PrivateKey, parts ...[]byte) string {
	msg := []byte("DENIM-HANDSHAKE|")
	for i, p := range parts {
		msg = append(msg, p...)
		if i+1 < len(parts) {
			msg = append(msg, '|')
		}
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg))
}

func verifyTranscript(pub ed25519.PublicKey, sigB64 string, parts ...[]byte) bool {
	msg := []byte("DENIM-HANDSHAKE|")
	for i, p := range parts {
		msg = append(msg, p...)
		if i+1 < len(parts) {
			msg = append(msg, '|')
		}
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

func deriveBootstrapKeys(shared []byte, transcript []byte) (BootstrapKeys, error) {
	salt := sha256.Sum256(transcript)
	h := hkdf.New(sha256.New, shared, salt[:], []byte("denim-bootstrap-keys"))
	var out [44]byte
	if _, err := io.ReadFull(h, out[:]); err != nil {
		return BootstrapKeys{}, err
	}
	var bk BootstrapKeys
	copy(bk.PayloadKey[:], out[:32])
	copy(bk.IVBase[:], out[32:44])
	return bk, nil
}

func computeTokenHMAC(secret, transcript []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(transcript)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ClientHandshake runs the client side of the deniable bootstrap handshake
// over rw, returning the derived BootstrapKeys.
func ClientHandshake(rw io.ReadWriter, sessionID string, clientIDPriv ed25519.PrivateKey, clientIDPub ed25519.PublicKey, tokenSecret []byte) (BootstrapKeys, error) {
	kp, err := GenerateX25519()
	if err != nil {
		return BootstrapKeys{}, err
	}
	clientEphB64 := base64.StdEncoding.EncodeToString(kp.PublicKey[:])
	clientIDB64 := base64.StdEncoding.EncodeToString(clientIDPub)

	ch := ClientHello{Type: "client_hello", SessionID: sessionID, ClientEph: clientEphB64, ClientIDPub: clientIDB64}
	ch.Sig = signTranscript(clientIDPriv, []byte("client"), []byte(sessionID), []byte(clientEphB64), []byte(clientIDB64))

	transcript := serializeJSON(ch)
	if len(tokenSecret) > 0 {
		ch.TokenHMAC = computeTokenHMAC(tokenSecret, transcript)
	}

	if err := json.NewEncoder(rw).Encode(&ch); err != nil {
		return BootstrapKeys{}, err
	}

	var sh ServerHello
	if err := json.NewDecoder(rw).Decode(&sh); err != nil {
		return BootstrapKeys{}, err
	}
	if sh.Type != "server_hello" {
		return BootstrapKeys{}, fmt.Errorf("cryptosession: unexpected message type %q", sh.Type)
	}

	srvPubB, _ := base64.StdEncoding.DecodeString(sh.ServerID)
	if sh.Sig != "" && len(srvPubB) == ed25519.PublicKeySize {
		if !verifyTranscript(ed25519.PublicKey(srvPubB), sh.Sig, []byte("server"), []byte(sessionID), []byte(sh.ServerEph), []byte(sh.ServerID)) {
			return BootstrapKeys{}, errors.New("cryptosession: server signature invalid")
		}
	}

	srvEphB, _ := base64.StdEncoding.DecodeString(sh.ServerEph)
	if len(srvEphB) != 32 {
		return BootstrapKeys{}, errors.New("cryptosession: malformed server ephemeral key")
	}
	var srvEph [32]byte
	copy(srvEph[:], srvEphB)
	shared := SharedSecret(&kp.PrivateKey, &srvEph)

	fullTranscript := append(transcript, serializeJSON(sh)...)
	return deriveBootstrapKeys(shared, fullTranscript)
}

// ServerHandshake runs the server side of the deniable bootstrap handshake.
func ServerHandshake(rw io.ReadWriter, sessionID string, serverIDPriv ed25519.PrivateKey, serverIDPub ed25519.PublicKey, tokenSecret []byte) (BootstrapKeys, error) {
	var ch ClientHello
	if err := json.NewDecoder(rw).Decode(&ch); err != nil {
		return BootstrapKeys{}, err
	}
	if ch.Type != "client_hello" {
		return BootstrapKeys{}, fmt.Errorf("cryptosession: unexpected message type %q", ch.Type)
	}
	if ch.SessionID != sessionID {
		return BootstrapKeys{}, errors.New("cryptosession: session id mismatch")
	}

	cliPubB, _ := base64.StdEncoding.DecodeString(ch.ClientIDPub)
	if ch.Sig != "" && len(cliPubB) == ed25519.PublicKeySize {
		if !verifyTranscript(ed25519.PublicKey(cliPubB), ch.Sig, []byte("client"), []byte(ch.SessionID), []byte(ch.ClientEph), []byte(ch.ClientIDPub)) {
			return BootstrapKeys{}, errors.New("cryptosession: client signature invalid")
		}
	}

	transcript := serializeJSON(ch)
	if len(tokenSecret) > 0 && ch.TokenHMAC != "" {
		expected := computeTokenHMAC(tokenSecret, transcript)
		if !strings.EqualFold(expected, ch.TokenHMAC) {
			return BootstrapKeys{}, errors.New("cryptosession: token binding invalid")
		}
	}

	kp, err := GenerateX25519()
	if err != nil {
		return BootstrapKeys{}, err
	}
	srvEphB64 := base64.StdEncoding.EncodeToString(kp.PublicKey[:])
	srvIDB64 := base64.StdEncoding.EncodeToString(serverIDPub)

	sh := ServerHello{Type: "server_hello", ServerEph: srvEphB64, ServerID: srvIDB64}
	sh.Sig = signTranscript(serverIDPriv, []byte("server"), []byte(ch.SessionID), []byte(srvEphB64), []byte(srvIDB64))

	if err := json.NewEncoder(rw).Encode(&sh); err != nil {
		return BootstrapKeys{}, err
	}

	cliEphB, _ := base64.StdEncoding.DecodeString(ch.ClientEph)
	if len(cliEphB) != 32 {
		return BootstrapKeys{}, errors.New("cryptosession: malformed client ephemeral key")
	}
	var cliEph [32]byte
	copy(cliEph[:], cliEphB)
	shared := SharedSecret(&kp.PrivateKey, &cliEph)

	fullTranscript := append(transcript, serializeJSON(sh)...)
	return deriveBootstrapKeys(shared, fullTranscript)
}
