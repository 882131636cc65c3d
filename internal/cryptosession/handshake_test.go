package cryptosession

import (
	"net"
	"testing"
)

func TestClientServerHandshakeDeriveMatchingKeys(t *testing.T) {
	clientIDPub, clientIDPriv, err := generateIdentityForTest()
	if err != nil {
		t.Fatalf("generate client identity: %v", err)
	}
	serverIDPub, serverIDPriv, err := generateIdentityForTest()
	if err != nil {
		t.Fatalf("generate server identity: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	const sessionID = "session-abc"
	tokenSecret := []byte("shared-bootstrap-token")

	type result struct {
		keys BootstrapKeys
		err  error
	}
	clientResult := make(chan result, 1)
	serverResult := make(chan result, 1)

	go func() {
		keys, err := ClientHandshake(clientConn, sessionID, clientIDPriv, clientIDPub, tokenSecret)
		clientResult <- result{keys, err}
	}()
	go func() {
		keys, err := ServerHandshake(serverConn, sessionID, serverIDPriv, serverIDPub, tokenSecret)
		serverResult <- result{keys, err}
	}()

	cr := <-clientResult
	sr := <-serverResult
	if cr.err != nil {
		t.Fatalf("ClientHandshake: %v", cr.err)
	}
	if sr.err != nil {
		t.Fatalf("ServerHandshake: %v", sr.err)
	}
	if cr.keys.PayloadKey != sr.keys.PayloadKey || cr.keys.IVBase != sr.keys.IVBase {
		t.Fatal("client and server derived different bootstrap keys")
	}
}

func TestServerHandshakeRejectsSessionIDMismatch(t *testing.T) {
	clientIDPub, clientIDPriv, _ := generateIdentityForTest()
	serverIDPub, serverIDPriv, _ := generateIdentityForTest()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := ClientHandshake(clientConn, "session-a", clientIDPriv, clientIDPub, nil)
		errCh <- err
	}()

	_, err := ServerHandshake(serverConn, "session-b", serverIDPriv, serverIDPub, nil)
	if err == nil {
		t.Fatal("expected session id mismatch error")
	}
	<-errCh
}

func generateIdentityForTest() (pub, priv []byte, err error) {
	kp, err := GenerateEd25519()
	if err != nil {
		return nil, nil, err
	}
	return kp.PublicKey, kp.PrivateKey, nil
}
