// Command denim-client runs a standalone DenIM client: it maintains one
// QUIC connection to a denim-server, drives the Client DenIM State machine
// (spec.md §4.7) for an optional one-shot send, and prints whatever arrives
// on the overt and deniable channels. Flag handling follows the teacher's
// small single-purpose binaries (backend/cmd/quic_send, backend/cmd/quic_recv).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Deniable-IM/denim/client"
	"github.com/Deniable-IM/denim/internal/cryptosession"
	"github.com/Deniable-IM/denim/internal/denimwire"
	"github.com/Deniable-IM/denim/internal/observability"
	"github.com/Deniable-IM/denim/internal/payloadqueue"
	"github.com/Deniable-IM/denim/internal/quicutil"
	"github.com/Deniable-IM/denim/internal/validation"
)

var (
	serverAddr       string
	ownAddress       string
	overtKeystore    string
	deniableKeystore string
	passphrase       string
	statePath        string
	queuePath        string
	defaultQ         float64

	sendAlias string
	sendTo    string
	sendText  string
)

func main() {
	flag.StringVar(&serverAddr, "server", "127.0.0.1:4433", "denim-server QUIC address")
	flag.StringVar(&ownAddress, "address", "", "this client's own service id")
	flag.StringVar(&overtKeystore, "overt-keystore", "", "path to the overt identity keystore")
	flag.StringVar(&deniableKeystore, "deniable-keystore", "", "path to the deniable identity keystore")
	flag.StringVar(&passphrase, "passphrase", "", "passphrase protecting both keystores")
	flag.StringVar(&statePath, "state", "", "path to the client state database (empty uses an in-memory store)")
	flag.StringVar(&queuePath, "queue", "", "path to the outgoing payload queue database (empty uses an in-memory store)")
	flag.Float64Var(&defaultQ, "q", 0.6, "default deniable bandwidth ratio before the server broadcasts one")

	flag.StringVar(&sendAlias, "send-alias", "", "alias of the deniable contact to message, for a one-shot send")
	flag.StringVar(&sendTo, "send-to", "", "service id of the deniable contact to message, for a one-shot send")
	flag.StringVar(&sendText, "send-text", "", "plaintext to send deniably, for a one-shot send")
	flag.Parse()

	if ownAddress == "" || overtKeystore == "" || deniableKeystore == "" {
		fmt.Fprintln(os.Stderr, "denim-client: -address, -overt-keystore and -deniable-keystore are required")
		os.Exit(2)
	}
	if err := validation.ValidateServiceID(ownAddress); err != nil {
		fmt.Fprintln(os.Stderr, "denim-client: -address:", err)
		os.Exit(2)
	}
	if err := validation.ValidateFilePath(overtKeystore, false); err != nil {
		fmt.Fprintln(os.Stderr, "denim-client: -overt-keystore:", err)
		os.Exit(2)
	}
	if err := validation.ValidateFilePath(deniableKeystore, false); err != nil {
		fmt.Fprintln(os.Stderr, "denim-client: -deniable-keystore:", err)
		os.Exit(2)
	}
	if sendTo != "" {
		if err := validation.ValidateServiceID(sendTo); err != nil {
			fmt.Fprintln(os.Stderr, "denim-client: -send-to:", err)
			os.Exit(2)
		}
	}

	logger := observability.NewLogger("denim-client", "1.0.0", os.Stdout)

	overtIdentity, err := loadIdentity(overtKeystore, passphrase)
	if err != nil {
		logger.Fatal(err, "failed to load overt identity")
	}
	deniableIdentity, err := loadIdentity(deniableKeystore, passphrase)
	if err != nil {
		logger.Fatal(err, "failed to load deniable identity")
	}

	state, err := client.Open(statePath)
	if err != nil {
		logger.Fatal(err, "failed to open client state")
	}
	defer state.Close()

	outgoing, err := payloadqueue.Open(queuePath)
	if err != nil {
		logger.Fatal(err, "failed to open outgoing payload queue")
	}
	defer outgoing.Close()

	conn := client.NewReconnectingTransport(serverAddr, quicutil.MakeClientTLSConfig())
	defer conn.Close()

	c := client.New(client.Config{
		OwnAddress:    ownAddress,
		DefaultQ:      float32(defaultQ),
		Stores:        cryptosession.NewDisjointStores(overtIdentity, deniableIdentity),
		Outgoing:      outgoing,
		State:         state,
		Conn:          conn,
		OvertInbox:    stdoutOvertInbox{},
		DeniableInbox: stdoutDeniableInbox{},
		Log:           logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go receiveLoop(ctx, c, logger)

	if sendText != "" {
		if sendAlias == "" {
			sendAlias = sendTo
		}
		if err := c.SendDeniable(ctx, sendAlias, sendTo, sendText); err != nil {
			logger.Fatal(err, "failed to send deniable message")
		}
		logger.Info("queued deniable message to " + sendAlias)
	}

	logger.Info("denim-client running")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("denim-client stopped")
}

func receiveLoop(ctx context.Context, c *client.Client, logger *observability.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := c.ReceiveOnce(ctx); err != nil {
			logger.Error(err, "receive failed")
			return
		}
	}
}

func loadIdentity(path, passphrase string) (*cryptosession.Ed25519KeyPair, error) {
	resolved := cryptosession.ResolveKeystorePath(path, passphrase)
	priv, err := cryptosession.LoadKey(resolved, passphrase)
	if err != nil {
		return nil, err
	}
	pub, err := publicFromPrivate(priv)
	if err != nil {
		return nil, err
	}
	return &cryptosession.Ed25519KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

func publicFromPrivate(priv []byte) ([]byte, error) {
	if len(priv) != 64 {
		return nil, fmt.Errorf("denim-client: identity private key must be 64 bytes, got %d", len(priv))
	}
	return priv[32:], nil
}

type stdoutOvertInbox struct{}

func (stdoutOvertInbox) DeliverOvert(ctx context.Context, payload denimwire.OvertPayload) error {
	fmt.Printf("[overt] kind=%d\n", payload.Kind)
	return nil
}

type stdoutDeniableInbox struct{}

func (stdoutDeniableInbox) DeliverDeniable(ctx context.Context, sourceAddress string, plaintext []byte) error {
	fmt.Printf("[deniable] %s: %s\n", sourceAddress, string(plaintext))
	return nil
}
