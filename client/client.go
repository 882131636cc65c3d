package client

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/curve25519"

	"github.com/Deniable-IM/denim/internal/cryptosession"
	"github.com/Deniable-IM/denim/internal/denimchunk"
	"github.com/Deniable-IM/denim/internal/denimwire"
	"github.com/Deniable-IM/denim/internal/observability"
	"github.com/Deniable-IM/denim/internal/payloadqueue"
)

// Transport is the capability the Client needs from its connection to the
// server: send and receive one DenIM envelope at a time. Satisfied by
// daemon/transport.Connection and client/transport.go's reconnecting
// wrapper around it.
type Transport interface {
	Send(denimwire.DenimEnvelope) error
	Receive() (denimwire.DenimEnvelope, error)
}

// OvertInbox hands a reassembled overt payload to whatever the host
// application does with regular messages. The overt double-ratchet
// exchange itself is out of scope (spec.md Non-goals); the Client only
// moves the bytes.
type OvertInbox interface {
	DeliverOvert(ctx context.Context, payload denimwire.OvertPayload) error
}

// DeniableInbox hands a decrypted deniable message to the host application,
// separately from OvertInbox so the two channels never share a delivery
// path (invariant I5).
type DeniableInbox interface {
	DeliverDeniable(ctx context.Context, sourceAddress string, plaintext []byte) error
}

var ErrUnknownContact = errors.New("client: unknown deniable contact")

// Client implements the Client DenIM State (spec.md §4.7): the
// send_deniable state machine against one server connection, and the
// matching inbound handler that advances contacts from KeyRequested to
// Established and delivers reassembled deniable payloads. It is grounded
// on original_source/client/src/client.rs.
type Client struct {
	ownAddress string
	q          float32

	stores   *cryptosession.DisjointStores
	outgoing *payloadqueue.Queue
	state    *State
	conn     Transport
	log      *observability.Logger

	overtInbox    OvertInbox
	deniableInbox DeniableInbox

	mu      sync.Mutex
	pending []denimwire.Chunk
}

// Config bundles a Client's collaborators. Stores, Outgoing, State, and
// Conn are required; OvertInbox, DeniableInbox, and Log may be nil.
type Config struct {
	OwnAddress    string
	DefaultQ      float32
	Stores        *cryptosession.DisjointStores
	Outgoing      *payloadqueue.Queue
	State         *State
	Conn          Transport
	OvertInbox    OvertInbox
	DeniableInbox DeniableInbox
	Log           *observability.Logger
}

// New constructs a Client from cfg.
func New(cfg Config) *Client {
	return &Client{
		ownAddress:    cfg.OwnAddress,
		q:             cfg.DefaultQ,
		stores:        cfg.Stores,
		outgoing:      cfg.Outgoing,
		state:         cfg.State,
		conn:          cfg.Conn,
		log:           cfg.Log,
		overtInbox:    cfg.OvertInbox,
		deniableInbox: cfg.DeniableInbox,
	}
}

// CurrentQ returns the last q this client observed on an inbound envelope,
// or its configured default if none has arrived yet.
func (c *Client) CurrentQ() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.q
}

// SendDeniable implements send_deniable (spec.md §4.7, P9): a message for
// alias is either enqueued immediately if a deniable session is already
// Established, or stashed and a key request is fired off if one isn't.
// peerAddress is only consulted the first time alias is seen; once a
// contact exists its stored address is authoritative.
func (c *Client) SendDeniable(ctx context.Context, alias, peerAddress, text string) error {
	contact, ok, err := c.state.GetContact(ctx, alias)
	if err != nil {
		return err
	}
	if !ok {
		return c.beginKeyRequest(ctx, alias, peerAddress, text)
	}

	switch contact.State {
	case StateNone:
		return c.beginKeyRequest(ctx, alias, peerAddress, text)
	case StateKeyRequested:
		return c.state.StashMessage(ctx, alias, text)
	case StateEstablished:
		return c.encryptAndEnqueue(ctx, contact.Address, text)
	default:
		return fmt.Errorf("client: contact %q in unknown state %d", alias, contact.State)
	}
}

func (c *Client) beginKeyRequest(ctx context.Context, alias, peerAddress, text string) error {
	if peerAddress == "" {
		return fmt.Errorf("%w: %q needs a service id to request a key for", ErrUnknownContact, alias)
	}
	ephemeral, err := cryptosession.GenerateX25519()
	if err != nil {
		return fmt.Errorf("client: generate ephemeral key for %q: %w", alias, err)
	}
	if err := c.state.UpsertContact(ctx, alias, peerAddress, StateKeyRequested); err != nil {
		return err
	}
	if err := c.state.SetEphemeralPrivate(ctx, alias, ephemeral.PrivateKey); err != nil {
		return err
	}
	if err := c.state.StashMessage(ctx, alias, text); err != nil {
		return err
	}

	request := denimwire.NewDeniablePreKeyRequest(peerAddress)
	if err := c.enqueueDeniable(ctx, request); err != nil {
		return fmt.Errorf("client: enqueue key request for %q: %w", alias, err)
	}
	if c.log != nil {
		c.log.KeyRequestSent(alias)
	}
	return nil
}

func (c *Client) encryptAndEnqueue(ctx context.Context, peerAddress, text string) error {
	keys, counter, err := c.loadDeniableSession(ctx, peerAddress)
	if err != nil {
		return err
	}
	aad := []byte(peerAddress)
	ciphertext, err := cryptosession.EncryptPayload(keys, counter, aad, []byte(text))
	if err != nil {
		return fmt.Errorf("client: encrypt deniable message to %q: %w", peerAddress, err)
	}
	if err := c.storeDeniableSession(ctx, peerAddress, keys, counter+1); err != nil {
		return err
	}

	env := &denimwire.Envelope{
		SourceServiceID:      c.ownAddress,
		DestinationServiceID: peerAddress,
		Content:              ciphertext,
	}
	return c.enqueueDeniable(ctx, denimwire.NewDeniableEnvelope(env))
}

func (c *Client) enqueueDeniable(ctx context.Context, payload denimwire.DeniablePayload) error {
	encoded, err := denimwire.EncodeDeniablePayload(payload)
	if err != nil {
		return fmt.Errorf("client: encode deniable payload: %w", err)
	}
	_, err = c.outgoing.Enqueue(ctx, encoded)
	if err != nil {
		return fmt.Errorf("client: enqueue outgoing payload: %w", err)
	}
	return nil
}

func (c *Client) loadDeniableSession(ctx context.Context, peerAddress string) (*cryptosession.SessionKeys, uint32, error) {
	record, ok, err := c.stores.Deniable.LoadSession(ctx, peerAddress)
	if err != nil {
		return nil, 0, fmt.Errorf("client: load deniable session for %q: %w", peerAddress, err)
	}
	if !ok {
		return nil, 0, fmt.Errorf("client: no deniable session for %q", peerAddress)
	}
	return decodeSessionRecord(record)
}

func (c *Client) storeDeniableSession(ctx context.Context, peerAddress string, keys *cryptosession.SessionKeys, counter uint32) error {
	if err := c.stores.Deniable.StoreSession(ctx, peerAddress, encodeSessionRecord(keys, counter)); err != nil {
		return fmt.Errorf("client: store deniable session for %q: %w", peerAddress, err)
	}
	return nil
}

// BuildOutbound drives the Chunker against this client's outgoing payload
// buffer to fill the q-derived slack alongside overt, mirroring the
// server's BuildOutboundDenim (spec.md §4.4/§4.7).
func (c *Client) BuildOutbound(ctx context.Context, overt denimwire.OvertPayload, overtPayloadSize float32) (denimwire.DenimEnvelope, error) {
	q := c.CurrentQ()
	chunks, _, err := denimchunk.CreateChunks(ctx, q, overtPayloadSize, c.outgoing)
	if err != nil {
		return denimwire.DenimEnvelope{}, fmt.Errorf("client: build outbound denim: %w", err)
	}
	return denimwire.DenimEnvelope{
		OvertPayload: overt,
		Chunks:       chunks,
		Q:            &q,
	}, nil
}

// Send builds an outbound envelope and writes it to the server connection.
func (c *Client) Send(ctx context.Context, overt denimwire.OvertPayload, overtPayloadSize float32) error {
	env, err := c.BuildOutbound(ctx, overt, overtPayloadSize)
	if err != nil {
		return err
	}
	return c.conn.Send(env)
}

// ReceiveOnce blocks for the next inbound envelope and processes it.
func (c *Client) ReceiveOnce(ctx context.Context) error {
	env, err := c.conn.Receive()
	if err != nil {
		return err
	}
	return c.HandleInbound(ctx, env)
}

// HandleInbound implements the client side of on_inbound_denim: it records
// a fresh q, hands the overt payload off unchanged, and buffers/reassembles
// the chunk list, routing each completed deniable payload (spec.md §4.7).
func (c *Client) HandleInbound(ctx context.Context, env denimwire.DenimEnvelope) error {
	if env.Q != nil {
		c.mu.Lock()
		c.q = *env.Q
		c.mu.Unlock()
	}

	if c.overtInbox != nil {
		if err := c.overtInbox.DeliverOvert(ctx, env.OvertPayload); err != nil {
			return fmt.Errorf("client: deliver overt payload: %w", err)
		}
	}

	sawFinal := false
	for _, ch := range env.Chunks {
		if ch.IsFinal() {
			sawFinal = true
			break
		}
	}
	if !sawFinal {
		c.mu.Lock()
		c.pending = append(c.pending, nondummy(env.Chunks)...)
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	prevPending := c.pending
	c.pending = nil
	c.mu.Unlock()

	payloads, newPending, err := denimchunk.Reassemble(env.Chunks, prevPending)
	if err != nil {
		if c.log != nil {
			c.log.PartialPayloadLost(c.ownAddress, len(prevPending), err.Error())
		}
		newPending = nil
	}

	c.mu.Lock()
	c.pending = append(c.pending, newPending...)
	c.mu.Unlock()

	for _, p := range payloads {
		if c.log != nil {
			c.log.PayloadReassembled(c.ownAddress, fmt.Sprintf("%d", p.Kind), len(newPending))
		}
		if err := c.routeDeniablePayload(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func nondummy(chunks []denimwire.Chunk) []denimwire.Chunk {
	out := make([]denimwire.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if !c.IsDummy() {
			out = append(out, c)
		}
	}
	return out
}

func (c *Client) routeDeniablePayload(ctx context.Context, payload denimwire.DeniablePayload) error {
	switch payload.Kind {
	case denimwire.DeniableKindEnvelope:
		return c.deliverEnvelope(ctx, payload.Envelope)
	case denimwire.DeniableKindPreKeyResponse:
		return c.handleKeyResponse(ctx, payload.PreKeyResponse)
	case denimwire.DeniableKindPreKeyRequest, denimwire.DeniableKindSignalMessage:
		// Neither is ever addressed to a client: PreKeyRequest only travels
		// client -> server, and SignalMessage is an internal server routing
		// shape that always arrives here already rewrapped as an Envelope.
		if c.log != nil {
			c.log.Warn(fmt.Sprintf("client: dropping unexpected deniable payload kind %d", payload.Kind))
		}
		return nil
	default:
		return fmt.Errorf("client: unsupported deniable payload kind %d", payload.Kind)
	}
}

func (c *Client) deliverEnvelope(ctx context.Context, env *denimwire.Envelope) error {
	if env == nil {
		return nil
	}
	keys, counter, err := c.loadDeniableSession(ctx, env.SourceServiceID)
	if err != nil {
		if c.log != nil {
			c.log.DeniableDecryptFailed(env.SourceServiceID, err)
		}
		return nil
	}
	plaintext, err := cryptosession.DecryptPayload(keys, counter, []byte(c.ownAddress), env.Content)
	if err != nil {
		if c.log != nil {
			c.log.DeniableDecryptFailed(env.SourceServiceID, err)
		}
		return nil
	}
	if err := c.storeDeniableSession(ctx, env.SourceServiceID, keys, counter+1); err != nil {
		return err
	}
	if c.deniableInbox == nil {
		return nil
	}
	return c.deniableInbox.DeliverDeniable(ctx, env.SourceServiceID, plaintext)
}

func (c *Client) handleKeyResponse(ctx context.Context, resp *denimwire.PreKeyResponse) error {
	if resp == nil || len(resp.Bundles) == 0 {
		return nil
	}
	contact, ok, err := c.state.GetContactByAddress(ctx, resp.ServiceID)
	if err != nil {
		return err
	}
	if !ok || contact.State != StateKeyRequested {
		// A response for a request we never sent, or already handled.
		return nil
	}
	ephemeralPriv, ok, err := c.state.GetEphemeralPrivate(ctx, contact.Alias)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("client: no ephemeral key stashed for %q", contact.Alias)
	}

	theirPublic, err := bundlePublicKey(resp.Bundles[0])
	if err != nil {
		return fmt.Errorf("client: process prekey bundle for %q: %w", contact.Alias, err)
	}
	var ourPublic [32]byte
	curve25519.ScalarBaseMult(&ourPublic, &ephemeralPriv)

	bindingSalt := sessionBindingSalt(ourPublic, theirPublic)
	keys, err := cryptosession.DeriveSessionKeys(&ephemeralPriv, &theirPublic, bindingSalt[:])
	if err != nil {
		return fmt.Errorf("client: derive deniable session keys for %q: %w", contact.Alias, err)
	}
	if err := c.storeDeniableSession(ctx, resp.ServiceID, keys, 0); err != nil {
		return err
	}
	if err := c.state.UpsertContact(ctx, contact.Alias, resp.ServiceID, StateEstablished); err != nil {
		return err
	}

	stashed, err := c.state.DrainStash(ctx, contact.Alias)
	if err != nil {
		return err
	}
	if c.log != nil {
		c.log.DeniableSessionEstablished(contact.Alias, len(stashed))
	}
	for _, text := range stashed {
		if err := c.encryptAndEnqueue(ctx, resp.ServiceID, text); err != nil {
			return fmt.Errorf("client: drain stashed message for %q: %w", contact.Alias, err)
		}
	}
	return nil
}

func bundlePublicKey(item denimwire.PreKeyItem) ([32]byte, error) {
	var pub [32]byte
	if len(item.SignedPreKeyPublic) != 32 {
		return pub, fmt.Errorf("expected a 32-byte signed prekey, got %d bytes", len(item.SignedPreKeyPublic))
	}
	copy(pub[:], item.SignedPreKeyPublic)
	return pub, nil
}

func sessionBindingSalt(ourPublic, theirPublic [32]byte) [32]byte {
	h := sha256.New()
	h.Write(ourPublic[:])
	h.Write(theirPublic[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
