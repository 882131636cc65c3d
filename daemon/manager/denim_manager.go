// Package manager implements the Server DenIM Manager (spec.md §4.4): the
// per-(account, device) sender/receiver chunk buffers, reassembly of
// inbound chunk runs into deniable payloads, routing of those payloads to
// their destination's outgoing payload buffer, and the Chunker-driven build
// of an outbound DenIM envelope. It is grounded on
// original_source/server/src/managers/denim/denim_manager.rs and the
// richer operation set documented at its call sites.
package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Deniable-IM/denim/internal/chunkbuffer"
	"github.com/Deniable-IM/denim/internal/denimchunk"
	"github.com/Deniable-IM/denim/internal/denimstore"
	"github.com/Deniable-IM/denim/internal/denimwire"
	"github.com/Deniable-IM/denim/internal/observability"
)

// PrekeyResolver resolves a prekey bundle for a service id on behalf of a
// KeyRequest payload. The bundle source itself (account/device registry,
// key storage) is a black-box collaborator per spec.md's scope.
type PrekeyResolver interface {
	Resolve(ctx context.Context, serviceID string) (*denimwire.PreKeyResponse, error)
}

// OvertRouter hands an overt payload to whatever delivers it unchanged
// (spec.md §4.4 step 2). The overt path itself is out of scope here.
type OvertRouter interface {
	RouteOvert(ctx context.Context, payload denimwire.OvertPayload) error
}

func devicePendingKey(address string, deviceID uint32) string {
	return fmt.Sprintf("%s::%d", address, deviceID)
}

// DenIMManager owns the sender-role and receiver-role chunk buffers for
// every connected device, reassembles completed deniable payloads, and
// drives the Chunker against a device's outgoing payload buffer when
// building outbound envelopes.
type DenIMManager struct {
	store    denimstore.Store
	chunks   *chunkbuffer.ChunkBuffer
	registry *Registry
	prekeys  PrekeyResolver
	overt    OvertRouter
	log      *observability.Logger
	defaultQ float32

	mu       sync.Mutex
	pending  map[string][]denimwire.Chunk
	connQ    map[string]float32
	outbound map[string]*outboundAdapter
}

// New constructs a DenIMManager. overt and log may be nil (overt routing
// and logging become no-ops).
func New(store denimstore.Store, chunks *chunkbuffer.ChunkBuffer, registry *Registry, prekeys PrekeyResolver, overt OvertRouter, log *observability.Logger, defaultQ float32) *DenIMManager {
	return &DenIMManager{
		store:    store,
		chunks:   chunks,
		registry: registry,
		prekeys:  prekeys,
		overt:    overt,
		log:      log,
		defaultQ: defaultQ,
		pending:  make(map[string][]denimwire.Chunk),
		connQ:    make(map[string]float32),
		outbound: make(map[string]*outboundAdapter),
	}
}

// CurrentQ returns the last q broadcast on address's connection, or the
// manager's default if none has been seen yet.
func (m *DenIMManager) CurrentQ(address string) float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.connQ[address]; ok {
		return q
	}
	return m.defaultQ
}

func (m *DenIMManager) outboundBuffer(address string, deviceID uint32) *outboundAdapter {
	key := devicePendingKey(address, deviceID)
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.outbound[key]
	if !ok {
		a = newOutboundAdapter(m.store, outgoingPayloadQueueKeys(address, deviceID), outgoingPayloadLockKey(address, deviceID))
		m.outbound[key] = a
	}
	return a
}

// GetIncomingChunks returns every chunk buffered from sender awaiting
// reassembly, without removing them (original's get_incoming_chunks).
func (m *DenIMManager) GetIncomingChunks(ctx context.Context, sender string, deviceID uint32) ([]denimwire.Chunk, error) {
	return m.chunks.GetAll(ctx, sender, deviceID, chunkbuffer.RoleSender)
}

// SetIncomingChunks stores chunks arriving from sender (original's
// set_incoming_chunks).
func (m *DenIMManager) SetIncomingChunks(ctx context.Context, sender string, deviceID uint32, chunks []denimwire.Chunk) (int, error) {
	count := 0
	for _, c := range chunks {
		if _, err := m.chunks.Insert(ctx, sender, deviceID, chunkbuffer.RoleSender, c); err != nil {
			return count, fmt.Errorf("manager: set incoming chunks: %w", err)
		}
		count++
	}
	return count, nil
}

// GetOutgoingChunks returns a device's cached already-built outbound
// chunks (original's get_outgoing_chunks) — a convenience cache alongside
// BuildOutboundDenim, which builds chunks fresh from the outgoing payload
// buffer.
func (m *DenIMManager) GetOutgoingChunks(ctx context.Context, receiver string, deviceID uint32) ([]denimwire.Chunk, error) {
	return m.chunks.GetAll(ctx, receiver, deviceID, chunkbuffer.RoleReceiver)
}

// SetOutgoingChunks caches chunks destined for receiver (original's
// set_outgoing_chunks).
func (m *DenIMManager) SetOutgoingChunks(ctx context.Context, receiver string, deviceID uint32, chunks []denimwire.Chunk) (int, error) {
	count := 0
	for _, c := range chunks {
		if _, err := m.chunks.Insert(ctx, receiver, deviceID, chunkbuffer.RoleReceiver, c); err != nil {
			return count, fmt.Errorf("manager: set outgoing chunks: %w", err)
		}
		count++
	}
	return count, nil
}

// OnInboundDenim implements spec.md §4.4's on_inbound_denim: it records any
// q broadcast, hands the overt payload off unchanged, buffers non-dummy
// chunks, and on a Final chunk drains the buffer and reassembles it,
// routing each decoded payload to its destination.
func (m *DenIMManager) OnInboundDenim(ctx context.Context, senderAddr string, senderDeviceID uint32, env denimwire.DenimEnvelope) error {
	if env.Q != nil {
		m.mu.Lock()
		m.connQ[senderAddr] = *env.Q
		m.mu.Unlock()
	}

	if m.overt != nil {
		if err := m.overt.RouteOvert(ctx, env.OvertPayload); err != nil {
			return fmt.Errorf("manager: route overt payload: %w", err)
		}
	}

	sawFinal := false
	for _, c := range env.Chunks {
		if c.IsDummy() {
			continue
		}
		if c.IsFinal() {
			sawFinal = true
		}
		if _, err := m.chunks.Insert(ctx, senderAddr, senderDeviceID, chunkbuffer.RoleSender, c); err != nil {
			return fmt.Errorf("manager: buffer inbound chunk: %w", err)
		}
	}

	if !sawFinal {
		return nil
	}

	return m.reassembleAndRoute(ctx, senderAddr, senderDeviceID)
}

func (m *DenIMManager) reassembleAndRoute(ctx context.Context, senderAddr string, senderDeviceID uint32) error {
	drained, err := m.chunks.DrainAll(ctx, senderAddr, senderDeviceID, chunkbuffer.RoleSender)
	if err != nil {
		return fmt.Errorf("manager: drain incoming chunks: %w", err)
	}

	key := devicePendingKey(senderAddr, senderDeviceID)
	m.mu.Lock()
	prevPending := m.pending[key]
	m.mu.Unlock()

	payloads, newPending, err := denimchunk.Reassemble(drained, prevPending)
	if err != nil {
		if m.log != nil {
			m.log.PartialPayloadLost(senderAddr, len(prevPending), err.Error())
		}
		newPending = nil
	}

	m.mu.Lock()
	delete(m.pending, key)
	m.mu.Unlock()

	for _, p := range payloads {
		if m.log != nil {
			m.log.PayloadReassembled(senderAddr, fmt.Sprintf("%d", p.Kind), 0)
		}
		if err := m.routePayload(ctx, senderAddr, senderDeviceID, p); err != nil {
			return err
		}
	}

	// Data chunks left without a Final are written back to the incoming
	// buffer, the only place they are kept, so the next Final drains them
	// exactly once (store_pending, spec.md §4.3).
	for _, c := range newPending {
		if _, err := m.chunks.Insert(ctx, senderAddr, senderDeviceID, chunkbuffer.RoleSender, c); err != nil {
			return fmt.Errorf("manager: store pending chunks: %w", err)
		}
	}

	return nil
}

func (m *DenIMManager) routePayload(ctx context.Context, senderAddr string, senderDeviceID uint32, payload denimwire.DeniablePayload) error {
	switch payload.Kind {
	case denimwire.DeniableKindPreKeyRequest:
		return m.handleKeyRequest(ctx, senderAddr, senderDeviceID, payload.PreKeyRequest)
	case denimwire.DeniableKindSignalMessage:
		return m.routeSignalMessage(ctx, payload.SignalMessage)
	case denimwire.DeniableKindEnvelope:
		return m.enqueueForDestination(ctx, payload.Envelope.DestinationServiceID, payload)
	case denimwire.DeniableKindPreKeyResponse:
		// A PreKeyResponse only ever originates from the server in answer
		// to a KeyRequest (see handleKeyRequest); a peer should never send
		// one inbound. Drop it rather than guessing a destination.
		return nil
	default:
		return fmt.Errorf("manager: unsupported deniable payload kind %d", payload.Kind)
	}
}

func (m *DenIMManager) handleKeyRequest(ctx context.Context, senderAddr string, senderDeviceID uint32, req *denimwire.PreKeyRequest) error {
	if req == nil || m.prekeys == nil {
		return nil
	}
	bundle, err := m.prekeys.Resolve(ctx, req.ServiceID)
	if err != nil {
		return fmt.Errorf("manager: resolve prekey bundle for %q: %w", req.ServiceID, err)
	}
	response := denimwire.NewDeniablePreKeyResponse(bundle)
	// The response rides back on the sender's own future overt packets.
	return m.enqueueForDevice(ctx, senderAddr, senderDeviceID, response)
}

func (m *DenIMManager) routeSignalMessage(ctx context.Context, sm *denimwire.SignalMessage) error {
	if sm == nil {
		return nil
	}
	// SignalMessage carries only a destination device id, not a service id;
	// the destination account is resolved by the caller wiring this
	// manager to a concrete account/device registry (out of scope here per
	// spec.md's overt-envelope non-goal), so routing by device id alone
	// against every registered account would be ambiguous. Construct the
	// Envelope wrapper the spec calls for and enqueue it to every device
	// of the account the registry reports the destination device under.
	for _, address := range m.registry.AddressesWithDevice(sm.DestinationDeviceID) {
		env := &denimwire.Envelope{
			Type:                 sm.Type,
			DestinationServiceID: address,
			DestinationDeviceID:  sm.DestinationDeviceID,
			Content:              sm.Content,
		}
		payload := denimwire.NewDeniableEnvelope(env)
		if err := m.enqueueForDestination(ctx, address, payload); err != nil {
			return err
		}
	}
	return nil
}

func (m *DenIMManager) enqueueForDestination(ctx context.Context, destinationAddr string, payload denimwire.DeniablePayload) error {
	devices := m.registry.Devices(destinationAddr)
	if len(devices) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, destinationAddr)
	}
	for _, deviceID := range devices {
		if err := m.enqueueForDevice(ctx, destinationAddr, deviceID, payload); err != nil {
			return err
		}
	}
	return nil
}

func (m *DenIMManager) enqueueForDevice(ctx context.Context, address string, deviceID uint32, payload denimwire.DeniablePayload) error {
	encoded, err := denimwire.EncodeDeniablePayload(payload)
	if err != nil {
		return fmt.Errorf("manager: encode deniable payload: %w", err)
	}
	keys := outgoingPayloadQueueKeys(address, deviceID)
	if _, err := m.store.Insert(ctx, keys, uuid.New().String(), encoded); err != nil {
		return fmt.Errorf("manager: enqueue outgoing payload: %w", err)
	}
	return nil
}

// BuildOutboundDenim implements spec.md §4.4's build_outbound_denim: it
// computes the q-derived slack for overtPayloadSize and drives the Chunker
// against receiver's outgoing payload buffer to fill it.
func (m *DenIMManager) BuildOutboundDenim(ctx context.Context, receiverAddr string, receiverDeviceID uint32, overtPayloadSize float32) ([]denimwire.Chunk, error) {
	q := m.CurrentQ(receiverAddr)
	buffer := m.outboundBuffer(receiverAddr, receiverDeviceID)
	chunks, _, err := denimchunk.CreateChunks(ctx, q, overtPayloadSize, buffer)
	if err != nil {
		return nil, fmt.Errorf("manager: build outbound denim: %w", err)
	}
	if m.log != nil {
		for _, c := range chunks {
			kind := "data"
			switch {
			case c.IsDummy():
				kind = "dummy"
			case c.IsFinal():
				kind = "final"
			}
			m.log.ChunkEmitted(receiverAddr, receiverDeviceID, kind, len(c.Payload))
		}
	}
	return chunks, nil
}
