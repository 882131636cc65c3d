// Package denimwire implements the deterministic binary encoding shared by
// the overt and deniable wire types: the DenIM envelope, its chunk list, and
// the tagged deniable payload union (spec.md §3, §6).
package denimwire

// SignalMessage is the overt/deniable ciphertext envelope wrapper. The
// double-ratchet library that actually produces the ciphertext is out of
// scope here; DenIM only moves these bytes around.
type SignalMessage struct {
	Type                      uint32
	DestinationDeviceID       uint32
	DestinationRegistrationID uint32
	Content                   []byte
}

// Envelope carries a fully-formed message destined for delivery, already
// routed to a specific account. It is the shape both the overt path and the
// deniable reassembly path hand off to the store/transport layer.
type Envelope struct {
	Type                  uint32
	SourceServiceID       string
	SourceDeviceID        uint32
	DestinationServiceID  string
	DestinationDeviceID   uint32
	Timestamp             int64
	Content               []byte
}

// PreKeyRequest asks the server to resolve a prekey bundle for ServiceID.
// It never touches the overt channel — the whole point is that an observer
// never sees a key-fetch event (spec.md glossary).
type PreKeyRequest struct {
	ServiceID string
}

// PreKeyItem is one device's worth of prekey material.
type PreKeyItem struct {
	DeviceID              uint32
	RegistrationID        uint32
	IdentityKey           []byte
	SignedPreKeyID        uint32
	SignedPreKeyPublic    []byte
	SignedPreKeySignature []byte
	PreKeyID              uint32
	PreKeyPublic          []byte
}

// PreKeyResponse answers a PreKeyRequest with one bundle per device of the
// requested account.
type PreKeyResponse struct {
	ServiceID string
	Bundles   []PreKeyItem
}

// OvertPayloadKind tags the variant carried by an OvertPayload.
type OvertPayloadKind uint8

const (
	OvertKindSignalMessage OvertPayloadKind = 1
	OvertKindEnvelope      OvertPayloadKind = 2
)

// OvertPayload is the regular (non-deniable) envelope payload. spec.md does
// not specify overt envelope semantics beyond what DenIM needs to carry it
// alongside a chunk appendix, so this is intentionally thin.
type OvertPayload struct {
	Kind          OvertPayloadKind
	SignalMessage *SignalMessage
	Envelope      *Envelope
}

// DeniablePayloadKind tags the variant carried by a DeniablePayload.
type DeniablePayloadKind uint8

const (
	DeniableKindSignalMessage  DeniablePayloadKind = 1
	DeniableKindEnvelope       DeniablePayloadKind = 2
	DeniableKindPreKeyRequest  DeniablePayloadKind = 3
	DeniableKindPreKeyResponse DeniablePayloadKind = 4
)

// DeniablePayload is the tagged union reassembled from a chunk stream
// (spec.md §3 "Deniable payload").
type DeniablePayload struct {
	Kind           DeniablePayloadKind
	SignalMessage  *SignalMessage
	Envelope       *Envelope
	PreKeyRequest  *PreKeyRequest
	PreKeyResponse *PreKeyResponse
}

func NewDeniableSignalMessage(m *SignalMessage) DeniablePayload {
	return DeniablePayload{Kind: DeniableKindSignalMessage, SignalMessage: m}
}

func NewDeniableEnvelope(e *Envelope) DeniablePayload {
	return DeniablePayload{Kind: DeniableKindEnvelope, Envelope: e}
}

func NewDeniablePreKeyRequest(serviceID string) DeniablePayload {
	return DeniablePayload{Kind: DeniableKindPreKeyRequest, PreKeyRequest: &PreKeyRequest{ServiceID: serviceID}}
}

func NewDeniablePreKeyResponse(r *PreKeyResponse) DeniablePayload {
	return DeniablePayload{Kind: DeniableKindPreKeyResponse, PreKeyResponse: r}
}
