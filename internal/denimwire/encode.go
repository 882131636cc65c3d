package denimwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrTruncated is returned when a buffer ends before a length-prefixed field
// could be fully read.
var ErrTruncated = errors.New("denimwire: truncated frame")

// ErrUnknownTag is returned when a tag byte does not match any known variant
// of a tagged union (spec.md §7 ProtocolViolation).
var ErrUnknownTag = errors.New("denimwire: unknown tag")

// ChunkFlag classifies a Chunk per spec.md §3/§6: 1 = Dummy, 2 = Final,
// <= 0 = Data with rank == the flag value (0 is the first data chunk of a
// payload, -1 the second, and so on).
type ChunkFlag int32

const (
	FlagDummy ChunkFlag = 1
	FlagFinal ChunkFlag = 2
)

// Chunk is a slice of a deniable payload plus its ordering/termination flag.
type Chunk struct {
	Payload []byte
	Flag    ChunkFlag
}

func (c Chunk) IsDummy() bool { return c.Flag == FlagDummy }
func (c Chunk) IsFinal() bool { return c.Flag == FlagFinal }
func (c Chunk) IsData() bool  { return c.Flag <= 0 }

// Rank returns the data-chunk ordering rank. Only meaningful when IsData.
func (c Chunk) Rank() int32 { return int32(c.Flag) }

// EmptyChunkOverhead and EmptyVecOverhead are the protocol constants the
// Chunker budgets against (spec.md §4.1). They are pinned by
// TestEncodingConstants — changing the wire format means updating both the
// encoder and that test together.
const (
	chunkFlagSize   = 4 // int32 LE
	lengthPrefix    = 8 // uint64 LE
	EmptyChunkOverhead = chunkFlagSize + lengthPrefix
	EmptyVecOverhead   = lengthPrefix
)

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeInt32(buf *bytes.Buffer, v int32) {
	writeUint32(buf, uint32(v))
}

func writeInt64(buf *bytes.Buffer, v int64) {
	writeUint64(buf, uint64(v))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint64(buf, uint64(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readInt32(r *bytes.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func readInt64(r *bytes.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return b, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return b != 0, nil
}

// EncodeChunk serializes a single Chunk.
func EncodeChunk(c Chunk) []byte {
	var buf bytes.Buffer
	writeInt32(&buf, int32(c.Flag))
	writeBytes(&buf, c.Payload)
	return buf.Bytes()
}

// DecodeChunk decodes a single chunk encoded by EncodeChunk, with no
// surrounding count prefix.
func DecodeChunk(data []byte) (Chunk, error) {
	return decodeChunk(bytes.NewReader(data))
}

func decodeChunk(r *bytes.Reader) (Chunk, error) {
	flag, err := readInt32(r)
	if err != nil {
		return Chunk{}, err
	}
	payload, err := readBytes(r)
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{Payload: payload, Flag: ChunkFlag(flag)}, nil
}

// EncodeChunkList serializes a chunk list the way it appears inside a
// DenimEnvelope: a uint64 count followed by each chunk in order.
func EncodeChunkList(chunks []Chunk) []byte {
	var buf bytes.Buffer
	writeUint64(&buf, uint64(len(chunks)))
	for _, c := range chunks {
		buf.Write(EncodeChunk(c))
	}
	return buf.Bytes()
}

// SerializedChunksSize returns the exact wire size of chunks, used by the
// Chunker to track remaining budget (spec.md §4.1).
func SerializedChunksSize(chunks []Chunk) int {
	return EmptyVecOverhead + chunkBodySize(chunks)
}

func chunkBodySize(chunks []Chunk) int {
	n := 0
	for _, c := range chunks {
		n += EmptyChunkOverhead + len(c.Payload)
	}
	return n
}

func DecodeChunkList(data []byte) ([]Chunk, error) {
	r := bytes.NewReader(data)
	count, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	chunks := make([]Chunk, 0, count)
	for i := uint64(0); i < count; i++ {
		c, err := decodeChunk(r)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// EncodeDeniablePayload serializes the tagged deniable payload union.
func EncodeDeniablePayload(p DeniablePayload) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(p.Kind))
	switch p.Kind {
	case DeniableKindSignalMessage:
		if p.SignalMessage == nil {
			return nil, errors.New("denimwire: nil SignalMessage")
		}
		encodeSignalMessage(&buf, p.SignalMessage)
	case DeniableKindEnvelope:
		if p.Envelope == nil {
			return nil, errors.New("denimwire: nil Envelope")
		}
		encodeEnvelope(&buf, p.Envelope)
	case DeniableKindPreKeyRequest:
		if p.PreKeyRequest == nil {
			return nil, errors.New("denimwire: nil PreKeyRequest")
		}
		writeString(&buf, p.PreKeyRequest.ServiceID)
	case DeniableKindPreKeyResponse:
		if p.PreKeyResponse == nil {
			return nil, errors.New("denimwire: nil PreKeyResponse")
		}
		encodePreKeyResponse(&buf, p.PreKeyResponse)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, p.Kind)
	}
	return buf.Bytes(), nil
}

// DecodeDeniablePayload is the inverse of EncodeDeniablePayload. A failure
// here at the server/client reassembly boundary is spec.md's
// PartialPayloadLost condition — callers should log and drop, not panic.
func DecodeDeniablePayload(data []byte) (DeniablePayload, error) {
	r := bytes.NewReader(data)
	tag, err := r.ReadByte()
	if err != nil {
		return DeniablePayload{}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	switch DeniablePayloadKind(tag) {
	case DeniableKindSignalMessage:
		m, err := decodeSignalMessage(r)
		if err != nil {
			return DeniablePayload{}, err
		}
		return NewDeniableSignalMessage(m), nil
	case DeniableKindEnvelope:
		e, err := decodeEnvelope(r)
		if err != nil {
			return DeniablePayload{}, err
		}
		return NewDeniableEnvelope(e), nil
	case DeniableKindPreKeyRequest:
		sid, err := readString(r)
		if err != nil {
			return DeniablePayload{}, err
		}
		return NewDeniablePreKeyRequest(sid), nil
	case DeniableKindPreKeyResponse:
		resp, err := decodePreKeyResponse(r)
		if err != nil {
			return DeniablePayload{}, err
		}
		return NewDeniablePreKeyResponse(resp), nil
	default:
		return DeniablePayload{}, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
}

func encodeSignalMessage(buf *bytes.Buffer, m *SignalMessage) {
	writeUint32(buf, m.Type)
	writeUint32(buf, m.DestinationDeviceID)
	writeUint32(buf, m.DestinationRegistrationID)
	writeBytes(buf, m.Content)
}

func decodeSignalMessage(r *bytes.Reader) (*SignalMessage, error) {
	typ, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	devID, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	regID, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	content, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	return &SignalMessage{
		Type:                      typ,
		DestinationDeviceID:       devID,
		DestinationRegistrationID: regID,
		Content:                   content,
	}, nil
}

func encodeEnvelope(buf *bytes.Buffer, e *Envelope) {
	writeUint32(buf, e.Type)
	writeString(buf, e.SourceServiceID)
	writeUint32(buf, e.SourceDeviceID)
	writeString(buf, e.DestinationServiceID)
	writeUint32(buf, e.DestinationDeviceID)
	writeInt64(buf, e.Timestamp)
	writeBytes(buf, e.Content)
}

func decodeEnvelope(r *bytes.Reader) (*Envelope, error) {
	var e Envelope
	var err error
	if e.Type, err = readUint32(r); err != nil {
		return nil, err
	}
	if e.SourceServiceID, err = readString(r); err != nil {
		return nil, err
	}
	if e.SourceDeviceID, err = readUint32(r); err != nil {
		return nil, err
	}
	if e.DestinationServiceID, err = readString(r); err != nil {
		return nil, err
	}
	if e.DestinationDeviceID, err = readUint32(r); err != nil {
		return nil, err
	}
	if e.Timestamp, err = readInt64(r); err != nil {
		return nil, err
	}
	if e.Content, err = readBytes(r); err != nil {
		return nil, err
	}
	return &e, nil
}

func encodePreKeyItem(buf *bytes.Buffer, it PreKeyItem) {
	writeUint32(buf, it.DeviceID)
	writeUint32(buf, it.RegistrationID)
	writeBytes(buf, it.IdentityKey)
	writeUint32(buf, it.SignedPreKeyID)
	writeBytes(buf, it.SignedPreKeyPublic)
	writeBytes(buf, it.SignedPreKeySignature)
	writeUint32(buf, it.PreKeyID)
	writeBytes(buf, it.PreKeyPublic)
}

func decodePreKeyItem(r *bytes.Reader) (PreKeyItem, error) {
	var it PreKeyItem
	var err error
	if it.DeviceID, err = readUint32(r); err != nil {
		return it, err
	}
	if it.RegistrationID, err = readUint32(r); err != nil {
		return it, err
	}
	if it.IdentityKey, err = readBytes(r); err != nil {
		return it, err
	}
	if it.SignedPreKeyID, err = readUint32(r); err != nil {
		return it, err
	}
	if it.SignedPreKeyPublic, err = readBytes(r); err != nil {
		return it, err
	}
	if it.SignedPreKeySignature, err = readBytes(r); err != nil {
		return it, err
	}
	if it.PreKeyID, err = readUint32(r); err != nil {
		return it, err
	}
	if it.PreKeyPublic, err = readBytes(r); err != nil {
		return it, err
	}
	return it, nil
}

func encodePreKeyResponse(buf *bytes.Buffer, resp *PreKeyResponse) {
	writeString(buf, resp.ServiceID)
	writeUint64(buf, uint64(len(resp.Bundles)))
	for _, it := range resp.Bundles {
		encodePreKeyItem(buf, it)
	}
}

func decodePreKeyResponse(r *bytes.Reader) (*PreKeyResponse, error) {
	sid, err := readString(r)
	if err != nil {
		return nil, err
	}
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	bundles := make([]PreKeyItem, 0, n)
	for i := uint64(0); i < n; i++ {
		it, err := decodePreKeyItem(r)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, it)
	}
	return &PreKeyResponse{ServiceID: sid, Bundles: bundles}, nil
}

// DenimEnvelope is the wire frame described in spec.md §6: an overt payload,
// the deniable chunk appendix, an optional q broadcast, a reserved counter,
// and zero-ballast padding so the appendix size is exactly ⌈|overt|·q⌉.
type DenimEnvelope struct {
	OvertPayload OvertPayload
	Chunks       []Chunk
	Counter      *uint32
	Q            *float32
	Ballast      []byte
}

func encodeOvertPayload(buf *bytes.Buffer, p OvertPayload) error {
	buf.WriteByte(byte(p.Kind))
	switch p.Kind {
	case OvertKindSignalMessage:
		if p.SignalMessage == nil {
			return errors.New("denimwire: nil overt SignalMessage")
		}
		encodeSignalMessage(buf, p.SignalMessage)
	case OvertKindEnvelope:
		if p.Envelope == nil {
			return errors.New("denimwire: nil overt Envelope")
		}
		encodeEnvelope(buf, p.Envelope)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownTag, p.Kind)
	}
	return nil
}

func decodeOvertPayload(r *bytes.Reader) (OvertPayload, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return OvertPayload{}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	switch OvertPayloadKind(tag) {
	case OvertKindSignalMessage:
		m, err := decodeSignalMessage(r)
		if err != nil {
			return OvertPayload{}, err
		}
		return OvertPayload{Kind: OvertKindSignalMessage, SignalMessage: m}, nil
	case OvertKindEnvelope:
		e, err := decodeEnvelope(r)
		if err != nil {
			return OvertPayload{}, err
		}
		return OvertPayload{Kind: OvertKindEnvelope, Envelope: e}, nil
	default:
		return OvertPayload{}, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
}

// EncodeDenimEnvelope serializes the full wire frame.
func EncodeDenimEnvelope(e DenimEnvelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeOvertPayload(&buf, e.OvertPayload); err != nil {
		return nil, err
	}
	buf.Write(EncodeChunkList(e.Chunks))

	writeBool(&buf, e.Counter != nil)
	if e.Counter != nil {
		writeUint32(&buf, *e.Counter)
	}

	writeBool(&buf, e.Q != nil)
	if e.Q != nil {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(*e.Q))
		buf.Write(b[:])
	}

	writeBytes(&buf, e.Ballast)
	return buf.Bytes(), nil
}

func DecodeDenimEnvelope(data []byte) (DenimEnvelope, error) {
	r := bytes.NewReader(data)
	overt, err := decodeOvertPayload(r)
	if err != nil {
		return DenimEnvelope{}, err
	}
	count, err := readUint64(r)
	if err != nil {
		return DenimEnvelope{}, err
	}
	chunks := make([]Chunk, 0, count)
	for i := uint64(0); i < count; i++ {
		c, err := decodeChunk(r)
		if err != nil {
			return DenimEnvelope{}, err
		}
		chunks = append(chunks, c)
	}

	hasCounter, err := readBool(r)
	if err != nil {
		return DenimEnvelope{}, err
	}
	var counter *uint32
	if hasCounter {
		v, err := readUint32(r)
		if err != nil {
			return DenimEnvelope{}, err
		}
		counter = &v
	}

	hasQ, err := readBool(r)
	if err != nil {
		return DenimEnvelope{}, err
	}
	var q *float32
	if hasQ {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return DenimEnvelope{}, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		f := math.Float32frombits(binary.LittleEndian.Uint32(b[:]))
		q = &f
	}

	ballast, err := readBytes(r)
	if err != nil {
		return DenimEnvelope{}, err
	}

	return DenimEnvelope{OvertPayload: overt, Chunks: chunks, Counter: counter, Q: q, Ballast: ballast}, nil
}
