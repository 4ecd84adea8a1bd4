package wire

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// MessageHeaderSize is the fixed v0 message header (spec §4.G).
const MessageHeaderSize = 60

const traceIDAbsent = 0xFFFFFFFF

// Message is a decoded v0 message frame. TraceID is nil when absent.
type Message struct {
	Kind           Kind
	Flags          Flag
	ToWorker       int64
	RouteWorker    int64
	RouteTimestamp int64
	FromWorker     int64
	MessageID      []byte
	TraceID        []byte
	Payload        []byte
}

// NewMessageID returns a fresh random message-id, uuid-backed.
func NewMessageID() []byte {
	id := uuid.New()
	return id[:]
}

// EncodedLen returns the total frame length for m.
func (m *Message) EncodedLen() int {
	n := MessageHeaderSize + len(m.MessageID) + len(m.Payload)
	if m.Flags&FlagHasTraceID != 0 {
		n += len(m.TraceID)
	}
	return n
}

// Encode writes m into dst, which must be at least EncodedLen() bytes.
// Returns the number of bytes written.
func (m *Message) Encode(dst []byte) (int, error) {
	n := m.EncodedLen()
	if len(dst) < n {
		return 0, statusErr("encode", StatusE2BIG)
	}
	if len(m.MessageID) == 0 {
		return 0, statusErr("encode", StatusEINVAL)
	}
	hasTrace := m.Flags&FlagHasTraceID != 0
	if hasTrace && len(m.TraceID) == 0 {
		return 0, statusErr("encode", StatusEINVAL)
	}
	if !hasTrace && len(m.TraceID) != 0 {
		return 0, statusErr("encode", StatusEINVAL)
	}
	if m.FromWorker != 0 && m.Flags&FlagHasFromWorker == 0 {
		return 0, statusErr("encode", StatusEINVAL)
	}

	copy(dst[0:4], msgMagic)
	binary.LittleEndian.PutUint16(dst[4:6], versionMajor)
	binary.LittleEndian.PutUint16(dst[6:8], versionMinor)
	binary.LittleEndian.PutUint32(dst[8:12], uint32(n))
	dst[12] = byte(m.Kind)
	dst[13] = byte(m.Flags)
	dst[14] = 0
	dst[15] = 0
	binary.LittleEndian.PutUint64(dst[16:24], uint64(m.ToWorker))
	binary.LittleEndian.PutUint64(dst[24:32], uint64(m.RouteWorker))
	binary.LittleEndian.PutUint64(dst[32:40], uint64(m.RouteTimestamp))
	binary.LittleEndian.PutUint64(dst[40:48], uint64(m.FromWorker))
	binary.LittleEndian.PutUint32(dst[48:52], uint32(len(m.MessageID)))
	if hasTrace {
		binary.LittleEndian.PutUint32(dst[52:56], uint32(len(m.TraceID)))
	} else {
		binary.LittleEndian.PutUint32(dst[52:56], traceIDAbsent)
	}
	binary.LittleEndian.PutUint32(dst[56:60], uint32(len(m.Payload)))

	off := MessageHeaderSize
	off += copy(dst[off:], m.MessageID)
	if hasTrace {
		off += copy(dst[off:], m.TraceID)
	}
	copy(dst[off:], m.Payload)
	return n, nil
}

// DecodeMessage parses a v0 message frame from src. Returned slices
// (MessageID, TraceID, Payload) borrow from src.
func DecodeMessage(src []byte) (*Message, error) {
	if len(src) < MessageHeaderSize {
		return nil, statusErr("decode", StatusETRUNC)
	}
	if string(src[0:4]) != msgMagic {
		return nil, statusErr("decode", StatusEFORMAT)
	}
	major := binary.LittleEndian.Uint16(src[4:6])
	minor := binary.LittleEndian.Uint16(src[6:8])
	if major != versionMajor || minor != versionMinor {
		return nil, statusErr("decode", StatusEVERSION)
	}
	frameLen := binary.LittleEndian.Uint32(src[8:12])
	if frameLen < MessageHeaderSize {
		return nil, statusErr("decode", StatusEFORMAT)
	}
	if uint32(len(src)) < frameLen {
		return nil, statusErr("decode", StatusETRUNC)
	}

	kind := Kind(src[12])
	if kind != KindCommand && kind != KindEvent && kind != KindTimer {
		return nil, statusErr("decode", StatusEFORMAT)
	}
	flags := Flag(src[13])
	if flags&^allFlags != 0 {
		return nil, statusErr("decode", StatusEFORMAT)
	}

	toWorker := int64(binary.LittleEndian.Uint64(src[16:24]))
	routeWorker := int64(binary.LittleEndian.Uint64(src[24:32]))
	routeTS := int64(binary.LittleEndian.Uint64(src[32:40]))
	fromWorker := int64(binary.LittleEndian.Uint64(src[40:48]))
	if fromWorker != 0 && flags&FlagHasFromWorker == 0 {
		return nil, statusErr("decode", StatusEFORMAT)
	}

	msgIDLen := binary.LittleEndian.Uint32(src[48:52])
	traceIDLen := binary.LittleEndian.Uint32(src[52:56])
	payloadLen := binary.LittleEndian.Uint32(src[56:60])

	hasTrace := flags&FlagHasTraceID != 0
	if hasTrace == (traceIDLen == traceIDAbsent) {
		return nil, statusErr("decode", StatusEFORMAT)
	}
	if msgIDLen == 0 {
		return nil, statusErr("decode", StatusEFORMAT)
	}

	off := uint32(MessageHeaderSize)
	want := off + msgIDLen
	if hasTrace {
		want += traceIDLen
	}
	want += payloadLen
	if want != frameLen {
		return nil, statusErr("decode", StatusEFORMAT)
	}
	if uint32(len(src)) < want {
		return nil, statusErr("decode", StatusETRUNC)
	}

	m := &Message{Kind: kind, Flags: flags, ToWorker: toWorker, RouteWorker: routeWorker, RouteTimestamp: routeTS, FromWorker: fromWorker}
	m.MessageID = src[off : off+msgIDLen]
	off += msgIDLen
	if hasTrace {
		m.TraceID = src[off : off+traceIDLen]
		off += traceIDLen
	}
	m.Payload = src[off : off+payloadLen]
	return m, nil
}
