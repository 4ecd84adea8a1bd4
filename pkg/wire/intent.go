package wire

import "encoding/binary"

// IntentHeaderSize is the fixed v0 intent header (spec §4.G).
const IntentHeaderSize = 28

// Intent is a decoded v0 intent frame.
type Intent struct {
	Kind    IntentKind
	Flags   IntentFlag
	DueTS   int64
	Message []byte
}

func (in *Intent) EncodedLen() int { return IntentHeaderSize + len(in.Message) }

// Encode writes in into dst, which must be at least EncodedLen() bytes.
func (in *Intent) Encode(dst []byte) (int, error) {
	n := in.EncodedLen()
	if len(dst) < n {
		return 0, statusErr("encode", StatusE2BIG)
	}
	if len(in.Message) == 0 {
		return 0, statusErr("encode", StatusEINVAL)
	}
	hasDue := in.Flags&IntentFlagHasDueTS != 0
	switch in.Kind {
	case IntentOutboxEmit:
		if hasDue {
			return 0, statusErr("encode", StatusEINVAL)
		}
	case IntentTimerArm:
		if !hasDue {
			return 0, statusErr("encode", StatusEINVAL)
		}
	default:
		return 0, statusErr("encode", StatusEINVAL)
	}

	copy(dst[0:4], intentMagic)
	binary.LittleEndian.PutUint16(dst[4:6], versionMajor)
	binary.LittleEndian.PutUint16(dst[6:8], versionMinor)
	binary.LittleEndian.PutUint32(dst[8:12], uint32(n))
	dst[12] = byte(in.Kind)
	dst[13] = byte(in.Flags)
	dst[14] = 0
	dst[15] = 0
	binary.LittleEndian.PutUint64(dst[16:24], uint64(in.DueTS))
	binary.LittleEndian.PutUint32(dst[24:28], uint32(len(in.Message)))
	copy(dst[IntentHeaderSize:], in.Message)
	return n, nil
}

// DecodeIntent parses a v0 intent frame from src. Message borrows from src.
func DecodeIntent(src []byte) (*Intent, error) {
	if len(src) < IntentHeaderSize {
		return nil, statusErr("decode", StatusETRUNC)
	}
	if string(src[0:4]) != intentMagic {
		return nil, statusErr("decode", StatusEFORMAT)
	}
	major := binary.LittleEndian.Uint16(src[4:6])
	minor := binary.LittleEndian.Uint16(src[6:8])
	if major != versionMajor || minor != versionMinor {
		return nil, statusErr("decode", StatusEVERSION)
	}
	frameLen := binary.LittleEndian.Uint32(src[8:12])
	if frameLen < IntentHeaderSize {
		return nil, statusErr("decode", StatusEFORMAT)
	}
	if uint32(len(src)) < frameLen {
		return nil, statusErr("decode", StatusETRUNC)
	}

	kind := IntentKind(src[12])
	flags := IntentFlag(src[13])
	hasDue := flags&IntentFlagHasDueTS != 0
	switch kind {
	case IntentOutboxEmit:
		if hasDue {
			return nil, statusErr("decode", StatusEFORMAT)
		}
	case IntentTimerArm:
		if !hasDue {
			return nil, statusErr("decode", StatusEFORMAT)
		}
	default:
		return nil, statusErr("decode", StatusEFORMAT)
	}

	dueTS := int64(binary.LittleEndian.Uint64(src[16:24]))
	msgLen := binary.LittleEndian.Uint32(src[24:28])
	if msgLen == 0 {
		return nil, statusErr("decode", StatusEFORMAT)
	}
	want := uint32(IntentHeaderSize) + msgLen
	if want != frameLen {
		return nil, statusErr("decode", StatusEFORMAT)
	}
	if uint32(len(src)) < want {
		return nil, statusErr("decode", StatusETRUNC)
	}

	return &Intent{Kind: kind, Flags: flags, DueTS: dueTS, Message: src[IntentHeaderSize:want]}, nil
}
