// Package wire implements the framed, versioned message and intent
// records that cross the storage/runner boundary (spec §4.G): fixed
// headers with an explicit magic and length, followed by a
// type-specific body. Two record families share the shape: messages
// (magic "LMSG") and intents (magic "LINT").
package wire

import "fmt"

// Kind enumerates message kinds.
type Kind uint8

const (
	KindCommand Kind = 0
	KindEvent   Kind = 1
	KindTimer   Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	case KindTimer:
		return "timer"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Flag is a message flag bit.
type Flag uint8

const (
	FlagDurable        Flag = 1 << 0
	FlagHighPriority   Flag = 1 << 1
	FlagDedupeRequired Flag = 1 << 2
	FlagRequiresAck    Flag = 1 << 3
	FlagHasFromWorker  Flag = 1 << 4
	FlagHasTraceID     Flag = 1 << 5
)

var allFlags = FlagDurable | FlagHighPriority | FlagDedupeRequired | FlagRequiresAck | FlagHasFromWorker | FlagHasTraceID

func (f Flag) String() string {
	if f&^allFlags != 0 {
		return fmt.Sprintf("flags(0x%02x,invalid)", uint8(f))
	}
	names := []string{}
	for bit, name := range map[Flag]string{
		FlagDurable:        "durable",
		FlagHighPriority:   "high_priority",
		FlagDedupeRequired: "dedupe_required",
		FlagRequiresAck:    "requires_ack",
		FlagHasFromWorker:  "has_from_worker",
		FlagHasTraceID:     "has_trace_id",
	} {
		if f&bit != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	out := names[0]
	for _, n := range names[1:] {
		out += "|" + n
	}
	return out
}

// IntentKind enumerates intent kinds.
type IntentKind uint8

const (
	IntentOutboxEmit IntentKind = 0
	IntentTimerArm   IntentKind = 1
)

func (k IntentKind) String() string {
	switch k {
	case IntentOutboxEmit:
		return "outbox_emit"
	case IntentTimerArm:
		return "timer_arm"
	default:
		return fmt.Sprintf("intent_kind(%d)", uint8(k))
	}
}

// IntentFlag is an intent flag bit.
type IntentFlag uint8

const IntentFlagHasDueTS IntentFlag = 1 << 0

// Status is a decode result (spec §4.G).
type Status int

const (
	StatusOK Status = iota
	StatusEINVAL
	StatusE2BIG
	StatusEFORMAT
	StatusEVERSION
	StatusETRUNC
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusEINVAL:
		return "EINVAL"
	case StatusE2BIG:
		return "E2BIG"
	case StatusEFORMAT:
		return "EFORMAT"
	case StatusEVERSION:
		return "EVERSION"
	case StatusETRUNC:
		return "ETRUNC"
	default:
		return "UNKNOWN"
	}
}

// Error wraps a non-OK Status so callers can use errors.As/Is.
type Error struct {
	Status Status
	Op     string
}

func (e *Error) Error() string { return fmt.Sprintf("wire: %s: %s", e.Op, e.Status) }

func statusErr(op string, s Status) error {
	if s == StatusOK {
		return nil
	}
	return &Error{Op: op, Status: s}
}

const (
	msgMagic    = "LMSG"
	intentMagic = "LINT"

	versionMajor = 0
	versionMinor = 0
)
