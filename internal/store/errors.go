package store

import "fmt"

// Kind classifies a store error the way the API boundary expects
// (spec §7): callers switch on Kind, not on error identity.
type Kind int

const (
	KindError Kind = iota
	KindNotFound
	KindExists
	KindConflict
	KindBusy
	KindReadonly
	KindFull
	KindInvalidData
	KindCorrupt
	KindOOM
	KindRange
	KindEmpty
	KindParse
	KindType
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindExists:
		return "exists"
	case KindConflict:
		return "conflict"
	case KindBusy:
		return "busy"
	case KindReadonly:
		return "readonly"
	case KindFull:
		return "full"
	case KindInvalidData:
		return "invalid_data"
	case KindCorrupt:
		return "corrupt"
	case KindOOM:
		return "oom"
	case KindRange:
		return "range"
	case KindEmpty:
		return "empty"
	case KindParse:
		return "parse"
	case KindType:
		return "type"
	default:
		return "error"
	}
}

// Error is the store package's single error type; every operation that
// can fail returns one of these (wrapped via %w where a lower-level
// cause exists) rather than panicking.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("store: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(op string, kind Kind) error {
	return &Error{Op: op, Kind: kind}
}

// New constructs a store *Error, for callers outside the package (e.g.
// pkg/runner) that need to synthesize one of the store's own error kinds.
func New(op string, kind Kind) error {
	return newErr(op, kind)
}

func wrapErr(op string, kind Kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Is reports whether err is a store *Error of the given kind.
func Is(err error, kind Kind) bool {
	se, ok := err.(*Error)
	if !ok {
		return false
	}
	return se.Kind == kind
}
