package vector

import (
	"errors"
	"fmt"
)

// Kind classifies a store or ranker failure.
type Kind int

const (
	KindEngine Kind = iota
	KindConnectionUnavailable
	KindSchemaMismatch
	KindInvalidDocument
)

func (k Kind) String() string {
	switch k {
	case KindConnectionUnavailable:
		return "connection_unavailable"
	case KindSchemaMismatch:
		return "schema_mismatch"
	case KindInvalidDocument:
		return "invalid_document"
	default:
		return "engine_error"
	}
}

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrEngine                = errors.New("engine error")
	ErrConnectionUnavailable = errors.New("connection unavailable")
	ErrSchemaMismatch        = errors.New("schema mismatch")
	ErrInvalidDocument       = errors.New("invalid document")
)

func (k Kind) sentinel() error {
	switch k {
	case KindConnectionUnavailable:
		return ErrConnectionUnavailable
	case KindSchemaMismatch:
		return ErrSchemaMismatch
	case KindInvalidDocument:
		return ErrInvalidDocument
	default:
		return ErrEngine
	}
}

// Error is returned by every Store operation that fails. Op names the
// operation ("add", "search", "ensure_schema", "ping").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// NewError wraps err with a kind and operation.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("vector %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("vector %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrConnectionUnavailable) and friends match on kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindEngine, false
}

// IsStoreError reports whether err originated in a Store.
func IsStoreError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
