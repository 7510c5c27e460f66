package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the pipeline must react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransientIO covers network and API hiccups. Retry with backoff.
	KindTransientIO
	// KindModelOutput is an unparseable or schema-violating model response.
	KindModelOutput
	// KindDuplicateAction means the ledger already holds a row for the key.
	KindDuplicateAction
	// KindConfiguration is missing context the pipeline can work around.
	KindConfiguration
	// KindFatalState means a store invariant is violated. Halt the account.
	KindFatalState
)

// String returns the snake_case name used in logs and API responses.
func (k Kind) String() string {
	switch k {
	case KindTransientIO:
		return "transient_io"
	case KindModelOutput:
		return "model_output"
	case KindDuplicateAction:
		return "duplicate_action"
	case KindConfiguration:
		return "configuration"
	case KindFatalState:
		return "fatal_state"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// TransientIO wraps an I/O failure worth retrying. op names the failing
// operation, e.g. "ledger.reserve".
func TransientIO(op string, err error) error { return newError(KindTransientIO, op, err) }

// ModelOutput wraps model output that could not be used.
func ModelOutput(op string, err error) error { return newError(KindModelOutput, op, err) }

// Configuration wraps a missing or invalid setting.
func Configuration(op string, err error) error { return newError(KindConfiguration, op, err) }

// FatalState wraps a broken invariant in stored state.
func FatalState(op string, err error) error { return newError(KindFatalState, op, err) }

// DuplicateAction reports that a ledger key was already reserved.
func DuplicateAction(op, key string) error {
	return newError(KindDuplicateAction, op, fmt.Errorf("ledger key %s already reserved", key))
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
