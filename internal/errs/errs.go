// Package errs implements the error taxonomy of the trusted-untrusted call
// boundary. Every handler-visible failure is one of these kinds so the
// dispatcher can fold it into an IPC Error{msg} response without losing the
// ability to match on error kind with errors.As.
package errs

import "fmt"

// Kind identifies which row of the taxonomy an error belongs to.
type Kind string

const (
	ImproperEncryption Kind = "ImproperEncryption"
	DecryptionError    Kind = "DecryptionError"
	KeyError           Kind = "KeyError"
	MissingKeyError    Kind = "MissingKeyError"
	ExecutionError     Kind = "ExecutionError"
	WorkerAuthError    Kind = "WorkerAuthError"
	OcallError         Kind = "OcallError"
	SystemError        Kind = "SystemError"
)

// Error is a typed, wrapped error carrying its taxonomy Kind plus optional
// structured fields (key type, opcode, command name) used by some kinds.
type Error struct {
	Kind Kind
	// Field holds the kind-specific qualifier: KeyError/MissingKeyError's
	// key_type, ExecutionError's code, OcallError's command.
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func NewField(kind Kind, field string, err error) *Error {
	return &Error{Kind: kind, Field: field, Err: err}
}

// Wrap adds context to err without changing its kind. Returns nil if err
// is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
