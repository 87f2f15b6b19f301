// Package bootloaderrors defines the error taxonomy shared by every core
// component: the firmware parser, the protocol engine, the serial session
// and the flash orchestrator all return errors wrapped in Error so a caller
// can classify a failure with errors.Is against a Kind.
//
// The shape follows goserial's Error{msg, err} + Unwrap wrapper, widened
// with a Kind field so callers can branch on failure class without string
// matching.
package bootloaderrors

import "fmt"

// Kind classifies why an operation failed (spec.md §7).
type Kind int

const (
	// Unknown is the zero value; never returned deliberately.
	Unknown Kind = iota
	InvalidArgument
	FileNotFound
	ParseError
	IoError
	Timeout
	ProtocolError
	VerificationMismatch
	NotConnected
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case FileNotFound:
		return "FileNotFound"
	case ParseError:
		return "ParseError"
	case IoError:
		return "IoError"
	case Timeout:
		return "Timeout"
	case ProtocolError:
		return "ProtocolError"
	case VerificationMismatch:
		return "VerificationMismatch"
	case NotConnected:
		return "NotConnected"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by this module's core packages.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "write_memory"
	Msg  string
	Err  error // wrapped cause, if any
}

func (e *Error) Error() string {
	prefix := e.Kind.String()
	if e.Op != "" {
		prefix = fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	if e.Msg != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", prefix, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return prefix
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, SomeKind) work by comparing against a bare Kind
// sentinel wrapped in an *Error with no message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error of the given kind with an operation label and
// message, no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds an *Error of the given kind, wrapping cause.
func Wrap(kind Kind, op string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Sentinel returns a bare *Error carrying only a Kind, suitable as the
// target of errors.Is(err, bootloaderrors.Sentinel(bootloaderrors.Timeout)).
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}

// VerificationError reports a single mismatched byte discovered by verify
// (spec.md §8 scenario 6).
type VerificationError struct {
	Address  uint32
	Expected byte
	Actual   byte
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification mismatch at 0x%08X: expected 0x%02X, got 0x%02X", e.Address, e.Expected, e.Actual)
}
