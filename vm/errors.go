package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Status codes
// ---------------------------------------------------------------------------

// Status is the outcome of a protected call or a resume.
type Status int

const (
	OK Status = iota
	Yield
	ErrRun
	ErrSyntax
	ErrMem
	ErrErr
	// ErrFile is reserved for hosts loading chunks from files.
	ErrFile
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Yield:
		return "yield"
	case ErrRun:
		return "runtime error"
	case ErrSyntax:
		return "syntax error"
	case ErrMem:
		return "memory error"
	case ErrErr:
		return "error in error handling"
	case ErrFile:
		return "file error"
	case closeKTop:
		return "close"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Static messages used when formatting a new message could fail again.
const (
	memErrMsg = "not enough memory"
	errErrMsg = "error in error handling"
)

// ---------------------------------------------------------------------------
// Host-facing errors
// ---------------------------------------------------------------------------

// Sentinel errors for misuse of the host API.
var (
	ErrNotYieldable = errors.New("attempt to yield from outside a coroutine")
	ErrCannotResume = errors.New("cannot resume non-suspended coroutine")
	ErrDead         = errors.New("cannot resume dead coroutine")
	ErrClosed       = errors.New("vm is closed")
)

// Error is a runtime failure reported to the host by a protected call.
type Error struct {
	Status    Status
	Value     Value  // the error object as raised
	Message   string // textual form of the error object
	Traceback string // stack traceback captured where the error was raised, if any
	cause     error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the Go error a host function returned, if that is what
// raised this error.
func (e *Error) Unwrap() error {
	return e.cause
}

// newError builds the host error for a failed protected call whose error
// object is v. It takes the cause and traceback recorded while raising.
func (th *Thread) newError(status Status, v Value) *Error {
	e := &Error{
		Status:    status,
		Value:     v,
		Message:   th.g.errorMessage(v),
		Traceback: th.errTrace,
		cause:     th.errCause,
	}
	th.errCause = nil
	th.errTrace = ""
	return e
}

// errorMessage renders an error object the way the top level prints it.
func (g *VM) errorMessage(v Value) string {
	switch {
	case v.IsString():
		return v.str().s
	case v.IsNumber():
		return numberToString(v)
	case v.IsNil():
		return "nil"
	}
	if mt := g.metatableOf(v); mt != nil {
		if name := g.tableGetShortStr(mt, g.nameKey); name.IsString() {
			return fmt.Sprintf("(error object is a %s value)", name.str().s)
		}
	}
	return fmt.Sprintf("(error object is a %s value)", v.Type())
}
