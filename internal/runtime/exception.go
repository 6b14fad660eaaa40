package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cory-johannsen/lightning/internal/meta"
)

var (
	// ErrOutOfSequence is wrapped by MarshalErrors for slot writes after Invoke
	// or a second Invoke of the same Call.
	ErrOutOfSequence = errors.New("call used out of sequence")
	// ErrConcurrentCall is returned when a top-level call starts while another
	// top-level call of the same state is active.
	ErrConcurrentCall = errors.New("state already has an active top-level call")
	// ErrNotLinked is returned when calling into a state that is not linked.
	ErrNotLinked = errors.New("executable state is not linked")
	// ErrCallActive is returned when destroying a state during a call.
	ErrCallActive = errors.New("executable state has an active call")
)

// MarshalError reports a call-time failure to move a value into or out of a
// call slot. It is local to one Call and never raises an exception event.
type MarshalError struct {
	Function string
	Slot     int
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *MarshalError) Error() string {
	return fmt.Sprintf("marshal %s %s: %s", e.Function, slotName(e.Slot), e.Message)
}

// Unwrap returns the sentinel behind the failure, if any.
func (e *MarshalError) Unwrap() error { return e.Err }

func slotName(slot int) string {
	switch slot {
	case This:
		return "this"
	case Return:
		return "return"
	default:
		return fmt.Sprintf("arg %d", slot)
	}
}

// ExceptionKind classifies faults that cross the native/script boundary.
type ExceptionKind int

const (
	// ExceptionScript is raised by scripted code.
	ExceptionScript ExceptionKind = iota
	// ExceptionNative is an error or panic from a native trampoline.
	ExceptionNative
	// ExceptionTimeout means the call budget was exhausted.
	ExceptionTimeout
	// ExceptionStackOverflow means the call stack exceeded the configured depth.
	ExceptionStackOverflow
)

func (k ExceptionKind) String() string {
	switch k {
	case ExceptionScript:
		return "script"
	case ExceptionNative:
		return "native"
	case ExceptionTimeout:
		return "timeout"
	case ExceptionStackOverflow:
		return "stack overflow"
	default:
		return fmt.Sprintf("ExceptionKind(%d)", int(k))
	}
}

// StackEntry is one frame of a captured call stack.
type StackEntry struct {
	Function string
	Location meta.Location
}

func (e StackEntry) String() string {
	return fmt.Sprintf("%s (%s)", e.Function, e.Location)
}

// Exception is a fault that unwinds every frame between where it was raised
// and the outermost call.
type Exception struct {
	Kind     ExceptionKind
	Message  string
	Location meta.Location
	// Trace is the call stack when the exception was raised, innermost first.
	Trace []StackEntry
	Cause error
}

// NewException builds an exception, capturing the stack of the state calling
// under ctx. A zero loc is reported as native.
func NewException(ctx context.Context, kind ExceptionKind, message string, loc meta.Location, cause error) *Exception {
	if loc == (meta.Location{}) {
		loc = meta.NativeLocation
	}
	e := &Exception{Kind: kind, Message: message, Location: loc, Cause: cause}
	if s := CallingState(ctx); s != nil {
		e.Trace = s.StackTrace()
	}
	return e
}

// Error implements the error interface.
func (e *Exception) Error() string {
	return fmt.Sprintf("%s exception at %s: %s", e.Kind, e.Location, e.Message)
}

// Unwrap returns the underlying native error, if any.
func (e *Exception) Unwrap() error { return e.Cause }

// Diagnostic renders the message and call stack for the console.
func (e *Exception) Diagnostic() string {
	var b strings.Builder
	b.WriteString(e.Error())
	for _, entry := range e.Trace {
		b.WriteString("\n    at ")
		b.WriteString(entry.String())
	}
	return b.String()
}

// AsException extracts an Exception from err.
func AsException(err error) (*Exception, bool) {
	var exc *Exception
	if errors.As(err, &exc) {
		return exc, true
	}
	return nil, false
}

// ExceptionReport collects the exceptions thrown by the calls it is passed to.
type ExceptionReport struct {
	mu         sync.Mutex
	exceptions []*Exception
}

// HasThrownExceptions reports whether any exception was recorded.
func (r *ExceptionReport) HasThrownExceptions() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exceptions) > 0
}

// Exceptions returns the recorded exceptions in the order they were thrown.
func (r *ExceptionReport) Exceptions() []*Exception {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Exception(nil), r.exceptions...)
}

// Last returns the most recent exception or nil.
func (r *ExceptionReport) Last() *Exception {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.exceptions) == 0 {
		return nil
	}
	return r.exceptions[len(r.exceptions)-1]
}

func (r *ExceptionReport) record(e *Exception) {
	if r == nil || e == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.exceptions {
		if existing == e {
			return
		}
	}
	r.exceptions = append(r.exceptions, e)
}
