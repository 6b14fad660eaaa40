package runtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lightning/internal/console"
	"github.com/cory-johannsen/lightning/internal/event"
	"github.com/cory-johannsen/lightning/internal/meta"
)

// Special call slots.
const (
	This   = -1
	Return = -2
)

// Call binds one function invocation to a state. A Call is single use: slots
// are written, Invoke runs once, then results are read.
type Call struct {
	fn    *meta.Function
	state *ExecutableState

	this    any
	thisSet bool
	args    []any
	argSet  []bool

	invoked bool
	ret     any
	err     error
}

// NewCall prepares a call of fn in state.
//
// Precondition: fn and state must not be nil.
func NewCall(fn *meta.Function, state *ExecutableState) *Call {
	if fn == nil {
		panic("runtime.NewCall: fn must not be nil")
	}
	if state == nil {
		panic("runtime.NewCall: state must not be nil")
	}
	return &Call{
		fn:     fn,
		state:  state,
		args:   make([]any, len(fn.Params)),
		argSet: make([]bool, len(fn.Params)),
	}
}

// Function returns the target.
func (c *Call) Function() *meta.Function { return c.fn }

func (c *Call) marshalError(slot int, err error, format string, args ...any) *MarshalError {
	return &MarshalError{Function: c.fn.QualifiedName(), Slot: slot, Message: fmt.Sprintf(format, args...), Err: err}
}

// Set writes this (slot This) or argument slot i.
//
// Postcondition: a type-incompatible value or a write after Invoke returns a
// *MarshalError and leaves the slot unchanged.
func (c *Call) Set(slot int, v any) error {
	if c.invoked {
		return c.marshalError(slot, ErrOutOfSequence, "slot written after invoke")
	}
	switch {
	case slot == This:
		if c.fn.Static {
			return c.marshalError(slot, nil, "static function has no receiver")
		}
		cv, ok := meta.Coerce(c.fn.Owner, v)
		if !ok {
			return c.marshalError(slot, nil, "%T is not a %s", v, c.fn.Owner)
		}
		c.this, c.thisSet = cv, true
		return nil
	case slot >= 0 && slot < len(c.args):
		cv, ok := meta.Coerce(c.fn.Params[slot], v)
		if !ok {
			return c.marshalError(slot, nil, "%T is not a %s", v, c.fn.Params[slot])
		}
		c.args[slot], c.argSet[slot] = cv, true
		return nil
	default:
		return c.marshalError(slot, nil, "no such slot in %s", c.fn.Signature())
	}
}

// Invoke runs the call with no caller context.
func (c *Call) Invoke(report *ExceptionReport) error {
	return c.InvokeContext(context.Background(), report)
}

// InvokeContext runs the call. When ctx belongs to an active call of the same
// state the call nests in that chain; otherwise it starts a top-level call,
// which fixes the deadline and reports unhandled exceptions when it fails.
//
// Postcondition: the state's call depth equals its depth before the call.
// Returns a *MarshalError for slot problems, a sentinel for state misuse, or
// the *Exception that unwound the call. report may be nil.
func (c *Call) InvokeContext(ctx context.Context, report *ExceptionReport) error {
	if c.invoked {
		return c.marshalError(Return, ErrOutOfSequence, "call invoked twice")
	}
	if !c.fn.Static && !c.thisSet {
		return c.marshalError(This, nil, "receiver not set")
	}
	for i, set := range c.argSet {
		if !set {
			return c.marshalError(i, nil, "argument not set")
		}
	}
	if c.fn.Invoke == nil {
		return c.marshalError(Return, nil, "function has no implementation")
	}
	c.invoked = true

	s := c.state
	if CallingState(ctx) == s && s.active.Load() {
		ret, exc := s.invoke(ctx, c.fn, c.this, c.args)
		return c.finish(ret, exc, report)
	}
	return c.outermost(ctx, report)
}

func (c *Call) outermost(ctx context.Context, report *ExceptionReport) error {
	s := c.state
	if !s.active.CompareAndSwap(false, true) {
		c.invoked = false
		return ErrConcurrentCall
	}
	if st := s.Status(); st == Unlinked || st == Destroyed {
		s.active.Store(false)
		c.invoked = false
		return ErrNotLinked
	}
	s.setStatus(Running)
	s.mu.Lock()
	s.abort = nil
	s.mu.Unlock()

	callCtx := context.WithValue(ctx, stateKey{}, s)
	if d := s.Timeout(); d > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, d)
		defer cancel()
	}

	ret, exc := s.invoke(callCtx, c.fn, c.this, c.args)

	s.mu.Lock()
	s.abort = nil
	s.mu.Unlock()
	if exc != nil {
		s.setStatus(Faulted)
	} else {
		s.setStatus(Completed)
	}
	s.active.Store(false)
	s.drainDestroyQueue()

	err := c.finish(ret, exc, report)
	if exc != nil {
		s.raiseUnhandled(ctx, exc)
	}
	return err
}

func (c *Call) finish(ret any, exc *Exception, report *ExceptionReport) error {
	if exc != nil {
		report.record(exc)
		c.err = exc
		return exc
	}
	c.ret = ret
	return nil
}

// raiseUnhandled surfaces an exception that escaped the outermost frame.
func (s *ExecutableState) raiseUnhandled(ctx context.Context, exc *Exception) {
	s.logger.Warn("unhandled exception",
		zap.Stringer("kind", exc.Kind),
		zap.Stringer("location", exc.Location),
		zap.String("message", exc.Message),
	)
	pre := s.dispatcher.DispatchContext(ctx, event.PreUnhandledException, exc)
	if pre.Handled {
		return
	}
	if s.dispatcher.DispatchContext(ctx, event.UnhandledException, exc).Handled {
		return
	}
	s.console.Print(console.ErrorFilter, exc.Diagnostic())
}

// Get reads a slot after a successful Invoke.
//
// Postcondition: returns nil before Invoke, after a failed Invoke or for an
// unknown slot.
func (c *Call) Get(slot int) any {
	if !c.invoked || c.err != nil {
		return nil
	}
	switch {
	case slot == Return:
		return c.ret
	case slot == This:
		return c.this
	case slot >= 0 && slot < len(c.args):
		return c.args[slot]
	}
	return nil
}

// Err returns the exception of a faulted Invoke.
func (c *Call) Err() error { return c.err }

// Faulted reports whether Invoke ended with an exception.
func (c *Call) Faulted() bool {
	_, ok := AsException(c.err)
	return ok
}

// GetAs reads a slot as T.
func GetAs[T any](c *Call, slot int) (T, bool) {
	v, ok := c.Get(slot).(T)
	return v, ok
}
