package host

import (
	"context"
	"fmt"

	"github.com/cory-johannsen/lightning/internal/console"
	"github.com/cory-johannsen/lightning/internal/event"
	"github.com/cory-johannsen/lightning/internal/meta"
	"github.com/cory-johannsen/lightning/internal/runtime"
)

// ReportEvent is the event queued on the thread dispatch for each unhandled
// exception.
const ReportEvent = "Report"

// ResolveEntry finds the zero-argument function funcName of typeName.
func ResolveEntry(s *runtime.ExecutableState, typeName, funcName string) (*meta.Function, error) {
	t, ok := s.FindType(typeName)
	if !ok {
		return nil, fmt.Errorf("entry type %s is not linked", typeName)
	}
	fn, err := t.FindFunction(funcName, []*meta.BoundType{}, nil)
	if err != nil {
		return nil, fmt.Errorf("entry %s.%s: %w", typeName, funcName, err)
	}
	return fn, nil
}

// RunEntry calls fn as an outermost call. A static fn is called directly; an
// instance fn is called on a default-constructed object that is released
// afterwards.
//
// Postcondition: returns fn's result, or the error that faulted the call.
func RunEntry(ctx context.Context, s *runtime.ExecutableState, fn *meta.Function) (any, error) {
	call := runtime.NewCall(fn, s)
	if !fn.Static {
		h, err := s.AllocateDefaultConstructed(ctx, fn.Owner, nil)
		if err != nil {
			return nil, fmt.Errorf("constructing %s: %w", fn.Owner, err)
		}
		defer h.Release()
		if err := call.Set(runtime.This, h); err != nil {
			return nil, err
		}
	}
	if err := call.InvokeContext(ctx, nil); err != nil {
		return nil, err
	}
	return call.Get(runtime.Return), nil
}

// ReportUnhandled takes over unhandled exceptions of s: each one is marked
// handled and queued on td, and printed to c when td is drained. This keeps
// console output off the goroutine running the state.
//
// Precondition: s, td and c must not be nil.
func ReportUnhandled(s *runtime.ExecutableState, td *event.ThreadDispatch, c *console.Console) *event.Connection {
	if s == nil || td == nil || c == nil {
		panic("host.ReportUnhandled: state, dispatch and console must not be nil")
	}
	reports := event.NewDispatcher(s)
	reports.Connect(ReportEvent, nil, func(e *event.Event) {
		if exc, ok := e.Data.(*runtime.Exception); ok {
			c.Print(console.ErrorFilter, exc.Diagnostic())
		}
	})
	return s.Dispatcher().Connect(event.UnhandledException, nil, func(e *event.Event) {
		exc, ok := e.Data.(*runtime.Exception)
		if !ok {
			return
		}
		td.DispatchOn(reports, reports, ReportEvent, exc)
		e.Handled = true
	})
}
