// Package runtime links libraries into executable states and performs calls
// across the native/script boundary.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lightning/internal/console"
	"github.com/cory-johannsen/lightning/internal/event"
	"github.com/cory-johannsen/lightning/internal/handle"
	"github.com/cory-johannsen/lightning/internal/meta"
)

// Status is the lifecycle stage of an ExecutableState.
type Status int32

const (
	Unlinked Status = iota
	Linked
	Running
	Completed
	Faulted
	Destroyed
)

func (s Status) String() string {
	switch s {
	case Unlinked:
		return "unlinked"
	case Linked:
		return "linked"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Faulted:
		return "faulted"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

type stateKey struct{}

// CallingState returns the state whose call ctx belongs to, or nil outside
// any call. The slot is set when the outermost call begins and disappears
// with that call's context.
func CallingState(ctx context.Context) *ExecutableState {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(stateKey{}).(*ExecutableState)
	return s
}

// ExecutableState is a linked runtime formed from a module of libraries. It
// owns static storage, the call stack and the heap objects it allocates.
//
// Invariant: the call stack is used by one goroutine at a time; concurrent
// top-level calls are rejected with ErrConcurrentCall and any other
// synchronization is the caller's responsibility.
type ExecutableState struct {
	id     uuid.UUID
	logger *zap.Logger
	deps   meta.Module

	status  atomic.Int32
	active  atomic.Bool
	timeout atomic.Int64
	maxDepth int

	console    *console.Console
	dispatcher *event.Dispatcher

	libraries []*meta.Library
	linked    []meta.LinkHook
	heap      *handle.HeapManager
	managers  map[meta.ManagerID]handle.Manager

	mu      sync.Mutex
	frames  []*frame
	abort   *Exception
	statics map[*meta.Property]any
	data    map[any]any

	destroyMu    sync.Mutex
	destroyQueue []handle.Handle
}

// New returns an unlinked state over deps.
//
// Precondition: logger must not be nil.
func New(deps meta.Module, logger *zap.Logger, opts ...Option) *ExecutableState {
	if logger == nil {
		panic("runtime.New: logger must not be nil")
	}
	o := options{maxDepth: DefaultMaxCallDepth}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxDepth < 1 {
		o.maxDepth = 1
	}
	if o.console == nil {
		o.console = console.New()
	}

	s := &ExecutableState{
		id:       uuid.New(),
		deps:     deps,
		maxDepth: o.maxDepth,
		console:  o.console,
		heap:     handle.NewHeapManager(o.heapCapacity),
		managers: map[meta.ManagerID]handle.Manager{
			meta.PointerManager:          handle.NewPointerManager(),
			meta.ReferenceCountedManager: handle.NewRefCountedManager(),
			meta.SafeIDManager:           handle.NewSafeIDManager(),
		},
		statics: make(map[*meta.Property]any),
		data:    make(map[any]any),
	}
	s.logger = logger.With(zap.String("state", s.id.String()))
	s.managers[meta.HeapManager] = s.heap
	for _, m := range o.managers {
		if m.ID() != meta.HeapManager {
			s.managers[m.ID()] = m
		}
	}
	s.timeout.Store(int64(o.timeout))
	s.dispatcher = event.NewDispatcher(s)
	return s
}

// Link builds a state over deps and links it.
//
// Postcondition: returns a Linked state or a non-nil error.
func Link(deps meta.Module, logger *zap.Logger, opts ...Option) (*ExecutableState, error) {
	s := New(deps, logger, opts...)
	if err := s.Link(); err != nil {
		return nil, err
	}
	return s, nil
}

// ID implements meta.Host.
func (s *ExecutableState) ID() string { return s.id.String() }

// Status returns the lifecycle stage.
func (s *ExecutableState) Status() Status { return Status(s.status.Load()) }

func (s *ExecutableState) setStatus(st Status) { s.status.Store(int32(st)) }

// Logger returns the state's logger.
func (s *ExecutableState) Logger() *zap.Logger { return s.logger }

// Console returns the diagnostic sink.
func (s *ExecutableState) Console() *console.Console { return s.console }

// Dispatcher sends the state's own events: PreUnhandledException,
// UnhandledException and StateDestroyed.
func (s *ExecutableState) Dispatcher() *event.Dispatcher { return s.dispatcher }

// Libraries returns the linked dependency closure, dependencies first.
func (s *ExecutableState) Libraries() []*meta.Library { return s.libraries }

// Link merges the dependency closure, allocates static storage and runs each
// library's link hooks in closure order.
//
// Precondition: the state must be Unlinked.
// Postcondition: on error every hook already linked is unlinked and the state stays Unlinked.
func (s *ExecutableState) Link() error {
	if st := s.Status(); st != Unlinked {
		return fmt.Errorf("linking state in status %s", st)
	}
	closure := s.deps.Closure()
	statics := make(map[*meta.Property]any)
	for _, lib := range closure {
		for _, t := range lib.Types {
			if t.HandleManager != meta.NoManager {
				if _, ok := s.managers[t.HandleManager]; !ok {
					return fmt.Errorf("linking %s: type %s uses unknown handle manager %q", lib.Name, t.Name, t.HandleManager)
				}
			}
			for _, p := range t.Properties {
				if !p.Static {
					continue
				}
				v := meta.ZeroValue(p.Type)
				if p.Default != nil {
					d, ok := meta.Coerce(p.Type, p.Default)
					if !ok {
						return fmt.Errorf("linking %s: static %s.%s default %v is not a %s", lib.Name, t.Name, p.Name, p.Default, p.Type)
					}
					v = d
				}
				statics[p] = v
			}
		}
	}

	s.mu.Lock()
	s.statics = statics
	s.mu.Unlock()
	s.libraries = closure

	for _, lib := range closure {
		for _, hook := range lib.LinkHooks {
			if err := hook.Link(s); err != nil {
				s.unlinkHooks()
				s.libraries = nil
				return fmt.Errorf("linking %s: %w", lib.Name, err)
			}
			s.linked = append(s.linked, hook)
		}
	}
	s.setStatus(Linked)
	s.logger.Info("state linked", zap.Int("libraries", len(closure)))
	return nil
}

func (s *ExecutableState) unlinkHooks() {
	for i := len(s.linked) - 1; i >= 0; i-- {
		s.linked[i].Unlink(s)
	}
	s.linked = nil
}

// Destroy tears the state down: unlinks hooks in reverse, releases static and queued
// handles, invalidates every heap object and sends StateDestroyed.
//
// Postcondition: the state is Destroyed; destroying twice is a no-op.
func (s *ExecutableState) Destroy() error {
	if s.Status() == Destroyed {
		return nil
	}
	if !s.active.CompareAndSwap(false, true) {
		return ErrCallActive
	}
	defer s.active.Store(false)

	s.unlinkHooks()
	s.releaseStatics()
	s.drainDestroyQueue()
	freed := s.heap.InvalidateAll()
	s.drainDestroyQueue()

	s.mu.Lock()
	s.statics = make(map[*meta.Property]any)
	s.data = make(map[any]any)
	s.frames = nil
	s.mu.Unlock()

	s.setStatus(Destroyed)
	s.dispatcher.Dispatch(event.StateDestroyed, s)
	s.dispatcher.Destroy()
	s.logger.Info("state destroyed", zap.Int("heapObjectsFreed", freed))
	return nil
}

// SetData implements meta.Host.
func (s *ExecutableState) SetData(key, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.data, key)
		return
	}
	s.data[key] = value
}

// Data implements meta.Host.
func (s *ExecutableState) Data(key any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key]
}

// SetTimeout sets the budget of later outermost calls in seconds. Zero or
// negative disables the timeout.
func (s *ExecutableState) SetTimeout(seconds float64) {
	if seconds <= 0 {
		s.timeout.Store(0)
		return
	}
	s.timeout.Store(int64(seconds * float64(time.Second)))
}

// Timeout returns the budget of outermost calls; zero means none.
func (s *ExecutableState) Timeout() time.Duration {
	return time.Duration(s.timeout.Load())
}

// MaxCallDepth returns the configured stack bound.
func (s *ExecutableState) MaxCallDepth() int { return s.maxDepth }

// FindType resolves a type over the linked closure.
func (s *ExecutableState) FindType(name string) (*meta.BoundType, bool) {
	return s.deps.FindType(name)
}

// FindGoType resolves the bound type of a native Go representation.
func (s *ExecutableState) FindGoType(rt reflect.Type) (*meta.BoundType, bool) {
	return s.deps.FindGoType(rt)
}

// ManagerFor returns the manager that owns instances of t.
//
// Postcondition: returns nil for value types.
func (s *ExecutableState) ManagerFor(t *meta.BoundType) handle.Manager {
	if t == nil || t.HandleManager == meta.NoManager {
		return nil
	}
	return s.managers[t.HandleManager]
}

// Heap returns the state's private heap manager.
func (s *ExecutableState) Heap() *handle.HeapManager { return s.heap }

// Wrap places an existing object under the manager of t.
//
// Precondition: t must be a reference type with a handle manager.
func (s *ExecutableState) Wrap(t *meta.BoundType, obj any) (handle.Handle, error) {
	m := s.ManagerFor(t)
	if m == nil {
		return handle.Null, fmt.Errorf("wrapping %s: type has no handle manager", t)
	}
	return m.Allocate(t, obj), nil
}

// AllocateHeapObject allocates a zero-valued instance of a native reference
// type on the state's heap without running a constructor.
func (s *ExecutableState) AllocateHeapObject(t *meta.BoundType) (handle.Handle, error) {
	if t == nil || t.IsValue() {
		return handle.Null, fmt.Errorf("allocating %s: not a reference type", t)
	}
	if t.GoType == nil {
		return handle.Null, fmt.Errorf("allocating %s: type has no native layout", t)
	}
	rt := t.GoType
	if rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	return s.heap.Allocate(t, reflect.New(rt).Interface()), nil
}

// Construct runs the first constructor of t whose parameters accept args.
func (s *ExecutableState) Construct(ctx context.Context, t *meta.BoundType, report *ExceptionReport, args ...any) (any, error) {
	var ctor *meta.Function
	for _, c := range t.Constructors {
		if len(c.Params) != len(args) {
			continue
		}
		ok := true
		for i, p := range c.Params {
			if _, fits := meta.Coerce(p, args[i]); !fits {
				ok = false
				break
			}
		}
		if ok {
			ctor = c
			break
		}
	}
	if ctor == nil {
		return nil, fmt.Errorf("constructing %s: %w", t, meta.ErrNoMatchingOverload)
	}
	call := NewCall(ctor, s)
	for i, a := range args {
		if err := call.Set(i, a); err != nil {
			return nil, err
		}
	}
	if err := call.InvokeContext(ctx, report); err != nil {
		return nil, err
	}
	return call.Get(Return), nil
}

// AllocateDefaultConstructed runs t's zero-argument constructor.
//
// Postcondition: returns a live handle or a non-nil error.
func (s *ExecutableState) AllocateDefaultConstructed(ctx context.Context, t *meta.BoundType, report *ExceptionReport) (handle.Handle, error) {
	if t == nil || t.IsValue() {
		return handle.Null, fmt.Errorf("allocating %s: not a reference type", t)
	}
	v, err := s.Construct(ctx, t, report)
	if err != nil {
		return handle.Null, err
	}
	h, ok := v.(handle.Handle)
	if !ok || h.IsNull() {
		return handle.Null, fmt.Errorf("allocating %s: constructor returned no object", t)
	}
	return h, nil
}

// GetStatic reads static storage. A handle is returned borrowed; the static
// keeps its reference.
func (s *ExecutableState) GetStatic(p *meta.Property) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.statics[p]
	if !ok {
		return nil, fmt.Errorf("static %s.%s is not linked into this state", p.Owner, p.Name)
	}
	return v, nil
}

// SetStatic writes static storage. A handle value is copied into the static
// and the handle it replaces is released.
func (s *ExecutableState) SetStatic(p *meta.Property, v any) error {
	cv, ok := meta.Coerce(p.Type, v)
	if !ok {
		return &MarshalError{Function: p.Owner.Name + "." + p.Name, Slot: 0, Message: fmt.Sprintf("%T is not a %s", v, p.Type)}
	}
	s.mu.Lock()
	old, linked := s.statics[p]
	if !linked {
		s.mu.Unlock()
		return fmt.Errorf("static %s.%s is not linked into this state", p.Owner, p.Name)
	}
	if h, ok := cv.(handle.Handle); ok {
		cv = h.Copy()
	}
	s.statics[p] = cv
	s.mu.Unlock()
	if h, ok := old.(handle.Handle); ok {
		h.Release()
	}
	return nil
}

// releaseStatics drops the references held in static storage.
func (s *ExecutableState) releaseStatics() {
	s.mu.Lock()
	var held []handle.Handle
	for p, v := range s.statics {
		if h, ok := v.(handle.Handle); ok {
			held = append(held, h)
			s.statics[p] = nil
		}
	}
	s.mu.Unlock()
	for _, h := range held {
		h.Release()
	}
}

// QueueDestroy defers releasing h until the outermost call exits, or releases
// it at once when no call is active.
func (s *ExecutableState) QueueDestroy(h handle.Handle) {
	if h.IsNull() {
		return
	}
	s.destroyMu.Lock()
	s.destroyQueue = append(s.destroyQueue, h)
	s.destroyMu.Unlock()
	if !s.active.Load() {
		s.drainDestroyQueue()
	}
}

// drainDestroyQueue swaps the queue out and releases outside the lock, so
// destructors may queue more handles; those are drained in the next round.
func (s *ExecutableState) drainDestroyQueue() {
	for {
		s.destroyMu.Lock()
		batch := s.destroyQueue
		s.destroyQueue = nil
		s.destroyMu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, h := range batch {
			h.Release()
		}
	}
}

// Depth returns the number of frames on the call stack.
func (s *ExecutableState) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// StackTrace returns the active frames, innermost first.
func (s *ExecutableState) StackTrace() []StackEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StackEntry, 0, len(s.frames))
	for i := len(s.frames) - 1; i >= 0; i-- {
		fn := s.frames[i].fn
		out = append(out, StackEntry{Function: fn.QualifiedName(), Location: fn.Location})
	}
	return out
}

// ConnectFunction invokes fn whenever sender dispatches name. The event data
// is passed as the single argument when fn takes one; a Boolean true return
// marks the event handled.
func (s *ExecutableState) ConnectFunction(sender *event.Dispatcher, name string, receiver *event.Receiver, fn *meta.Function, this any) *event.Connection {
	return sender.Connect(name, receiver, func(e *event.Event) {
		call := NewCall(fn, s)
		if !fn.Static {
			if err := call.Set(This, this); err != nil {
				s.logger.Warn("event handler receiver rejected", zap.String("event", name), zap.Error(err))
				return
			}
		}
		if len(fn.Params) > 0 {
			if err := call.Set(0, e.Data); err != nil {
				s.logger.Warn("event data rejected by handler", zap.String("event", name), zap.Error(err))
				return
			}
		}
		ctx := e.Context
		if ctx == nil {
			ctx = context.Background()
		}
		if err := call.InvokeContext(ctx, nil); err != nil {
			if !errors.Is(err, ErrConcurrentCall) {
				s.logger.Debug("event handler faulted", zap.String("event", name), zap.Error(err))
				return
			}
			s.logger.Warn("event handler skipped", zap.String("event", name), zap.Error(err))
			return
		}
		if handled, ok := call.Get(Return).(bool); ok && handled {
			e.Handled = true
		}
	})
}
