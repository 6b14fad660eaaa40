// Package binding exposes Go types and functions to the runtime. Go
// signatures are inspected with reflect when members are declared and turned
// into trampolines; unbound parameter types and duplicate overloads are
// reported when the session is built.
package binding

import (
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lightning/internal/meta"
)

// Session builds a set of native libraries in two phases: every type is
// declared first, members are resolved across the whole session at Build, so
// libraries in one session may reference each other's types.
type Session struct {
	build  *meta.BuildSession
	logger *zap.Logger
	libs   []*Library
}

// NewSession returns an empty session.
//
// Precondition: logger must not be nil.
func NewSession(logger *zap.Logger) *Session {
	if logger == nil {
		panic("binding.NewSession: logger must not be nil")
	}
	return &Session{build: meta.NewBuildSession(), logger: logger}
}

// Library adds a library to the session.
func (s *Session) Library(name string, deps ...*meta.Library) *Library {
	l := &Library{session: s, builder: s.build.NewLibrary(name, deps...)}
	s.libs = append(s.libs, l)
	return l
}

// Build resolves and freezes every library in the session.
//
// Postcondition: returns the libraries in declaration order or a
// *meta.BuildError listing every binding failure.
func (s *Session) Build() ([]*meta.Library, error) {
	libs, err := s.build.Build()
	if err != nil {
		s.logger.Error("binding session failed", zap.Error(err))
		return nil, err
	}
	for _, l := range libs {
		s.logger.Debug("library bound", zap.String("library", l.Name), zap.Int("types", len(l.Types)))
	}
	return libs, nil
}

// Library collects the types of one native library.
type Library struct {
	session *Session
	builder *meta.LibraryBuilder
	types   []*Type
}

// Name returns the library name.
func (l *Library) Name() string { return l.builder.Name() }

// Builder exposes the underlying builder for members the binding helpers do
// not cover.
func (l *Library) Builder() *meta.LibraryBuilder { return l.builder }

// AddLinkHook attaches a per-state hook.
func (l *Library) AddLinkHook(h meta.LinkHook) error {
	return l.builder.AddLinkHook(h)
}

// Types returns the declared types in declaration order.
func (l *Library) Types() []*Type { return l.types }

func (l *Library) fail(kind meta.BindingErrorKind, typ, member, format string, args ...any) {
	l.builder.Fail(&meta.BindingError{Kind: kind, Type: typ, Member: member, Message: fmt.Sprintf(format, args...)})
}

// Type is a declared Go type. Member declarations on a Type that failed to
// declare are ignored; the declaration failure is reported by Build.
type Type struct {
	lib    *Library
	bound  *meta.BoundType
	goType reflect.Type
	name   string
}

// Bound returns the bound type, or nil when the declaration failed.
func (t *Type) Bound() *meta.BoundType { return t.bound }

// Name returns the script-visible name.
func (t *Type) Name() string { return t.name }

// GoType returns the Go representation: T for value types, *T for reference types.
func (t *Type) GoType() reflect.Type { return t.goType }

func (t *Type) acceptsReceiver(rt reflect.Type) bool {
	if rt == t.goType {
		return true
	}
	return t.bound != nil && t.bound.IsValue() && rt.Kind() == reflect.Pointer && rt.Elem() == t.goType
}

// DeclareValue binds T as a value type copied across every boundary.
func DeclareValue[T any](lib *Library, name string) *Type {
	rt := reflect.TypeFor[T]()
	return lib.declare(name, rt, int(rt.Size()), nil, meta.ValueType, meta.NoManager)
}

// DeclareReference binds *T as a reference type managed by manager. base may
// be nil. A derived T embeds its base's struct so inherited methods can be
// called on derived objects.
func DeclareReference[T any](lib *Library, name string, manager meta.ManagerID, base *Type) *Type {
	rt := reflect.TypeFor[*T]()
	var b *meta.BoundType
	if base != nil {
		b = base.bound
		if b == nil {
			lib.fail(meta.UnresolvedType, name, "", "base type %s failed to declare", base.name)
			return &Type{lib: lib, name: name, goType: rt}
		}
	}
	return lib.declare(name, rt, int(rt.Elem().Size()), b, meta.ReferenceType, manager)
}

func (l *Library) declare(name string, rt reflect.Type, size int, base *meta.BoundType, mode meta.CopyMode, manager meta.ManagerID) *Type {
	t := &Type{lib: l, name: name, goType: rt}
	bound, err := l.builder.RegisterType(name, size, base, mode)
	if err != nil {
		var be *meta.BindingError
		if errors.As(err, &be) {
			l.builder.Fail(be)
		} else {
			l.fail(meta.InvalidMember, name, "", "%v", err)
		}
		return t
	}
	bound.GoType = rt
	bound.Native = true
	if mode == meta.ReferenceType && manager != meta.NoManager {
		bound.HandleManager = manager
	}
	t.bound = bound
	l.types = append(l.types, t)
	return t
}
