package meta

import (
	"reflect"

	"github.com/google/uuid"
)

// Host is the per-state context a library link hook can attach data to.
type Host interface {
	ID() string
	SetData(key, value any)
	Data(key any) any
}

// LinkHook lets a library prepare per-state resources when it is linked.
type LinkHook interface {
	Link(h Host) error
	Unlink(h Host)
}

// Library is a named, versioned, ordered collection of bound types.
//
// Invariant: a Library is never mutated after Build returns it.
type Library struct {
	Name         string
	Version      uuid.UUID
	Types        []*BoundType
	Dependencies []*Library
	LinkHooks    []LinkHook

	byName map[string]*BoundType
}

// FindType returns a type declared directly in this library.
func (l *Library) FindType(name string) (*BoundType, bool) {
	t, ok := l.byName[name]
	return t, ok
}

// Module is an ordered list of libraries linked together.
type Module []*Library

// Closure returns the transitive dependency closure with every library placed
// after its dependencies. Libraries reachable twice keep their first position;
// dependency cycles between co-built libraries are tolerated.
//
// Postcondition: the order is deterministic for a given module.
func (m Module) Closure() []*Library {
	seen := make(map[*Library]bool)
	var out []*Library
	var visit func(l *Library)
	visit = func(l *Library) {
		if l == nil || seen[l] {
			return
		}
		seen[l] = true
		for _, dep := range l.Dependencies {
			visit(dep)
		}
		out = append(out, l)
	}
	for _, l := range m {
		visit(l)
	}
	return out
}

// FindType searches the dependency closure in order; the first match wins.
func (m Module) FindType(name string) (*BoundType, bool) {
	for _, l := range m.Closure() {
		if t, ok := l.FindType(name); ok {
			return t, true
		}
	}
	return nil, false
}

// FindGoType returns the first bound type whose Go representation is rt.
func (m Module) FindGoType(rt reflect.Type) (*BoundType, bool) {
	for _, l := range m.Closure() {
		for _, t := range l.Types {
			if t.GoType != nil && t.GoType == rt {
				return t, true
			}
		}
	}
	return nil, false
}

// Types returns every type in the closure in lookup order.
func (m Module) Types() []*BoundType {
	var out []*BoundType
	for _, l := range m.Closure() {
		out = append(out, l.Types...)
	}
	return out
}
