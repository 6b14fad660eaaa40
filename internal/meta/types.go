// Package meta is the reflection model shared by native and scripted code.
// A BoundType describes one type regardless of where it was defined; libraries
// group bound types and are immutable once built.
package meta

import (
	"fmt"
	"reflect"
	"strings"
)

// CopyMode selects how instances cross the native/script boundary.
type CopyMode int

const (
	// ReferenceType instances are always passed by handle.
	ReferenceType CopyMode = iota
	// ValueType instances are always copied.
	ValueType
)

// String returns the mode name.
func (m CopyMode) String() string {
	switch m {
	case ReferenceType:
		return "ReferenceType"
	case ValueType:
		return "ValueType"
	default:
		return fmt.Sprintf("CopyMode(%d)", int(m))
	}
}

// ManagerID tags the handle manager responsible for a type's instances.
type ManagerID string

const (
	// NoManager is used by value types and abstract reference roots.
	NoManager ManagerID = ""
	// PointerManager wraps externally owned objects.
	PointerManager ManagerID = "pointer"
	// ReferenceCountedManager destroys objects when their count reaches zero.
	ReferenceCountedManager ManagerID = "refcounted"
	// HeapManager owns objects in a per-state arena.
	HeapManager ManagerID = "heap"
	// SafeIDManager addresses objects by id through a live-object table.
	SafeIDManager ManagerID = "safeid"
)

// BoundType describes a native or scripted type.
//
// Invariant: after the owning library is built the type is read-only.
type BoundType struct {
	Name          string
	Size          int
	Base          *BoundType
	CopyMode      CopyMode
	HandleManager ManagerID
	// GoType is the Go representation of native instances; nil for scripted types.
	GoType reflect.Type
	Native bool
	// Library is the library the type was built into.
	Library *Library

	Properties   []*Property
	Functions    []*Function
	Constructors []*Function
	// Destructor runs when the owning manager destroys an instance. May be nil.
	Destructor func(obj any)
	Events     []EventDecl

	// NativeVirtualCount is the number of dispatch table slots introduced by
	// native code, counting inherited slots.
	NativeVirtualCount int
	// VTable is the per-type dispatch table indexed by Function.Slot.
	VTable []*Function
}

// String returns the type name.
func (t *BoundType) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.Name
}

// IsValue reports whether instances are copied across boundaries.
func (t *BoundType) IsValue() bool {
	return t.CopyMode == ValueType
}

// IsRawCastableTo reports whether other is t or one of t's ancestors.
//
// Postcondition: reflexive and transitive along the single-inheritance chain.
func (t *BoundType) IsRawCastableTo(other *BoundType) bool {
	if t == nil || other == nil {
		return false
	}
	for cur := t; cur != nil; cur = cur.Base {
		if cur == other {
			return true
		}
	}
	return false
}

// Ancestors returns t followed by each base type up to the root.
func (t *BoundType) Ancestors() []*BoundType {
	var out []*BoundType
	for cur := t; cur != nil; cur = cur.Base {
		out = append(out, cur)
	}
	return out
}

// IsInstantiable reports whether the type can be constructed by the runtime.
func (t *BoundType) IsInstantiable() bool {
	return len(t.Constructors) > 0
}

// FunctionsNamed returns the functions declared directly on t with the given name.
func (t *BoundType) FunctionsNamed(name string) []*Function {
	var out []*Function
	for _, fn := range t.Functions {
		if fn.Name == name {
			out = append(out, fn)
		}
	}
	return out
}

// FindFunction resolves an overload by exact parameter-type equality.
//
// The search starts at t and walks base types; the first type with a match
// decides. A nil params slice matches any parameter list and a nil ret matches
// any return type. No numeric promotion is performed.
//
// Postcondition: returns ErrNoMatchingOverload when nothing matches and
// ErrAmbiguousOverload when more than one candidate matches on a single type.
func (t *BoundType) FindFunction(name string, params []*BoundType, ret *BoundType) (*Function, error) {
	for cur := t; cur != nil; cur = cur.Base {
		var matches []*Function
		for _, fn := range cur.FunctionsNamed(name) {
			if params != nil && !fn.HasParams(params) {
				continue
			}
			if ret != nil && fn.Return != ret {
				continue
			}
			matches = append(matches, fn)
		}
		switch len(matches) {
		case 0:
			continue
		case 1:
			return matches[0], nil
		default:
			sigs := make([]string, 0, len(matches))
			for _, m := range matches {
				sigs = append(sigs, m.Signature())
			}
			return nil, fmt.Errorf("%w: %s.%s matches [%s]", ErrAmbiguousOverload, t.Name, name, strings.Join(sigs, ", "))
		}
	}
	return nil, fmt.Errorf("%w: %s.%s(%s)", ErrNoMatchingOverload, t.Name, name, typeList(params))
}

// FindConstructor resolves a constructor by exact parameter-type equality.
func (t *BoundType) FindConstructor(params []*BoundType) (*Function, error) {
	for _, ctor := range t.Constructors {
		if ctor.HasParams(params) {
			return ctor, nil
		}
	}
	return nil, fmt.Errorf("%w: %s.constructor(%s)", ErrNoMatchingOverload, t.Name, typeList(params))
}

// FindProperty returns the named property on t or one of its bases.
func (t *BoundType) FindProperty(name string) (*Property, bool) {
	for cur := t; cur != nil; cur = cur.Base {
		for _, p := range cur.Properties {
			if p.Name == name {
				return p, true
			}
		}
	}
	return nil, false
}

// FindEvent returns the declared event on t or one of its bases.
func (t *BoundType) FindEvent(name string) (EventDecl, bool) {
	for cur := t; cur != nil; cur = cur.Base {
		for _, e := range cur.Events {
			if e.Name == name {
				return e, true
			}
		}
	}
	return EventDecl{}, false
}

// ResolveVirtual returns the implementation of fn in t's dispatch table.
// Non-virtual functions resolve to themselves.
//
// Precondition: t must be castable to fn.Owner.
func (t *BoundType) ResolveVirtual(fn *Function) *Function {
	if fn == nil || !fn.Virtual || fn.Slot < 0 {
		return fn
	}
	if fn.Slot < len(t.VTable) && t.VTable[fn.Slot] != nil {
		return t.VTable[fn.Slot]
	}
	return fn
}

func typeList(types []*BoundType) string {
	if types == nil {
		return "*"
	}
	names := make([]string, len(types))
	for i, p := range types {
		names[i] = p.String()
	}
	return strings.Join(names, ", ")
}
