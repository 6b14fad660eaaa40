// Package handle provides opaque, lifetime-safe references to runtime objects.
//
// A Handle pairs an object with its dynamic BoundType and the Manager that
// owns the object's lifetime. Dereferencing a handle whose object has been
// released yields nil (or ErrInvalidHandle), never a stale object.
package handle

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/cory-johannsen/lightning/internal/meta"
)

// ErrInvalidHandle is returned when dereferencing a null or released handle.
var ErrInvalidHandle = errors.New("invalid handle")

// ReleaseResult reports what a manager did in response to a release.
type ReleaseResult int

const (
	// TakeNoAction means the object is still alive.
	TakeNoAction ReleaseResult = iota
	// DeleteObject means the object was destroyed and every handle to it is invalid.
	DeleteObject
)

func (r ReleaseResult) String() string {
	if r == DeleteObject {
		return "delete"
	}
	return "none"
}

// Destroyer is implemented by objects that need cleanup when their manager
// destroys them.
type Destroyer interface {
	Destroy()
}

// Manager is the allocation strategy behind a family of handles.
type Manager interface {
	// ID returns the manager tag that BoundTypes name.
	ID() meta.ManagerID
	// Allocate places obj under management and returns the first reference to it.
	Allocate(t *meta.BoundType, obj any) Handle
	// Get returns the object or nil when h is no longer valid.
	Get(h Handle) any
	// AddReference records an additional reference held by a copy of h.
	AddReference(h Handle)
	// Release drops one reference held by h.
	Release(h Handle) ReleaseResult
}

// Handle is an opaque reference to a managed object. The zero value is Null.
type Handle struct {
	// Type is the dynamic type of the referenced object.
	Type    *meta.BoundType
	manager Manager
	id      uint64
	gen     uint32
	ptr     any
}

// Null is the handle that references nothing.
var Null Handle

// IsNull reports whether the handle references nothing. A released handle is
// not null; it is invalid and Get returns nil.
func (h Handle) IsNull() bool {
	return h.manager == nil
}

// DynamicType returns the type of the referenced object.
func (h Handle) DynamicType() *meta.BoundType {
	return h.Type
}

// Manager returns the manager that owns the object.
func (h Handle) Manager() Manager {
	return h.manager
}

// ID returns the manager-specific identifier of the object.
func (h Handle) ID() uint64 {
	return h.id
}

// Get returns the referenced object, or nil when the handle is null or invalid.
func (h Handle) Get() any {
	if h.manager == nil {
		return nil
	}
	return h.manager.Get(h)
}

// IsValid reports whether Get would return a live object.
func (h Handle) IsValid() bool {
	return h.Get() != nil
}

// Dereference returns the referenced object.
//
// Postcondition: returns ErrInvalidHandle when the handle is null or its object is gone.
func (h Handle) Dereference() (any, error) {
	obj := h.Get()
	if obj == nil {
		return nil, fmt.Errorf("dereferencing %s: %w", h, ErrInvalidHandle)
	}
	return obj, nil
}

// Copy returns a second reference to the same object.
//
// Postcondition: the caller owns the returned reference and must Release it.
func (h Handle) Copy() Handle {
	if h.manager != nil {
		h.manager.AddReference(h)
	}
	return h
}

// Release drops the reference held by h. Releasing Null is a no-op.
func (h Handle) Release() ReleaseResult {
	if h.manager == nil {
		return TakeNoAction
	}
	return h.manager.Release(h)
}

// Cast checks that the referenced object may be viewed as type to. The dynamic
// type is kept, so both upcasts and checked downcasts are accepted.
//
// Postcondition: a null handle casts to any reference type.
func (h Handle) Cast(to *meta.BoundType) (Handle, error) {
	if to == nil || to.IsValue() {
		return Null, fmt.Errorf("cast to %s: not a reference type", to)
	}
	if h.IsNull() {
		return h, nil
	}
	if !h.Type.IsRawCastableTo(to) {
		return Null, fmt.Errorf("cast %s to %s: not in the ancestor chain", h.Type, to)
	}
	return h, nil
}

// Same reports whether two handles reference the same managed object.
func (h Handle) Same(other Handle) bool {
	if h.manager != other.manager {
		return false
	}
	if h.manager == nil {
		return true
	}
	if _, ok := h.manager.(*PointerManager); ok {
		if h.ptr == nil || !reflect.TypeOf(h.ptr).Comparable() {
			return false
		}
		return h.ptr == other.ptr
	}
	return h.id == other.id && h.gen == other.gen
}

func (h Handle) String() string {
	if h.manager == nil {
		return "null"
	}
	return fmt.Sprintf("%s#%d@%s", h.Type, h.id, h.manager.ID())
}
