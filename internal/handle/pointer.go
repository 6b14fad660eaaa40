package handle

import "github.com/cory-johannsen/lightning/internal/meta"

// PointerManager references externally owned objects. It never owns or
// destroys anything; the owner is responsible for the object's validity.
type PointerManager struct{}

// NewPointerManager returns a PointerManager.
func NewPointerManager() *PointerManager {
	return &PointerManager{}
}

// ID implements Manager.
func (m *PointerManager) ID() meta.ManagerID { return meta.PointerManager }

// Allocate wraps obj. Wrapping nil yields Null.
func (m *PointerManager) Allocate(t *meta.BoundType, obj any) Handle {
	if obj == nil {
		return Null
	}
	return Handle{Type: t, manager: m, ptr: obj}
}

// Get implements Manager.
func (m *PointerManager) Get(h Handle) any { return h.ptr }

// AddReference implements Manager.
func (m *PointerManager) AddReference(Handle) {}

// Release implements Manager.
func (m *PointerManager) Release(Handle) ReleaseResult { return TakeNoAction }
