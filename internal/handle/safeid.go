package handle

import (
	"reflect"
	"sync"

	"github.com/cory-johannsen/lightning/internal/meta"
)

// SafeIDManager addresses objects by monotonically increasing ids in a
// live-object table. The owner destroys objects explicitly; references are not
// counted. Ids start at 1 and are never reused.
type SafeIDManager struct {
	mu      sync.Mutex
	next    uint64
	objects map[uint64]any
	ids     map[any]uint64
}

// NewSafeIDManager returns an empty SafeIDManager.
func NewSafeIDManager() *SafeIDManager {
	return &SafeIDManager{
		objects: make(map[uint64]any),
		ids:     make(map[any]uint64),
	}
}

// ID implements Manager.
func (m *SafeIDManager) ID() meta.ManagerID { return meta.SafeIDManager }

// Allocate registers obj, reusing its id when it is already registered.
func (m *SafeIDManager) Allocate(t *meta.BoundType, obj any) Handle {
	if obj == nil {
		return Null
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	comparable := reflect.TypeOf(obj).Comparable()
	if comparable {
		if id, ok := m.ids[obj]; ok {
			return Handle{Type: t, manager: m, id: id}
		}
	}
	m.next++
	m.objects[m.next] = obj
	if comparable {
		m.ids[obj] = m.next
	}
	return Handle{Type: t, manager: m, id: m.next}
}

// Get implements Manager.
func (m *SafeIDManager) Get(h Handle) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[h.id]
}

// AddReference implements Manager.
func (m *SafeIDManager) AddReference(Handle) {}

// Release implements Manager. Objects are only removed by Destroy.
func (m *SafeIDManager) Release(Handle) ReleaseResult { return TakeNoAction }

// Destroy removes obj from the table so every handle to it becomes invalid.
// It reports whether obj was registered.
func (m *SafeIDManager) Destroy(obj any) bool {
	if obj == nil || !reflect.TypeOf(obj).Comparable() {
		return false
	}
	m.mu.Lock()
	id, ok := m.ids[obj]
	if ok {
		delete(m.ids, obj)
		delete(m.objects, id)
	}
	m.mu.Unlock()
	return ok
}

// DestroyHandle removes the object referenced by h.
func (m *SafeIDManager) DestroyHandle(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[h.id]
	if !ok {
		return false
	}
	delete(m.objects, h.id)
	if reflect.TypeOf(obj).Comparable() {
		delete(m.ids, obj)
	}
	return true
}

// Live returns the number of registered objects.
func (m *SafeIDManager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
