package handle

import (
	"reflect"
	"sync"

	"github.com/cory-johannsen/lightning/internal/meta"
)

type refEntry struct {
	obj   any
	typ   *meta.BoundType
	count int
}

// RefCountedManager manages engine objects by reference count. Handles to
// these objects may cross goroutines, so every operation is mutex guarded.
type RefCountedManager struct {
	mu      sync.Mutex
	next    uint64
	objects map[uint64]*refEntry
	byObj   map[any]uint64
}

// NewRefCountedManager returns an empty RefCountedManager.
func NewRefCountedManager() *RefCountedManager {
	return &RefCountedManager{
		objects: make(map[uint64]*refEntry),
		byObj:   make(map[any]uint64),
	}
}

// ID implements Manager.
func (m *RefCountedManager) ID() meta.ManagerID { return meta.ReferenceCountedManager }

// Allocate places obj under management with a count of one. Allocating an
// object that is already managed adds a reference to the existing entry.
//
// Postcondition: Allocate(t, nil) returns Null.
func (m *RefCountedManager) Allocate(t *meta.BoundType, obj any) Handle {
	if obj == nil {
		return Null
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	comparable := reflect.TypeOf(obj).Comparable()
	if comparable {
		if id, ok := m.byObj[obj]; ok {
			m.objects[id].count++
			return Handle{Type: t, manager: m, id: id}
		}
	}
	m.next++
	id := m.next
	m.objects[id] = &refEntry{obj: obj, typ: t, count: 1}
	if comparable {
		m.byObj[obj] = id
	}
	return Handle{Type: t, manager: m, id: id}
}

// Get implements Manager.
func (m *RefCountedManager) Get(h Handle) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.objects[h.id]; ok {
		return e.obj
	}
	return nil
}

// AddReference implements Manager.
func (m *RefCountedManager) AddReference(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.objects[h.id]; ok {
		e.count++
	}
}

// Release decrements the count. At zero the object is removed and destroyed
// exactly once outside the lock.
func (m *RefCountedManager) Release(h Handle) ReleaseResult {
	m.mu.Lock()
	e, ok := m.objects[h.id]
	if !ok {
		m.mu.Unlock()
		return TakeNoAction
	}
	e.count--
	if e.count > 0 {
		m.mu.Unlock()
		return TakeNoAction
	}
	delete(m.objects, h.id)
	if reflect.TypeOf(e.obj).Comparable() {
		delete(m.byObj, e.obj)
	}
	m.mu.Unlock()

	dead{typ: e.typ, obj: e.obj}.destroy()
	return DeleteObject
}

// Count returns the number of live references to h's object, zero when gone.
func (m *RefCountedManager) Count(h Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.objects[h.id]; ok {
		return e.count
	}
	return 0
}

// Live returns the number of managed objects.
func (m *RefCountedManager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
