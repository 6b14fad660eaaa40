package handle

import (
	"sync"

	"github.com/cory-johannsen/lightning/internal/meta"
)

type heapSlot struct {
	obj   any
	typ   *meta.BoundType
	gen   uint32
	count int
	live  bool
}

// HeapManager owns objects allocated by one executable state. Objects live in
// a slot arena; each slot carries a generation that is bumped when the slot is
// freed, so handles to a reused slot fail the generation check.
type HeapManager struct {
	mu    sync.Mutex
	slots []heapSlot
	free  []uint64
	live  int
}

// NewHeapManager returns an arena with room for capacity objects before growing.
func NewHeapManager(capacity int) *HeapManager {
	if capacity < 0 {
		capacity = 0
	}
	return &HeapManager{slots: make([]heapSlot, 0, capacity)}
}

// ID implements Manager.
func (m *HeapManager) ID() meta.ManagerID { return meta.HeapManager }

// Allocate stores obj in a free slot with a reference count of one.
//
// Postcondition: Allocate(t, nil) returns Null.
func (m *HeapManager) Allocate(t *meta.BoundType, obj any) Handle {
	if obj == nil {
		return Null
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var id uint64
	if n := len(m.free); n > 0 {
		id = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		id = uint64(len(m.slots))
		m.slots = append(m.slots, heapSlot{})
	}
	s := &m.slots[id]
	s.obj = obj
	s.typ = t
	s.count = 1
	s.live = true
	m.live++
	return Handle{Type: t, manager: m, id: id, gen: s.gen}
}

func (m *HeapManager) slot(h Handle) *heapSlot {
	if h.id >= uint64(len(m.slots)) {
		return nil
	}
	s := &m.slots[h.id]
	if !s.live || s.gen != h.gen {
		return nil
	}
	return s
}

// Get implements Manager.
func (m *HeapManager) Get(h Handle) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.slot(h); s != nil {
		return s.obj
	}
	return nil
}

// AddReference implements Manager.
func (m *HeapManager) AddReference(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.slot(h); s != nil {
		s.count++
	}
}

// Release drops a reference; the last release frees the slot.
func (m *HeapManager) Release(h Handle) ReleaseResult {
	m.mu.Lock()
	s := m.slot(h)
	if s == nil {
		m.mu.Unlock()
		return TakeNoAction
	}
	s.count--
	if s.count > 0 {
		m.mu.Unlock()
		return TakeNoAction
	}
	e := m.freeSlot(h.id)
	m.mu.Unlock()
	e.destroy()
	return DeleteObject
}

// Free destroys h's object regardless of outstanding references.
func (m *HeapManager) Free(h Handle) bool {
	m.mu.Lock()
	if m.slot(h) == nil {
		m.mu.Unlock()
		return false
	}
	e := m.freeSlot(h.id)
	m.mu.Unlock()
	e.destroy()
	return true
}

// freeSlot must be called with mu held.
func (m *HeapManager) freeSlot(id uint64) dead {
	s := &m.slots[id]
	e := dead{typ: s.typ, obj: s.obj}
	s.obj = nil
	s.typ = nil
	s.count = 0
	s.live = false
	s.gen++
	m.free = append(m.free, id)
	m.live--
	return e
}

// InvalidateAll frees every live object at once, as when the owning state is
// torn down, and returns how many were freed.
//
// Postcondition: every handle previously issued by m is invalid.
func (m *HeapManager) InvalidateAll() int {
	m.mu.Lock()
	var freed []dead
	for id := range m.slots {
		if m.slots[id].live {
			freed = append(freed, m.freeSlot(uint64(id)))
		}
	}
	m.mu.Unlock()
	for _, e := range freed {
		e.destroy()
	}
	return len(freed)
}

// Live returns the number of live objects.
func (m *HeapManager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// dead is an object removed from a manager, destroyed outside the lock.
type dead struct {
	typ *meta.BoundType
	obj any
}

// destroy runs the nearest bound destructor of the object's type, falling
// back to the Destroyer interface.
func (d dead) destroy() {
	for _, t := range d.typ.Ancestors() {
		if t.Destructor != nil {
			t.Destructor(d.obj)
			return
		}
	}
	if x, ok := d.obj.(Destroyer); ok {
		x.Destroy()
	}
}
