// Package event connects listeners to named events sent by runtime objects.
package event

import (
	"context"
	"sync"
	"sync/atomic"
)

// Well-known event names sent by the runtime.
const (
	PreUnhandledException = "PreUnhandledException"
	UnhandledException    = "UnhandledException"
	StateDestroyed        = "StateDestroyed"
	PropertyChanged       = "PropertyChanged"
	ConsoleWrite          = "ConsoleWrite"
)

// Event is the payload delivered to handlers. A handler may set Handled to
// tell the sender that the event was consumed.
type Event struct {
	Name    string
	Sender  any
	Data    any
	Handled bool
	// Context is the context of the dispatching call, nil when the event was
	// dispatched outside any call.
	Context context.Context
}

// Handler receives dispatched events.
type Handler func(e *Event)

// Connection is one (sender, event name, receiver, handler) subscription.
type Connection struct {
	dispatcher *Dispatcher
	receiver   *Receiver
	name       string
	handler    Handler
	active     atomic.Bool
}

// Name returns the event name the connection listens for.
func (c *Connection) Name() string { return c.name }

// Active reports whether the connection still delivers events.
func (c *Connection) Active() bool { return c.active.Load() }

// Disconnect removes the subscription. It is safe to call more than once and
// from inside a handler; a disconnected handler is never invoked again, even
// by a dispatch already in progress.
func (c *Connection) Disconnect() {
	if !c.active.CompareAndSwap(true, false) {
		return
	}
	c.dispatcher.remove(c)
	if c.receiver != nil {
		c.receiver.remove(c)
	}
}

// Dispatcher holds the subscriptions for one sender.
//
// Invariant: handlers for an event name run in the order they were connected.
type Dispatcher struct {
	sender    any
	mu        sync.Mutex
	conns     map[string][]*Connection
	destroyed bool
}

// NewDispatcher returns a dispatcher that reports sender as the event source.
func NewDispatcher(sender any) *Dispatcher {
	return &Dispatcher{sender: sender, conns: make(map[string][]*Connection)}
}

// Sender returns the object events are sent from.
func (d *Dispatcher) Sender() any { return d.sender }

// Connect subscribes handler to name. receiver may be nil for an unowned
// connection that lives until the dispatcher is destroyed or it is disconnected.
//
// Precondition: handler must not be nil.
// Postcondition: connecting to a destroyed dispatcher returns an inactive connection.
func (d *Dispatcher) Connect(name string, receiver *Receiver, handler Handler) *Connection {
	if handler == nil {
		panic("event.Dispatcher.Connect: handler must not be nil")
	}
	c := &Connection{dispatcher: d, receiver: receiver, name: name, handler: handler}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return c
	}
	if receiver != nil && !receiver.add(c) {
		d.mu.Unlock()
		return c
	}
	c.active.Store(true)
	d.conns[name] = append(d.conns[name], c)
	d.mu.Unlock()
	return c
}

// Dispatch invokes every current subscription for name synchronously on the
// calling goroutine. Subscriptions added or removed by handlers take effect
// for the next dispatch, except that removed handlers are skipped at once.
//
// Postcondition: the returned event reflects any Handled flag set by handlers.
func (d *Dispatcher) Dispatch(name string, data any) *Event {
	e := &Event{Name: name, Sender: d.sender, Data: data}
	d.DispatchEvent(e)
	return e
}

// DispatchContext is Dispatch for senders running inside a call; handlers that
// call back into the runtime nest under ctx.
func (d *Dispatcher) DispatchContext(ctx context.Context, name string, data any) *Event {
	e := &Event{Name: name, Sender: d.sender, Data: data, Context: ctx}
	d.DispatchEvent(e)
	return e
}

// DispatchEvent delivers a caller-built event.
func (d *Dispatcher) DispatchEvent(e *Event) {
	d.mu.Lock()
	snapshot := make([]*Connection, len(d.conns[e.Name]))
	copy(snapshot, d.conns[e.Name])
	d.mu.Unlock()

	for _, c := range snapshot {
		if c.Active() {
			c.handler(e)
		}
	}
}

// HasConnections reports whether anything listens for name.
func (d *Dispatcher) HasConnections(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns[name]) > 0
}

// Destroy drops every subscription; later connections are inactive.
func (d *Dispatcher) Destroy() {
	d.mu.Lock()
	d.destroyed = true
	var all []*Connection
	for _, list := range d.conns {
		all = append(all, list...)
	}
	d.mu.Unlock()
	for _, c := range all {
		c.Disconnect()
	}
}

// IsValid reports whether the dispatcher can still deliver events.
func (d *Dispatcher) IsValid() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.destroyed
}

func (d *Dispatcher) remove(c *Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.conns[c.name]
	for i, existing := range list {
		if existing == c {
			// Copy so in-flight snapshots keep their view.
			next := make([]*Connection, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(d.conns, c.name)
			} else {
				d.conns[c.name] = next
			}
			return
		}
	}
}

// Receiver tracks the subscriptions owned by one listener so they can all be
// dropped when the listener goes away.
type Receiver struct {
	mu        sync.Mutex
	conns     []*Connection
	destroyed bool
}

// NewReceiver returns a live receiver.
func NewReceiver() *Receiver {
	return &Receiver{}
}

func (r *Receiver) add(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return false
	}
	r.conns = append(r.conns, c)
	return true
}

func (r *Receiver) remove(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.conns {
		if existing == c {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			return
		}
	}
}

// Connections returns the number of active subscriptions owned by r.
func (r *Receiver) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Destroy disconnects everything r owns. Events already queued for r are
// dropped at drain time.
func (r *Receiver) Destroy() {
	r.mu.Lock()
	r.destroyed = true
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()
	for _, c := range conns {
		c.Disconnect()
	}
}

// IsValid reports whether r has not been destroyed.
func (r *Receiver) IsValid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.destroyed
}
