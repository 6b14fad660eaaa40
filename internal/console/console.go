// Package console fans diagnostic text out to attached listeners.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Filter classifies console output. Values are bits and may be combined.
type Filter uint32

const (
	DefaultFilter     Filter = 1 << iota // 0x1
	UserFilter                           // 0x2
	ErrorFilter                          // 0x4
	ResourceFilter                       // 0x8
	EngineFilter                         // 0x10
	ActiveFilter                         // 0x20
	PerformanceFilter                    // 0x40
	PhysicsFilter                        // 0x80
	ArchiveFilter                        // 0x100

	// AllFilters matches every category.
	AllFilters Filter = 1<<9 - 1
)

var filterNames = []string{"default", "user", "error", "resource", "engine", "active", "performance", "physics", "archive"}

func (f Filter) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for i, name := range filterNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// Listener receives console output.
type Listener interface {
	Print(filter Filter, message string)
	Flush()
}

// Console delivers every message to all attached listeners in the order they
// were added. It is safe for concurrent use.
type Console struct {
	mu        sync.RWMutex
	listeners []Listener
}

// New returns a console with the given listeners attached.
func New(listeners ...Listener) *Console {
	c := &Console{}
	for _, l := range listeners {
		c.Add(l)
	}
	return c
}

// Add attaches l. Adding the same listener twice has no effect.
func (c *Console) Add(l Listener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.listeners {
		if existing == l {
			return
		}
	}
	c.listeners = append(c.listeners, l)
}

// Remove detaches l and reports whether it was attached.
func (c *Console) Remove(l Listener) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.listeners {
		if existing == l {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of attached listeners.
func (c *Console) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners)
}

func (c *Console) snapshot() []Listener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listeners
}

// Print sends message to every listener.
func (c *Console) Print(filter Filter, message string) {
	for _, l := range c.snapshot() {
		l.Print(filter, message)
	}
}

// Printf formats and prints.
func (c *Console) Printf(filter Filter, format string, args ...any) {
	c.Print(filter, fmt.Sprintf(format, args...))
}

// FlushAll flushes every listener. A panicking listener does not stop the
// others from flushing, so it is safe to call while crashing.
func (c *Console) FlushAll() {
	for _, l := range c.snapshot() {
		func() {
			defer func() { _ = recover() }()
			l.Flush()
		}()
	}
}

// StdOutListener writes each message on its own line to w.
type StdOutListener struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterListener returns a listener writing to w.
//
// Precondition: w must not be nil.
func NewWriterListener(w io.Writer) *StdOutListener {
	if w == nil {
		panic("console.NewWriterListener: writer must not be nil")
	}
	return &StdOutListener{w: w}
}

// Print implements Listener.
func (s *StdOutListener) Print(_ Filter, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.HasSuffix(message, "\n") {
		_, _ = io.WriteString(s.w, message)
		return
	}
	_, _ = io.WriteString(s.w, message+"\n")
}

// Flush implements Listener. Writers that buffer may implement Sync or Flush.
func (s *StdOutListener) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch w := s.w.(type) {
	case interface{ Sync() error }:
		_ = w.Sync()
	case interface{ Flush() error }:
		_ = w.Flush()
	}
}

// ZapListener forwards console output into a zap logger so the host keeps one
// log stream. ErrorFilter messages log at Error level, everything else at Info.
type ZapListener struct {
	logger *zap.Logger
}

// NewZapListener returns a listener logging through logger.
//
// Precondition: logger must not be nil.
func NewZapListener(logger *zap.Logger) *ZapListener {
	if logger == nil {
		panic("console.NewZapListener: logger must not be nil")
	}
	return &ZapListener{logger: logger}
}

// Print implements Listener.
func (z *ZapListener) Print(filter Filter, message string) {
	message = strings.TrimRight(message, "\n")
	fields := []zap.Field{zap.Stringer("filter", filter)}
	if filter&ErrorFilter != 0 {
		z.logger.Error(message, fields...)
		return
	}
	z.logger.Info(message, fields...)
}

// Flush implements Listener.
func (z *ZapListener) Flush() {
	_ = z.logger.Sync()
}

// FilteredListener passes on only messages whose filter intersects Mask.
type FilteredListener struct {
	Mask Filter
	Next Listener
}

// Print implements Listener.
func (f *FilteredListener) Print(filter Filter, message string) {
	if filter&f.Mask != 0 {
		f.Next.Print(filter, message)
	}
}

// Flush implements Listener.
func (f *FilteredListener) Flush() {
	f.Next.Flush()
}
