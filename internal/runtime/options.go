package runtime

import (
	"time"

	"github.com/cory-johannsen/lightning/internal/config"
	"github.com/cory-johannsen/lightning/internal/console"
	"github.com/cory-johannsen/lightning/internal/handle"
)

// DefaultMaxCallDepth bounds the call stack when no option overrides it.
const DefaultMaxCallDepth = 512

type options struct {
	timeout      time.Duration
	maxDepth     int
	heapCapacity int
	managers     []handle.Manager
	console      *console.Console
}

// Option configures an ExecutableState.
type Option func(*options)

// WithTimeout sets the wall-clock budget of outermost calls. Zero or negative
// disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithMaxCallDepth bounds the call stack.
func WithMaxCallDepth(n int) Option {
	return func(o *options) { o.maxDepth = n }
}

// WithHeapCapacity sets the initial size of the state's heap arena.
func WithHeapCapacity(n int) Option {
	return func(o *options) { o.heapCapacity = n }
}

// WithManager shares m with the state instead of the state's default manager
// for m.ID(). Use it to let several states see the same engine objects.
func WithManager(m handle.Manager) Option {
	return func(o *options) { o.managers = append(o.managers, m) }
}

// WithConsole routes diagnostics to c.
func WithConsole(c *console.Console) Option {
	return func(o *options) { o.console = c }
}

// OptionsFromConfig translates runtime configuration into options.
func OptionsFromConfig(cfg config.RuntimeConfig) []Option {
	return []Option{
		WithTimeout(cfg.Timeout()),
		WithMaxCallDepth(cfg.MaxCallDepth),
		WithHeapCapacity(cfg.HeapCapacity),
	}
}
