// Package script compiles scripted libraries. Member bodies are Lua functions
// compiled once per library and run in a sandboxed GopherLua state that each
// ExecutableState gets when the library is linked into it.
package script

import (
	"context"
	"errors"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// ErrInstructionLimit is reported when a call exhausts its instruction budget.
var ErrInstructionLimit = errors.New("instruction limit exceeded")

var closed = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// countingContext reports itself done once Done has been called more than
// limit times. GopherLua's mainLoopWithContext calls Done once per opcode,
// making this an exact instruction-count limit.
type countingContext struct {
	context.Context
	remaining *atomic.Int64
}

// Done returns a closed channel after the budget is spent, otherwise the
// underlying channel. Each call spends one instruction.
func (c *countingContext) Done() <-chan struct{} {
	if c.remaining.Add(-1) < 0 {
		return closed
	}
	return c.Context.Done()
}

// Err reports ErrInstructionLimit once the budget is spent.
func (c *countingContext) Err() error {
	if c.exhausted() {
		return ErrInstructionLimit
	}
	return c.Context.Err()
}

func (c *countingContext) exhausted() bool {
	return c.remaining.Load() < 0
}

// withBudget returns ctx counted against remaining.
//
// Precondition: remaining must not be nil.
func withBudget(ctx context.Context, remaining *atomic.Int64) *countingContext {
	return &countingContext{Context: ctx, remaining: remaining}
}

// NewSandboxedState creates a GopherLua LState with:
//   - Only safe stdlib loaded: base, table, string, math
//   - Dangerous globals removed: dofile, loadfile, load, loadstring, collectgarbage, require, module
//
// Postcondition: Returns a non-nil LState with no context; the caller owns it
// and must call L.Close() when done.
func NewSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}
