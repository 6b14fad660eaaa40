package script

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/lightning/internal/meta"
)

func TestNewSandboxedState_UnsafeLibsNil(t *testing.T) {
	L := NewSandboxedState()
	require.NotNil(t, L)
	defer L.Close()
	for _, name := range []string{"os", "io", "debug"} {
		assert.Equal(t, lua.LNil, L.GetGlobal(name), "expected %s to be nil", name)
	}
}

func TestNewSandboxedState_DangerousGlobalsNil(t *testing.T) {
	L := NewSandboxedState()
	require.NotNil(t, L)
	defer L.Close()
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage", "require", "module"} {
		assert.Equal(t, lua.LNil, L.GetGlobal(name), "expected %s to be nil", name)
	}
}

func TestNewSandboxedState_SafeLibsAvailable(t *testing.T) {
	L := NewSandboxedState()
	require.NotNil(t, L)
	defer L.Close()
	err := L.DoString(`
		local x = math.sqrt(4)
		assert(x == 2.0, "math.sqrt failed")
		local s = string.upper("hello")
		assert(s == "HELLO", "string.upper failed")
		local t = {}
		table.insert(t, 1)
		assert(#t == 1, "table.insert failed")
	`)
	assert.NoError(t, err)
}

func TestWithBudget_InstructionLimitExceeded(t *testing.T) {
	L := NewSandboxedState()
	defer L.Close()
	var budget atomic.Int64
	budget.Store(10)
	ctx := withBudget(context.Background(), &budget)
	L.SetContext(ctx)
	err := L.DoString(`while true do end`)
	require.Error(t, err)
	assert.True(t, ctx.exhausted())
	assert.ErrorIs(t, ctx.Err(), ErrInstructionLimit)
}

func TestWithBudget_NormalScriptRuns(t *testing.T) {
	L := NewSandboxedState()
	defer L.Close()
	var budget atomic.Int64
	budget.Store(1000)
	ctx := withBudget(context.Background(), &budget)
	L.SetContext(ctx)
	assert.NoError(t, L.DoString(`local x = 1 + 1`))
	assert.False(t, ctx.exhausted())
	assert.NoError(t, ctx.Err())
}

func TestWithBudget_ParentCancellationWins(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cancel()
	var budget atomic.Int64
	budget.Store(1000)
	ctx := withBudget(parent, &budget)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected Done to be closed")
	}
}

func TestProperty_InstructionLimitAlwaysErrors(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := rapid.Int64Range(1, 500).Draw(rt, "limit")
		L := NewSandboxedState()
		defer L.Close()
		var budget atomic.Int64
		budget.Store(limit)
		L.SetContext(withBudget(context.Background(), &budget))
		if err := L.DoString(`while true do end`); err == nil {
			rt.Fatalf("expected limit %d to stop an infinite loop", limit)
		}
	})
}

func TestParseLocation(t *testing.T) {
	loc, msg := parseLocation("game.lua:12: attempt to index a nil value")
	assert.Equal(t, meta.Location{Origin: "game.lua", Line: 12}, loc)
	assert.Equal(t, "attempt to index a nil value", msg)

	loc, msg = parseLocation("scripts/ai.lua:3: first\nsecond")
	assert.Equal(t, meta.Location{Origin: "scripts/ai.lua", Line: 3}, loc)
	assert.Equal(t, "first\nsecond", msg)

	loc, msg = parseLocation("something odd")
	assert.Equal(t, meta.Location{Origin: "script"}, loc)
	assert.Equal(t, "something odd", msg)
}

func TestProperty_ParseLocationRoundTrips(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		origin := rapid.StringMatching(`[a-z]{1,8}\.lua`).Draw(rt, "origin")
		line := rapid.IntRange(1, 10000).Draw(rt, "line")
		text := rapid.StringMatching(`[a-zA-Z ]{0,20}`).Draw(rt, "text")
		loc, msg := parseLocation(meta.Location{Origin: origin, Line: line}.String() + ": " + text)
		if loc.Origin != origin || loc.Line != line || msg != text {
			rt.Fatalf("parsed %v %q from %s:%d: %q", loc, msg, origin, line, text)
		}
	})
}
