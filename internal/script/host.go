package script

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lightning/internal/meta"
	"github.com/cory-johannsen/lightning/internal/runtime"
)

// Host is the sandboxed Lua state a script library runs in for one
// ExecutableState. It is created when the library is linked and closed when
// the state is destroyed.
//
// Host is used only by the goroutine making the state's calls.
type Host struct {
	L      *lua.LState
	lib    *library
	state  *runtime.ExecutableState
	logger *zap.Logger

	bodies map[string]*lua.LFunction
	// ctxs holds the frame context of every active entry into Lua, innermost last.
	ctxs   []context.Context
	budget atomic.Int64

	refMeta *lua.LTable
	excMeta *lua.LTable
}

func newHost(lib *library, state *runtime.ExecutableState) *Host {
	h := &Host{
		L:      NewSandboxedState(),
		lib:    lib,
		state:  state,
		logger: lib.logger.With(zap.String("state", state.ID())),
		bodies: make(map[string]*lua.LFunction),
	}
	h.registerModules()
	return h
}

// State returns the executable state the host belongs to.
func (h *Host) State() *runtime.ExecutableState { return h.state }

func (h *Host) close() {
	h.L.Close()
}

// load runs every chunk once, under the state's timeout, then resolves the
// body of every scripted function.
func (h *Host) load() error {
	for _, st := range h.lib.types {
		if h.L.GetGlobal(st.bound.Name) == lua.LNil {
			h.L.SetGlobal(st.bound.Name, h.L.NewTable())
		}
	}

	ctx := context.Background()
	if d := h.state.Timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	var luaCtx context.Context = ctx
	if h.lib.limit > 0 {
		h.budget.Store(int64(h.lib.limit))
		luaCtx = withBudget(ctx, &h.budget)
	}
	h.L.SetContext(luaCtx)
	defer h.L.RemoveContext()

	for _, proto := range h.lib.protos {
		h.L.Push(h.L.NewFunctionFromProto(proto))
		if err := h.L.PCall(0, 0, nil); err != nil {
			if luaCtx.Err() != nil {
				return fmt.Errorf("running %s: %w", proto.SourceName, luaCtx.Err())
			}
			return fmt.Errorf("running %s: %w", proto.SourceName, err)
		}
	}

	var missing []string
	for _, st := range h.lib.types {
		tbl, _ := h.L.GetGlobal(st.bound.Name).(*lua.LTable)
		for _, m := range st.decl.Methods {
			key := st.bound.Name + "." + m.BodyName()
			var fn *lua.LFunction
			if tbl != nil {
				fn, _ = tbl.RawGetString(m.BodyName()).(*lua.LFunction)
			}
			if fn == nil {
				missing = append(missing, key)
				continue
			}
			h.bodies[key] = fn
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("script library %s has no body for [%s]", h.lib.name, strings.Join(missing, ", "))
	}
	return nil
}

// ctx returns the context Go functions called from Lua nest their calls in.
func (h *Host) ctx() context.Context {
	if len(h.ctxs) == 0 {
		return context.Background()
	}
	return h.ctxs[len(h.ctxs)-1]
}

// invoke runs the body key for the frame f.
func (h *Host) invoke(f meta.Frame, key string) error {
	body, ok := h.bodies[key]
	if !ok {
		return fmt.Errorf("no script body %s", key)
	}
	fn := f.Function()
	ctx := f.Context()

	var counted *countingContext
	var luaCtx context.Context = ctx
	if h.lib.limit > 0 {
		if len(h.ctxs) == 0 {
			h.budget.Store(int64(h.lib.limit))
		}
		counted = withBudget(ctx, &h.budget)
		luaCtx = counted
	}
	prev := h.L.Context()
	h.L.SetContext(luaCtx)
	h.ctxs = append(h.ctxs, ctx)
	defer func() {
		h.ctxs = h.ctxs[:len(h.ctxs)-1]
		if prev == nil {
			h.L.RemoveContext()
		} else {
			h.L.SetContext(prev)
		}
	}()

	args := make([]lua.LValue, 0, f.ArgCount()+1)
	if !fn.Static {
		args = append(args, h.toLua(f.This(), fn.Owner))
	}
	for i := 0; i < f.ArgCount(); i++ {
		args = append(args, h.toLua(f.Arg(i), fn.Params[i]))
	}
	nret := 1
	if fn.Return == nil || fn.Return == meta.VoidType {
		nret = 0
	}
	if err := h.L.CallByParam(lua.P{Fn: body, NRet: nret, Protect: true}, args...); err != nil {
		return h.fault(ctx, counted, err)
	}
	if nret == 0 {
		return nil
	}
	ret := h.L.Get(-1)
	h.L.Pop(1)
	v, err := h.fromLua(ret, fn.Return)
	if err != nil {
		return fmt.Errorf("%s returned %w", fn.QualifiedName(), err)
	}
	// The caller owns a returned handle, as with native results.
	f.SetReturn(retain(v))
	return nil
}

// fault turns an error out of Lua into the error the frame reports. Native
// exceptions raised through Lua keep their identity.
func (h *Host) fault(ctx context.Context, counted *countingContext, err error) error {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return runtime.NewException(ctx, runtime.ExceptionScript, err.Error(), meta.Location{Origin: h.lib.name}, err)
	}
	if ud, ok := apiErr.Object.(*lua.LUserData); ok {
		if exc, ok := ud.Value.(*runtime.Exception); ok {
			return exc
		}
	}
	loc, msg := parseLocation(apiErr.Object.String())
	if counted != nil && counted.exhausted() {
		return runtime.NewException(ctx, runtime.ExceptionTimeout,
			fmt.Sprintf("instruction limit of %d exceeded", h.lib.limit), loc, ErrInstructionLimit)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return runtime.NewException(ctx, runtime.ExceptionScript, msg, loc, err)
}

var locationPattern = regexp.MustCompile(`(?s)^([^\s:]+):(\d+):\s?(.*)$`)

// parseLocation splits the "chunk:line: " prefix Lua puts on error messages.
func parseLocation(message string) (meta.Location, string) {
	m := locationPattern.FindStringSubmatch(message)
	if m == nil {
		return meta.Location{Origin: "script"}, message
	}
	line, _ := strconv.Atoi(m[2])
	return meta.Location{Origin: m[1], Line: line}, m[3]
}
