package script

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/lightning/internal/console"
	"github.com/cory-johannsen/lightning/internal/handle"
	"github.com/cory-johannsen/lightning/internal/meta"
	"github.com/cory-johannsen/lightning/internal/runtime"
)

// ref is the userdata payload of a runtime value seen from Lua: a handle for
// reference types or a copy for value types.
type ref struct {
	typ *meta.BoundType
	v   any
}

// registerModules installs the engine table, routes print to the console and
// creates the metatables of runtime values and exceptions.
//
// Postcondition: engine global is defined in h.L.
func (h *Host) registerModules() {
	L := h.L

	h.refMeta = L.NewTable()
	L.SetFuncs(h.refMeta, map[string]lua.LGFunction{
		"__index":    h.refIndex,
		"__newindex": h.refNewIndex,
		"__tostring": h.refString,
		"__eq":       h.refEqual,
	})
	h.excMeta = L.NewTable()
	L.SetField(h.excMeta, "__tostring", L.NewFunction(func(L *lua.LState) int {
		exc, _ := L.CheckUserData(1).Value.(*runtime.Exception)
		L.Push(lua.LString(fmt.Sprint(exc)))
		return 1
	}))

	engine := L.NewTable()
	logTable := L.NewTable()
	for name, level := range map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	} {
		L.SetField(logTable, name, L.NewFunction(h.logAt(level)))
	}
	L.SetField(engine, "log", logTable)
	L.SetFuncs(engine, map[string]lua.LGFunction{
		"print":    h.luaPrint,
		"new":      h.luaNew,
		"call":     h.luaCall,
		"throw":    h.luaThrow,
		"get":      h.luaGetStatic,
		"set":      h.luaSetStatic,
		"dispatch": h.luaDispatch,
		"delete":   h.luaDelete,
		"valid":    h.luaValid,
	})
	L.SetGlobal("engine", engine)
	L.SetGlobal("print", L.NewFunction(h.luaPrint))
}

func (h *Host) logAt(level zapcore.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		h.logger.Log(level, joinArgs(L, 1), zap.String("source", "script"))
		return 0
	}
}

// joinArgs renders arguments from index from on, separated by tabs like Lua's print.
func joinArgs(L *lua.LState, from int) string {
	parts := make([]string, 0, L.GetTop())
	for i := from; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	return strings.Join(parts, "\t")
}

func (h *Host) luaPrint(L *lua.LState) int {
	h.state.Console().Print(console.UserFilter, joinArgs(L, 1))
	return 0
}

// luaNew constructs engine.new(typeName, ...) with the constructor whose
// parameters accept the arguments.
func (h *Host) luaNew(L *lua.LState) int {
	t := h.checkType(L, 1)
	fn, vals, err := h.pick(t.Name+"."+meta.ConstructorName, t.Constructors, luaArgs(L, 2))
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
	return h.call(L, fn, nil, vals)
}

// luaCall runs the static function engine.call(typeName, fnName, ...).
func (h *Host) luaCall(L *lua.LState) int {
	t := h.checkType(L, 1)
	name := L.CheckString(2)
	var statics []*meta.Function
	for _, cur := range t.Ancestors() {
		for _, fn := range cur.FunctionsNamed(name) {
			if fn.Static {
				statics = append(statics, fn)
			}
		}
	}
	fn, vals, err := h.pick(t.Name+"."+name, statics, luaArgs(L, 3))
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
	return h.call(L, fn, nil, vals)
}

// luaThrow raises a script exception located at the calling line.
func (h *Host) luaThrow(L *lua.LState) int {
	L.RaiseError("%s", L.CheckString(1))
	return 0
}

func (h *Host) staticProperty(L *lua.LState) *meta.Property {
	t := h.checkType(L, 1)
	name := L.CheckString(2)
	p, ok := t.FindProperty(name)
	if !ok || !p.Static {
		L.RaiseError("%s has no static property %s", t.Name, name)
	}
	return p
}

func (h *Host) luaGetStatic(L *lua.LState) int {
	p := h.staticProperty(L)
	return h.call(L, p.Getter, nil, nil)
}

func (h *Host) luaSetStatic(L *lua.LState) int {
	p := h.staticProperty(L)
	if p.Setter == nil {
		L.RaiseError("%s.%s is read-only", p.Owner.Name, p.Name)
	}
	v, err := h.fromLua(L.Get(3), p.Type)
	if err != nil {
		L.RaiseError("%s.%s: %s", p.Owner.Name, p.Name, err.Error())
	}
	return h.call(L, p.Setter, nil, []any{v})
}

// luaDispatch sends engine.dispatch(name, data) on the state's dispatcher and
// returns whether a handler marked it handled.
func (h *Host) luaDispatch(L *lua.LState) int {
	name := L.CheckString(1)
	data, err := h.fromLua(L.Get(2), meta.AnyType)
	if err != nil {
		L.ArgError(2, err.Error())
	}
	e := h.state.Dispatcher().DispatchContext(h.ctx(), name, data)
	L.Push(lua.LBool(e.Handled))
	return 1
}

// luaDelete destroys the object of engine.delete(obj) whatever references
// remain: heap objects are freed and safe-id objects leave the id table.
// Counted objects are only ever released.
func (h *Host) luaDelete(L *lua.LState) int {
	r := h.checkRef(L, 1)
	hd, ok := r.v.(handle.Handle)
	if !ok || hd.IsNull() {
		L.ArgError(1, "only objects can be deleted")
	}
	var deleted bool
	switch m := h.state.ManagerFor(hd.DynamicType()).(type) {
	case *handle.HeapManager:
		deleted = m.Free(hd)
	case *handle.SafeIDManager:
		deleted = m.DestroyHandle(hd)
	default:
		L.RaiseError("%s objects cannot be deleted", hd.DynamicType().Name)
	}
	L.Push(lua.LBool(deleted))
	return 1
}

// luaValid reports whether engine.valid(v) refers to a live object. Values
// are always valid; nil never is.
func (h *Host) luaValid(L *lua.LState) int {
	ud, ok := L.Get(1).(*lua.LUserData)
	if !ok {
		L.Push(lua.LFalse)
		return 1
	}
	r, ok := ud.Value.(*ref)
	if !ok {
		L.Push(lua.LFalse)
		return 1
	}
	if hd, ok := r.v.(handle.Handle); ok {
		L.Push(lua.LBool(hd.IsValid()))
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

func (h *Host) checkType(L *lua.LState, n int) *meta.BoundType {
	name := L.CheckString(n)
	t, ok := h.state.FindType(name)
	if !ok {
		L.ArgError(n, fmt.Sprintf("unknown type %s", name))
	}
	return t
}

func luaArgs(L *lua.LState, from int) []lua.LValue {
	var out []lua.LValue
	for i := from; i <= L.GetTop(); i++ {
		out = append(out, L.Get(i))
	}
	return out
}

// pick selects the first candidate whose parameters accept args.
func (h *Host) pick(name string, candidates []*meta.Function, args []lua.LValue) (*meta.Function, []any, error) {
next:
	for _, fn := range candidates {
		if len(fn.Params) != len(args) {
			continue
		}
		vals := make([]any, len(args))
		for i, p := range fn.Params {
			v, err := h.fromLua(args[i], p)
			if err != nil {
				continue next
			}
			if _, ok := meta.Coerce(p, v); !ok {
				continue next
			}
			vals[i] = v
		}
		return fn, vals, nil
	}
	kinds := make([]string, len(args))
	for i, a := range args {
		kinds[i] = a.Type().String()
	}
	return nil, nil, fmt.Errorf("no overload of %s accepts (%s)", name, strings.Join(kinds, ", "))
}

// call runs fn through the runtime and pushes its result. Exceptions are
// raised into Lua as userdata so they keep their identity across script frames.
//
// A handle result is owned by the host and released when the outermost call
// exits; scripts keep an object past that by storing it in a field or static.
func (h *Host) call(L *lua.LState, fn *meta.Function, this any, vals []any) int {
	c := runtime.NewCall(fn, h.state)
	if !fn.Static {
		if err := c.Set(runtime.This, this); err != nil {
			h.raise(L, err)
		}
	}
	for i, v := range vals {
		if err := c.Set(i, v); err != nil {
			h.raise(L, err)
		}
	}
	if err := c.InvokeContext(h.ctx(), nil); err != nil {
		h.raise(L, err)
	}
	if fn.Return == nil || fn.Return == meta.VoidType {
		return 0
	}
	ret := c.Get(runtime.Return)
	if hd, ok := ret.(handle.Handle); ok {
		h.state.QueueDestroy(hd)
	}
	L.Push(h.toLua(ret, fn.Return))
	return 1
}

func (h *Host) raise(L *lua.LState, err error) {
	if exc, ok := runtime.AsException(err); ok {
		ud := L.NewUserData()
		ud.Value = exc
		L.SetMetatable(ud, h.excMeta)
		L.Error(ud, 0)
		return
	}
	L.RaiseError("%s", err.Error())
}

// toLua converts a slot value. static is the declared type of the slot; value
// types stored in Any slots are looked up by their Go type.
func (h *Host) toLua(v any, static *meta.BoundType) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case int64:
		return lua.LNumber(x)
	case int:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case handle.Handle:
		if x.IsNull() {
			return lua.LNil
		}
		return h.wrap(x.DynamicType(), x)
	}
	t := static
	if t == nil || t.GoType != reflect.TypeOf(v) {
		t, _ = h.state.FindGoType(reflect.TypeOf(v))
	}
	return h.wrap(t, v)
}

func (h *Host) wrap(t *meta.BoundType, v any) *lua.LUserData {
	ud := h.L.NewUserData()
	ud.Value = &ref{typ: t, v: v}
	h.L.SetMetatable(ud, h.refMeta)
	return ud
}

// fromLua converts a Lua value for a slot of type want. Numbers become
// Integer only when integral; Any slots get an Integer for integral numbers.
func (h *Host) fromLua(lv lua.LValue, want *meta.BoundType) (any, error) {
	switch x := lv.(type) {
	case *lua.LNilType:
		if want != nil && want.IsValue() && want != meta.AnyType {
			return nil, fmt.Errorf("nil is not a %s", want)
		}
		return nil, nil
	case lua.LBool:
		return bool(x), nil
	case lua.LNumber:
		n := float64(x)
		integral := n == math.Trunc(n) && math.Abs(n) < 1<<53
		switch want {
		case meta.IntegerType:
			if !integral {
				return nil, fmt.Errorf("%v is not an Integer", n)
			}
			return int64(n), nil
		case meta.RealType:
			return n, nil
		case meta.AnyType, nil:
			if integral {
				return int64(n), nil
			}
			return n, nil
		}
		return nil, fmt.Errorf("number is not a %s", want)
	case lua.LString:
		return string(x), nil
	case *lua.LUserData:
		if r, ok := x.Value.(*ref); ok {
			return r.v, nil
		}
	}
	return nil, fmt.Errorf("a Lua %s cannot be passed to %s", lv.Type(), want)
}

func (h *Host) checkRef(L *lua.LState, n int) *ref {
	r, ok := L.CheckUserData(n).Value.(*ref)
	if !ok {
		L.ArgError(n, "runtime value expected")
	}
	return r
}

// refIndex resolves obj.key to an instance property value or to a method
// closure over the instance's functions named key.
func (h *Host) refIndex(L *lua.LState) int {
	r := h.checkRef(L, 1)
	key := L.CheckString(2)
	if r.typ == nil {
		L.Push(lua.LNil)
		return 1
	}
	if p, ok := r.typ.FindProperty(key); ok {
		if p.Static {
			return h.call(L, p.Getter, nil, nil)
		}
		return h.call(L, p.Getter, r.v, nil)
	}
	var fns []*meta.Function
	for _, cur := range r.typ.Ancestors() {
		fns = append(fns, cur.FunctionsNamed(key)...)
	}
	if len(fns) == 0 {
		L.Push(lua.LNil)
		return 1
	}
	qualified := r.typ.Name + "." + key
	L.Push(L.NewFunction(func(L *lua.LState) int {
		self := h.checkRef(L, 1)
		var instance, static []*meta.Function
		for _, fn := range fns {
			if fn.Static {
				static = append(static, fn)
			} else {
				instance = append(instance, fn)
			}
		}
		args := luaArgs(L, 2)
		if fn, vals, err := h.pick(qualified, instance, args); err == nil {
			return h.call(L, fn, self.v, vals)
		}
		fn, vals, err := h.pick(qualified, static, args)
		if err != nil {
			L.RaiseError("%s", err.Error())
		}
		return h.call(L, fn, nil, vals)
	}))
	return 1
}

func (h *Host) refNewIndex(L *lua.LState) int {
	r := h.checkRef(L, 1)
	key := L.CheckString(2)
	if r.typ == nil {
		L.RaiseError("cannot set %s on an unbound value", key)
	}
	p, ok := r.typ.FindProperty(key)
	if !ok || p.Setter == nil {
		L.RaiseError("%s has no writable property %s", r.typ.Name, key)
	}
	v, err := h.fromLua(L.Get(3), p.Type)
	if err != nil {
		L.RaiseError("%s.%s: %s", r.typ.Name, key, err.Error())
	}
	var this any
	if !p.Static {
		this = r.v
	}
	return h.call(L, p.Setter, this, []any{v})
}

func (h *Host) refString(L *lua.LState) int {
	r := h.checkRef(L, 1)
	if r.typ == nil {
		L.Push(lua.LString(fmt.Sprint(r.v)))
		return 1
	}
	if hd, ok := r.v.(handle.Handle); ok {
		L.Push(lua.LString(fmt.Sprintf("%s#%d", r.typ.Name, hd.ID())))
		return 1
	}
	L.Push(lua.LString(fmt.Sprintf("%s%+v", r.typ.Name, r.v)))
	return 1
}

func (h *Host) refEqual(L *lua.LState) int {
	a, b := h.checkRef(L, 1), h.checkRef(L, 2)
	ha, aok := a.v.(handle.Handle)
	hb, bok := b.v.(handle.Handle)
	switch {
	case aok && bok:
		L.Push(lua.LBool(ha.Same(hb)))
	case aok || bok:
		L.Push(lua.LFalse)
	default:
		L.Push(lua.LBool(reflect.TypeOf(a.v).Comparable() && a.v == b.v))
	}
	return 1
}
