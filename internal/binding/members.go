package binding

import (
	"fmt"
	"reflect"

	"github.com/cory-johannsen/lightning/internal/event"
	"github.com/cory-johannsen/lightning/internal/meta"
	"github.com/cory-johannsen/lightning/internal/runtime"
)

type functionKind int

const (
	instanceFunction functionKind = iota
	virtualFunction
	overrideFunction
	staticFunction
)

// Constructor binds fn as a constructor. fn takes the constructor arguments
// and returns T for value types or *T for reference types, optionally followed
// by an error. Reference results are placed under the type's handle manager.
func (t *Type) Constructor(fn any) *Type {
	if t.bound == nil {
		return t
	}
	sig, err := inspect(fn, nil)
	if err == nil && sig.ret != t.goType {
		err = fmt.Errorf("constructor must return %s", t.goType)
	}
	if err != nil {
		t.lib.fail(meta.InvalidMember, t.name, meta.ConstructorName, "%v", err)
		return t
	}
	if err := t.lib.builder.AddConstructor(t.bound, sig.paramRefs(), true, sig.trampoline()); err != nil {
		t.lib.fail(meta.InvalidMember, t.name, meta.ConstructorName, "%v", err)
	}
	return t
}

// Destructor binds fn, a func(*T) for reference types or func(T) for value
// types, to run when a handle manager destroys an instance.
func (t *Type) Destructor(fn any) *Type {
	if t.bound == nil {
		return t
	}
	rv := reflect.ValueOf(fn)
	if fn == nil || rv.Kind() != reflect.Func || rv.Type().NumIn() != 1 || rv.Type().NumOut() != 0 || rv.Type().In(0) != t.goType {
		t.lib.fail(meta.InvalidMember, t.name, "destructor", "destructor must be func(%s)", t.goType)
		return t
	}
	want := t.goType
	t.bound.Destructor = func(obj any) {
		if obj == nil {
			return
		}
		if ov, ok := upcast(reflect.ValueOf(obj), want); ok {
			rv.Call([]reflect.Value{ov})
		}
	}
	return t
}

// Method binds fn as an instance method; its first parameter is the receiver.
// Several Method calls with one name declare overloads.
func (t *Type) Method(name string, fn any) *Type {
	return t.function(name, fn, instanceFunction)
}

// Virtual binds an instance method that derived types may override.
func (t *Type) Virtual(name string, fn any) *Type {
	return t.function(name, fn, virtualFunction)
}

// Override replaces an inherited virtual method in this type's dispatch table.
func (t *Type) Override(name string, fn any) *Type {
	return t.function(name, fn, overrideFunction)
}

// Static binds fn as a static function of the type.
func (t *Type) Static(name string, fn any) *Type {
	return t.function(name, fn, staticFunction)
}

func (t *Type) function(name string, fn any, kind functionKind) *Type {
	if t.bound == nil {
		return t
	}
	var owner *Type
	if kind != staticFunction {
		owner = t
	}
	sig, err := inspect(fn, owner)
	if err != nil {
		t.lib.fail(meta.InvalidMember, t.name, name, "%v", err)
		return t
	}
	err = t.lib.builder.AddFunction(t.bound, meta.FunctionSpec{
		Name:     name,
		Params:   sig.paramRefs(),
		Return:   sig.returnRef(),
		Static:   kind == staticFunction,
		Virtual:  kind == virtualFunction,
		Override: kind == overrideFunction,
		Native:   true,
		Invoke:   sig.trampoline(),
	})
	if err != nil {
		t.lib.fail(meta.InvalidMember, t.name, name, "%v", err)
	}
	return t
}

// Field binds the exported struct field goField as a property. Fields of
// reference types are writable; fields of value types are read-only since
// every access sees a copy.
func (t *Type) Field(name, goField string) *Type {
	if t.bound == nil {
		return t
	}
	st := t.goType
	if st.Kind() == reflect.Pointer {
		st = st.Elem()
	}
	sf, ok := st.FieldByName(goField)
	if !ok || st.Kind() != reflect.Struct || !sf.IsExported() {
		t.lib.fail(meta.InvalidMember, t.name, name, "%s has no exported field %s", t.goType, goField)
		return t
	}
	index := sf.Index
	get := func(f meta.Frame) error {
		sv, err := structValue(f.This(), t.goType)
		if err != nil {
			return err
		}
		v, err := fromGo(f, sv.FieldByIndex(index), f.Function().Return)
		if err != nil {
			return err
		}
		f.SetReturn(v)
		return nil
	}
	var set meta.Trampoline
	if !t.bound.IsValue() {
		set = func(f meta.Frame) error {
			sv, err := structValue(f.This(), t.goType)
			if err != nil {
				return err
			}
			v, err := toGo(f.Arg(0), sf.Type)
			if err != nil {
				return err
			}
			sv.FieldByIndex(index).Set(v)
			return nil
		}
	}
	if err := t.lib.builder.AddProperty(t.bound, meta.PropertySpec{
		Name: name, Type: typeRef(sf.Type), Native: true, Get: get, Set: set,
	}); err != nil {
		t.lib.fail(meta.InvalidMember, t.name, name, "%v", err)
	}
	return t
}

// structValue returns the addressable struct behind a receiver slot for
// reference types, or a copy for value types.
func structValue(this any, goType reflect.Type) (reflect.Value, error) {
	rv, err := toGo(this, goType)
	if err != nil {
		return reflect.Value{}, err
	}
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return reflect.Value{}, fmt.Errorf("null %s receiver", goType)
		}
		return rv.Elem(), nil
	}
	return rv, nil
}

// Property binds a computed property. getter is func(recv) R; setter is nil
// or func(recv, R) with an optional error result.
func (t *Type) Property(name string, getter, setter any) *Type {
	if t.bound == nil {
		return t
	}
	g, err := inspect(getter, t)
	if err == nil && (len(g.params) != 0 || g.ret == nil) {
		err = fmt.Errorf("getter must take only the receiver and return a value")
	}
	if err != nil {
		t.lib.fail(meta.InvalidMember, t.name, name, "%v", err)
		return t
	}
	spec := meta.PropertySpec{Name: name, Type: g.returnRef(), Native: true, Get: g.trampoline()}
	if setter != nil {
		if t.bound.IsValue() {
			t.lib.fail(meta.InvalidMember, t.name, name, "value type properties are read-only")
			return t
		}
		s, err := inspect(setter, t)
		if err == nil && (len(s.params) != 1 || s.params[0] != g.ret || s.ret != nil) {
			err = fmt.Errorf("setter must take the receiver and one %s", g.ret)
		}
		if err != nil {
			t.lib.fail(meta.InvalidMember, t.name, name, "%v", err)
			return t
		}
		spec.Set = s.trampoline()
	}
	if err := t.lib.builder.AddProperty(t.bound, spec); err != nil {
		t.lib.fail(meta.InvalidMember, t.name, name, "%v", err)
	}
	return t
}

// StaticProperty binds per-state static storage initialized to def. Writes
// send PropertyChanged on the state's dispatcher with the property as data.
func (t *Type) StaticProperty(name string, def any) *Type {
	if t.bound == nil {
		return t
	}
	if def == nil {
		t.lib.fail(meta.InvalidMember, t.name, name, "static property needs a typed default")
		return t
	}
	owner := t.bound
	lookup := func(f meta.Frame) (*runtime.ExecutableState, *meta.Property, error) {
		state := runtime.CallingState(f.Context())
		if state == nil {
			return nil, nil, fmt.Errorf("static %s.%s accessed outside a call", owner.Name, name)
		}
		p, ok := owner.FindProperty(name)
		if !ok {
			return nil, nil, fmt.Errorf("static %s.%s is not bound", owner.Name, name)
		}
		return state, p, nil
	}
	get := func(f meta.Frame) error {
		state, p, err := lookup(f)
		if err != nil {
			return err
		}
		v, err := state.GetStatic(p)
		if err != nil {
			return err
		}
		f.SetReturn(v)
		return nil
	}
	set := func(f meta.Frame) error {
		state, p, err := lookup(f)
		if err != nil {
			return err
		}
		if err := state.SetStatic(p, f.Arg(0)); err != nil {
			return err
		}
		state.Dispatcher().DispatchContext(f.Context(), event.PropertyChanged, p)
		return nil
	}
	if err := t.lib.builder.AddProperty(t.bound, meta.PropertySpec{
		Name: name, Type: typeRef(reflect.TypeOf(def)), Static: true, Native: true, Default: def, Get: get, Set: set,
	}); err != nil {
		t.lib.fail(meta.InvalidMember, t.name, name, "%v", err)
	}
	return t
}

// Event declares that instances send name carrying data of type data; a nil
// data type declares untyped data.
func (t *Type) Event(name string, data *Type) *Type {
	if t.bound == nil {
		return t
	}
	ref := meta.RefType(meta.AnyType)
	if data != nil {
		if data.bound == nil {
			t.lib.fail(meta.UnresolvedType, t.name, name, "event data type %s failed to declare", data.name)
			return t
		}
		ref = meta.RefType(data.bound)
	}
	if err := t.lib.builder.AddEvent(t.bound, name, ref); err != nil {
		t.lib.fail(meta.InvalidMember, t.name, name, "%v", err)
	}
	return t
}
