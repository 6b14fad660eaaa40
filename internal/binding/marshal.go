package binding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/cory-johannsen/lightning/internal/handle"
	"github.com/cory-johannsen/lightning/internal/meta"
	"github.com/cory-johannsen/lightning/internal/runtime"
)

var (
	errorType   = reflect.TypeFor[error]()
	contextType = reflect.TypeFor[context.Context]()
	handleType  = reflect.TypeFor[handle.Handle]()
)

// typeRef maps a Go type to the bound type that represents it. Numeric kinds
// collapse onto Integer and Real; everything else must be bound by Go type.
func typeRef(rt reflect.Type) meta.TypeRef {
	if rt == handleType {
		return meta.RefType(meta.HandleType)
	}
	switch rt.Kind() {
	case reflect.Bool:
		return meta.RefType(meta.BooleanType)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return meta.RefType(meta.IntegerType)
	case reflect.Float32, reflect.Float64:
		return meta.RefType(meta.RealType)
	case reflect.String:
		return meta.RefType(meta.StringType)
	case reflect.Interface:
		if rt.NumMethod() == 0 {
			return meta.RefType(meta.AnyType)
		}
	}
	return meta.RefGo(rt)
}

// signature is a Go function checked against the uniform call protocol.
type signature struct {
	fn reflect.Value
	// recv is the receiver type when the first parameter binds to this.
	recv reflect.Type
	// ctx is set when the parameter after the receiver is a context.Context.
	ctx    bool
	params []reflect.Type
	ret    reflect.Type
	hasErr bool
}

// inspect validates fn. When owner is non-nil the first parameter must be the
// owner's receiver type.
func inspect(fn any, owner *Type) (*signature, error) {
	if fn == nil {
		return nil, errors.New("function is nil")
	}
	rv := reflect.ValueOf(fn)
	rt := rv.Type()
	if rt.Kind() != reflect.Func {
		return nil, fmt.Errorf("%T is not a function", fn)
	}
	if rt.IsVariadic() {
		return nil, errors.New("variadic functions cannot be bound")
	}
	sig := &signature{fn: rv}

	in := 0
	if owner != nil {
		if rt.NumIn() == 0 || !owner.acceptsReceiver(rt.In(0)) {
			return nil, fmt.Errorf("first parameter must be the receiver %s", owner.goType)
		}
		sig.recv = rt.In(0)
		in = 1
	}
	if rt.NumIn() > in && rt.In(in) == contextType {
		sig.ctx = true
		in++
	}
	for i := in; i < rt.NumIn(); i++ {
		if rt.In(i) == contextType {
			return nil, errors.New("context.Context must precede the script-visible parameters")
		}
		sig.params = append(sig.params, rt.In(i))
	}

	switch rt.NumOut() {
	case 0:
	case 1:
		if rt.Out(0) == errorType {
			sig.hasErr = true
		} else {
			sig.ret = rt.Out(0)
		}
	case 2:
		if rt.Out(1) != errorType {
			return nil, errors.New("second result must be error")
		}
		sig.ret = rt.Out(0)
		sig.hasErr = true
	default:
		return nil, errors.New("too many results (max 2)")
	}
	return sig, nil
}

func (s *signature) paramRefs() []meta.TypeRef {
	refs := make([]meta.TypeRef, len(s.params))
	for i, p := range s.params {
		refs[i] = typeRef(p)
	}
	return refs
}

func (s *signature) returnRef() meta.TypeRef {
	if s.ret == nil {
		return meta.TypeRef{}
	}
	return typeRef(s.ret)
}

// trampoline converts frame slots to Go values, calls fn and writes the
// result back.
func (s *signature) trampoline() meta.Trampoline {
	return func(f meta.Frame) error {
		if f.ArgCount() != len(s.params) {
			return fmt.Errorf("%s: got %d arguments, want %d", f.Function().QualifiedName(), f.ArgCount(), len(s.params))
		}
		in := make([]reflect.Value, 0, len(s.params)+2)
		if s.recv != nil {
			v, err := toGo(f.This(), s.recv)
			if err != nil {
				return fmt.Errorf("%s: receiver: %w", f.Function().QualifiedName(), err)
			}
			in = append(in, v)
		}
		if s.ctx {
			in = append(in, reflect.ValueOf(f.Context()))
		}
		for i, pt := range s.params {
			v, err := toGo(f.Arg(i), pt)
			if err != nil {
				return fmt.Errorf("%s: argument %d: %w", f.Function().QualifiedName(), i, err)
			}
			in = append(in, v)
		}

		out := s.fn.Call(in)
		if s.hasErr {
			if e := out[len(out)-1]; !e.IsNil() {
				return e.Interface().(error)
			}
		}
		if s.ret == nil {
			return nil
		}
		v, err := fromGo(f, out[0], f.Function().Return)
		if err != nil {
			return fmt.Errorf("%s: result: %w", f.Function().QualifiedName(), err)
		}
		f.SetReturn(v)
		return nil
	}
}

// toGo converts a slot value to the Go parameter type pt.
func toGo(v any, pt reflect.Type) (reflect.Value, error) {
	if pt == handleType {
		h, _ := v.(handle.Handle)
		return reflect.ValueOf(h), nil
	}
	switch pt.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := v.(int64)
		if !ok {
			return reflect.Value{}, fmt.Errorf("%T is not an Integer", v)
		}
		out := reflect.New(pt).Elem()
		if out.OverflowInt(n) {
			return reflect.Value{}, fmt.Errorf("%d overflows %s", n, pt)
		}
		out.SetInt(n)
		return out, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, ok := v.(int64)
		if !ok {
			return reflect.Value{}, fmt.Errorf("%T is not an Integer", v)
		}
		out := reflect.New(pt).Elem()
		if n < 0 || out.OverflowUint(uint64(n)) {
			return reflect.Value{}, fmt.Errorf("%d overflows %s", n, pt)
		}
		out.SetUint(uint64(n))
		return out, nil
	case reflect.Float32, reflect.Float64:
		x, ok := v.(float64)
		if !ok {
			return reflect.Value{}, fmt.Errorf("%T is not a Real", v)
		}
		out := reflect.New(pt).Elem()
		out.SetFloat(x)
		return out, nil
	case reflect.Bool:
		b, ok := v.(bool)
		if !ok {
			return reflect.Value{}, fmt.Errorf("%T is not a Boolean", v)
		}
		out := reflect.New(pt).Elem()
		out.SetBool(b)
		return out, nil
	case reflect.String:
		str, ok := v.(string)
		if !ok {
			return reflect.Value{}, fmt.Errorf("%T is not a String", v)
		}
		out := reflect.New(pt).Elem()
		out.SetString(str)
		return out, nil
	case reflect.Interface:
		if v == nil {
			return reflect.Zero(pt), nil
		}
		rv := reflect.ValueOf(v)
		if !rv.Type().Implements(pt) {
			return reflect.Value{}, fmt.Errorf("%T does not implement %s", v, pt)
		}
		return rv, nil
	case reflect.Pointer:
		if h, ok := v.(handle.Handle); ok {
			if h.IsNull() {
				return reflect.Zero(pt), nil
			}
			obj, err := h.Dereference()
			if err != nil {
				return reflect.Value{}, err
			}
			rv, ok := upcast(reflect.ValueOf(obj), pt)
			if !ok {
				return reflect.Value{}, fmt.Errorf("%s holds %T, want %s", h, obj, pt)
			}
			return rv, nil
		}
		if v == nil {
			return reflect.Zero(pt), nil
		}
		// A value-type receiver bound through a pointer method gets a copy.
		rv := reflect.ValueOf(v)
		if rv.Type() == pt.Elem() {
			p := reflect.New(pt.Elem())
			p.Elem().Set(rv)
			return p, nil
		}
		return reflect.Value{}, fmt.Errorf("%T is not a %s", v, pt)
	}
	rv := reflect.ValueOf(v)
	if v == nil || rv.Type() != pt {
		return reflect.Value{}, fmt.Errorf("%T is not a %s", v, pt)
	}
	return rv, nil
}

// Composite is implemented by objects that carry a native base instance, such
// as scripted types deriving from a bound Go type.
type Composite interface {
	NativeBase() any
}

// upcast finds pt in rv or, for a struct pointer, in its embedded fields so a
// derived object can be passed where its base is expected.
func upcast(rv reflect.Value, pt reflect.Type) (reflect.Value, bool) {
	if rv.Type().AssignableTo(pt) {
		return rv, true
	}
	if c, ok := composite(rv); ok {
		if base := c.NativeBase(); base != nil {
			return upcast(reflect.ValueOf(base), pt)
		}
		return reflect.Value{}, false
	}
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	sv := rv.Elem()
	for i := 0; i < sv.NumField(); i++ {
		sf := sv.Type().Field(i)
		if !sf.Anonymous {
			continue
		}
		fv := sv.Field(i)
		switch {
		case fv.Kind() == reflect.Struct:
			if v, ok := upcast(fv.Addr(), pt); ok {
				return v, true
			}
		case fv.Kind() == reflect.Pointer && !fv.IsNil():
			if v, ok := upcast(fv, pt); ok {
				return v, true
			}
		}
	}
	return reflect.Value{}, false
}

func composite(rv reflect.Value) (Composite, bool) {
	if !rv.IsValid() || !rv.CanInterface() {
		return nil, false
	}
	c, ok := rv.Interface().(Composite)
	return c, ok
}

// fromGo converts a Go result to its slot representation. Pointers to
// reference objects are wrapped in a handle of t through the calling state.
func fromGo(f meta.Frame, rv reflect.Value, t *meta.BoundType) (any, error) {
	if rv.Type() == handleType {
		return rv.Interface(), nil
	}
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n := rv.Uint()
		if n > math.MaxInt64 {
			return nil, fmt.Errorf("%d overflows Integer", n)
		}
		return int64(n), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return rv.Elem().Interface(), nil
	case reflect.Pointer:
		if t == nil || t.IsValue() {
			return rv.Interface(), nil
		}
		if rv.IsNil() {
			return nil, nil
		}
		state := runtime.CallingState(f.Context())
		if state == nil {
			return nil, errors.New("no calling state to own the result")
		}
		h, err := state.Wrap(t, rv.Interface())
		if err != nil {
			return nil, err
		}
		return h, nil
	}
	return rv.Interface(), nil
}
