package meta

import (
	"fmt"
	"math"
	"reflect"
)

// Primitive types of the Core library. Every other library implicitly depends on Core.
var (
	VoidType    *BoundType
	BooleanType *BoundType
	IntegerType *BoundType
	RealType    *BoundType
	StringType  *BoundType
	AnyType     *BoundType
	// HandleType is the abstract root of reference types.
	HandleType *BoundType

	coreLibrary *Library
)

func init() {
	b := NewLibraryBuilder("Core")
	b.noCore = true
	reg := func(name string, size int, mode CopyMode, goType reflect.Type) *BoundType {
		t, err := b.RegisterType(name, size, nil, mode)
		if err != nil {
			panic(fmt.Sprintf("meta: registering core type %s: %v", name, err))
		}
		t.GoType = goType
		t.Native = true
		return t
	}
	VoidType = reg("Void", 0, ValueType, nil)
	BooleanType = reg("Boolean", 1, ValueType, reflect.TypeFor[bool]())
	IntegerType = reg("Integer", 8, ValueType, reflect.TypeFor[int64]())
	RealType = reg("Real", 8, ValueType, reflect.TypeFor[float64]())
	StringType = reg("String", 16, ValueType, reflect.TypeFor[string]())
	AnyType = reg("Any", 16, ValueType, reflect.TypeFor[any]())
	HandleType = reg("Handle", 16, ReferenceType, nil)
	HandleType.HandleManager = NoManager

	lib, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("meta: building core library: %v", err))
	}
	coreLibrary = lib
}

// Core returns the shared primitive library.
func Core() *Library {
	return coreLibrary
}

// Referent is implemented by handles so reference slots can be type-checked
// without meta depending on the handle package.
type Referent interface {
	DynamicType() *BoundType
	IsNull() bool
}

// Coerce checks that v is a valid representation of t and normalizes it.
// Integers of any Go width become int64 when lossless and float32 becomes
// float64; there is no promotion between Integer and Real. Value types are
// copied; reference types must be handles castable to t, or null.
func Coerce(t *BoundType, v any) (any, bool) {
	switch t {
	case nil:
		return nil, false
	case AnyType:
		return v, true
	case VoidType:
		return nil, v == nil
	case IntegerType:
		return toInteger(v)
	case RealType:
		switch x := v.(type) {
		case float64:
			return x, true
		case float32:
			return float64(x), true
		}
		return nil, false
	case BooleanType:
		b, ok := v.(bool)
		return b, ok
	case StringType:
		s, ok := v.(string)
		return s, ok
	}
	if t.IsValue() {
		if v == nil || t.GoType == nil {
			return nil, false
		}
		rv := reflect.ValueOf(v)
		if rv.Type() == t.GoType {
			return v, true
		}
		if rv.Kind() == reflect.Pointer && rv.Type().Elem() == t.GoType && !rv.IsNil() {
			return rv.Elem().Interface(), true
		}
		return nil, false
	}
	if v == nil {
		return nil, true
	}
	ref, ok := v.(Referent)
	if !ok {
		return nil, false
	}
	if ref.IsNull() {
		return v, true
	}
	return v, ref.DynamicType().IsRawCastableTo(t)
}

func toInteger(v any) (any, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int16:
		return int64(x), true
	case int8:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, false
		}
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return nil, false
		}
		return int64(x), true
	}
	return nil, false
}

// ZeroValue returns the default value of t: zero primitives, a zero Go value
// for native value types and nil for references.
func ZeroValue(t *BoundType) any {
	switch t {
	case IntegerType:
		return int64(0)
	case RealType:
		return float64(0)
	case BooleanType:
		return false
	case StringType:
		return ""
	}
	if t != nil && t.IsValue() && t.GoType != nil && t.GoType.Kind() != reflect.Interface {
		return reflect.Zero(t.GoType).Interface()
	}
	return nil
}
