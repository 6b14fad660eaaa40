package script

import (
	"fmt"
	"reflect"

	"github.com/cory-johannsen/lightning/internal/handle"
	"github.com/cory-johannsen/lightning/internal/meta"
)

// Object is an instance of a scripted type. Fields holds every instance
// property declared by the scripted types in its ancestry; Native is the
// instance of the nearest native ancestor, or nil.
type Object struct {
	Type   *meta.BoundType
	Fields map[string]any
	Native any
}

// NewObject returns an object of t with every field at its default.
//
// Precondition: t must be a built scripted type.
func NewObject(t *meta.BoundType) (*Object, error) {
	obj := &Object{Type: t, Fields: make(map[string]any)}
	for _, cur := range t.Ancestors() {
		if cur.Native {
			if obj.Native == nil && cur.GoType != nil {
				rt := cur.GoType
				if rt.Kind() == reflect.Pointer {
					rt = rt.Elem()
				}
				obj.Native = reflect.New(rt).Interface()
			}
			continue
		}
		for _, p := range cur.Properties {
			if p.Static {
				continue
			}
			if _, shadowed := obj.Fields[p.Name]; shadowed {
				continue
			}
			v := meta.ZeroValue(p.Type)
			if p.Default != nil {
				d, ok := meta.Coerce(p.Type, p.Default)
				if !ok {
					return nil, fmt.Errorf("%s.%s default %v is not a %s", cur.Name, p.Name, p.Default, p.Type)
				}
				v = d
			}
			obj.Fields[p.Name] = v
		}
	}
	return obj, nil
}

// NativeBase returns the native ancestor instance so bound Go methods can
// run on scripted subclasses.
func (o *Object) NativeBase() any {
	if o == nil {
		return nil
	}
	return o.Native
}

// releaseFields drops the references held in o's fields.
func (o *Object) releaseFields() {
	var held []handle.Handle
	for name, v := range o.Fields {
		if h, ok := v.(handle.Handle); ok {
			held = append(held, h)
			o.Fields[name] = nil
		}
	}
	for _, h := range held {
		h.Release()
	}
}

// String identifies the object by type.
func (o *Object) String() string {
	return fmt.Sprintf("%s object", o.Type)
}

// objectOf dereferences a receiver slot holding a scripted object.
func objectOf(this any) (*Object, error) {
	h, ok := this.(handle.Handle)
	if !ok {
		return nil, fmt.Errorf("receiver %T is not a handle", this)
	}
	v, err := h.Dereference()
	if err != nil {
		return nil, err
	}
	obj, ok := v.(*Object)
	if !ok {
		return nil, fmt.Errorf("%s does not hold a scripted object", h)
	}
	return obj, nil
}

// retain adds a reference when v is a handle. Fields, statics and getter
// results each own the handle they hold.
func retain(v any) any {
	if h, ok := v.(handle.Handle); ok {
		return h.Copy()
	}
	return v
}

func release(v any) {
	if h, ok := v.(handle.Handle); ok {
		h.Release()
	}
}

// destroyObject releases the object's fields, then runs the nearest
// destructor above t so native ancestors still clean up.
func destroyObject(t *meta.BoundType) func(any) {
	return func(v any) {
		if obj, ok := v.(*Object); ok {
			obj.releaseFields()
		}
		for cur := t.Base; cur != nil; cur = cur.Base {
			if cur.Destructor != nil {
				cur.Destructor(v)
				return
			}
		}
	}
}
