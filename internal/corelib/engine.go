// Package corelib binds the native Engine library: vector math, ref-counted
// resources, explicitly destroyed entities and the console.
package corelib

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lightning/internal/binding"
	"github.com/cory-johannsen/lightning/internal/console"
	"github.com/cory-johannsen/lightning/internal/event"
	"github.com/cory-johannsen/lightning/internal/handle"
	"github.com/cory-johannsen/lightning/internal/meta"
	"github.com/cory-johannsen/lightning/internal/runtime"
)

// LibraryName is the name scripts list as a dependency.
const LibraryName = "Engine"

// Vector2 is a 2D value type.
type Vector2 struct {
	X, Y float64
}

// Add returns v+o.
func (v Vector2) Add(o Vector2) Vector2 { return Vector2{X: v.X + o.X, Y: v.Y + o.Y} }

// Scale returns v*k.
func (v Vector2) Scale(k float64) Vector2 { return Vector2{X: v.X * k, Y: v.Y * k} }

// Length returns the euclidean norm.
func (v Vector2) Length() float64 { return math.Hypot(v.X, v.Y) }

// Dot returns the dot product.
func (v Vector2) Dot(o Vector2) float64 { return v.X*o.X + v.Y*o.Y }

// Resource is a named engine asset shared by reference count.
type Resource struct {
	Name string
}

// Describe is virtual; scripted resources may override it.
func (r *Resource) Describe() string { return fmt.Sprintf("resource %q", r.Name) }

// Entity is a named game object addressed by safe id. Entities are not
// counted: they live until despawned, and every handle to a despawned entity
// is invalid.
type Entity struct {
	Name string
}

// Math groups static numeric helpers.
type Math struct{}

// Console groups static console access.
type Console struct{}

// Engine is the declared Engine library with its bound types.
type Engine struct {
	Vector2  *binding.Type
	Resource *binding.Type
	Entity   *binding.Type
	Math     *binding.Type
	Console  *binding.Type

	created   atomic.Int64
	destroyed atomic.Int64
}

// ResourcesCreated returns how many resources constructors have produced.
func (e *Engine) ResourcesCreated() int64 { return e.created.Load() }

// ResourcesDestroyed returns how many resources their managers have destroyed.
func (e *Engine) ResourcesDestroyed() int64 { return e.destroyed.Load() }

// NewResource returns a resource counted by e, for hosts that hand resources
// to scripts.
func (e *Engine) NewResource(name string) *Resource {
	e.created.Add(1)
	return &Resource{Name: name}
}

// ErrNegativeSqrt is returned by Math.Sqrt for negative input.
var ErrNegativeSqrt = errors.New("square root of a negative number")

// Declare registers the Engine library in s.
func Declare(s *binding.Session) *Engine {
	e := &Engine{}
	lib := s.Library(LibraryName)

	e.Vector2 = binding.DeclareValue[Vector2](lib, "Vector2").
		Constructor(func(x, y float64) Vector2 { return Vector2{X: x, Y: y} }).
		Field("X", "X").
		Field("Y", "Y").
		Method("Add", Vector2.Add).
		Method("Scale", Vector2.Scale).
		Method("Dot", Vector2.Dot).
		Property("Length", Vector2.Length, nil)

	e.Resource = binding.DeclareReference[Resource](lib, "Resource", meta.ReferenceCountedManager, nil).
		Constructor(e.NewResource).
		Destructor(func(*Resource) { e.destroyed.Add(1) }).
		Field("Name", "Name").
		Virtual("Describe", (*Resource).Describe).
		Event("Loaded", nil)

	e.Entity = binding.DeclareReference[Entity](lib, "Entity", meta.SafeIDManager, nil).
		Constructor(func(name string) *Entity { return &Entity{Name: name} }).
		Field("Name", "Name").
		Method("Despawn", e.despawn)

	e.Math = binding.DeclareValue[Math](lib, "Math").
		Static("Sqrt", func(x float64) (float64, error) {
			if x < 0 {
				return 0, ErrNegativeSqrt
			}
			return math.Sqrt(x), nil
		}).
		Static("Abs", func(x int64) int64 {
			if x < 0 {
				return -x
			}
			return x
		}).
		Static("Abs", math.Abs).
		Static("Max", math.Max).
		StaticProperty("Pi", math.Pi)

	e.Console = binding.DeclareValue[Console](lib, "Console").
		Static("Write", write)
	return e
}

// despawn destroys en in the calling state's id table.
func (e *Engine) despawn(en *Entity, ctx context.Context) error {
	state := runtime.CallingState(ctx)
	if state == nil {
		return errors.New("despawn outside a call")
	}
	ids, ok := state.ManagerFor(e.Entity.Bound()).(*handle.SafeIDManager)
	if !ok {
		return fmt.Errorf("%s is not managed by safe id", e.Entity.Bound())
	}
	if !ids.Destroy(en) {
		return fmt.Errorf("entity %q is already despawned", en.Name)
	}
	return nil
}

// write prints to the calling state's console and announces the line.
func write(ctx context.Context, message string) error {
	state := runtime.CallingState(ctx)
	if state == nil {
		return errors.New("console write outside a call")
	}
	state.Console().Print(console.UserFilter, message)
	state.Dispatcher().DispatchContext(ctx, event.ConsoleWrite, message)
	return nil
}

// Build declares and builds the Engine library on its own.
func Build(logger *zap.Logger) (*meta.Library, *Engine, error) {
	s := binding.NewSession(logger)
	e := Declare(s)
	libs, err := s.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("building %s: %w", LibraryName, err)
	}
	return libs[0], e, nil
}
