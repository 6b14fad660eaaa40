package meta_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/lightning/internal/meta"
)

func TestRegisterType_IdenticalRedeclarationReturnsExisting(t *testing.T) {
	b := meta.NewLibraryBuilder("Engine")
	first, err := b.RegisterType("Cog", 32, nil, meta.ReferenceType)
	require.NoError(t, err)
	second, err := b.RegisterType("Cog", 32, nil, meta.ReferenceType)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestRegisterType_IncompatibleRedeclarationFails(t *testing.T) {
	b := meta.NewLibraryBuilder("Engine")
	_, err := b.RegisterType("Cog", 32, nil, meta.ReferenceType)
	require.NoError(t, err)
	_, err = b.RegisterType("Cog", 64, nil, meta.ReferenceType)
	var be *meta.BindingError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, meta.IncompatibleType, be.Kind)
}

func TestRegisterType_DefaultManagers(t *testing.T) {
	b := meta.NewLibraryBuilder("Engine")
	ref, err := b.RegisterType("Cog", 32, nil, meta.ReferenceType)
	require.NoError(t, err)
	val, err := b.RegisterType("Color", 16, nil, meta.ValueType)
	require.NoError(t, err)
	assert.Equal(t, meta.HeapManager, ref.HandleManager)
	assert.Equal(t, meta.NoManager, val.HandleManager)

	ref.HandleManager = meta.ReferenceCountedManager
	derived, err := b.RegisterType("Transform", 32, ref, meta.ReferenceType)
	require.NoError(t, err)
	assert.Equal(t, meta.ReferenceCountedManager, derived.HandleManager)
}

func TestBuild_DuplicateSignatureFailsAtBuildTime(t *testing.T) {
	b := meta.NewLibraryBuilder("Engine")
	cog, err := b.RegisterType("Cog", 8, nil, meta.ReferenceType)
	require.NoError(t, err)
	spec := meta.FunctionSpec{Name: "Move", Invoke: noop, Params: []meta.TypeRef{meta.Ref("Real")}}
	require.NoError(t, b.AddFunction(cog, spec))
	require.NoError(t, b.AddFunction(cog, spec))

	lib, err := b.Build()
	assert.Nil(t, lib)
	var buildErr *meta.BuildError
	require.True(t, errors.As(err, &buildErr))
	assert.True(t, buildErr.HasKind(meta.DuplicateSignature))
}

func TestProperty_DistinctSignaturesBuildDuplicatesFail(t *testing.T) {
	primitives := []*meta.BoundType{meta.IntegerType, meta.RealType, meta.BooleanType, meta.StringType}
	rapid.Check(t, func(rt *rapid.T) {
		a := rapid.SliceOfN(rapid.SampledFrom(primitives), 0, 3).Draw(rt, "a")
		c := rapid.SliceOfN(rapid.SampledFrom(primitives), 0, 3).Draw(rt, "c")
		b := meta.NewLibraryBuilder("Overloads")
		owner, err := b.RegisterType("Owner", 8, nil, meta.ReferenceType)
		if err != nil {
			rt.Fatal(err)
		}
		for _, params := range [][]*meta.BoundType{a, c} {
			refs := make([]meta.TypeRef, len(params))
			for i, p := range params {
				refs[i] = meta.RefType(p)
			}
			_ = b.AddFunction(owner, meta.FunctionSpec{Name: "F", Invoke: noop, Params: refs})
		}
		_, err = b.Build()
		same := reflect.DeepEqual(a, c) || (len(a) == 0 && len(c) == 0)
		if same && err == nil {
			rt.Fatalf("duplicate signature %v accepted", a)
		}
		if !same && err != nil {
			rt.Fatalf("distinct signatures %v and %v rejected: %v", a, c, err)
		}
	})
}

func TestBuild_UnresolvedTypeFailsAtBuildTime(t *testing.T) {
	b := meta.NewLibraryBuilder("Engine")
	cog, err := b.RegisterType("Cog", 8, nil, meta.ReferenceType)
	require.NoError(t, err)
	require.NoError(t, b.AddFunction(cog, meta.FunctionSpec{Name: "GetSpace", Invoke: noop, Return: meta.Ref("Space")}))
	require.NoError(t, b.AddProperty(cog, meta.PropertySpec{Name: "Body", Type: meta.Ref("RigidBody"), Get: noop}))

	_, err = b.Build()
	var buildErr *meta.BuildError
	require.True(t, errors.As(err, &buildErr))
	assert.Len(t, buildErr.Errors, 2)
	assert.True(t, buildErr.HasKind(meta.UnresolvedType))
	assert.Contains(t, err.Error(), "Space")
	assert.Contains(t, err.Error(), "RigidBody")
}

func TestBuild_AppendOnlyAfterBuild(t *testing.T) {
	b := meta.NewLibraryBuilder("Engine")
	cog, err := b.RegisterType("Cog", 8, nil, meta.ReferenceType)
	require.NoError(t, err)
	lib, err := b.Build()
	require.NoError(t, err)

	_, err = b.RegisterType("Late", 8, nil, meta.ReferenceType)
	assert.ErrorIs(t, err, meta.ErrLibraryBuilt)
	assert.ErrorIs(t, b.AddFunction(cog, meta.FunctionSpec{Name: "Late", Invoke: noop}), meta.ErrLibraryBuilt)

	again, err := b.Build()
	require.NoError(t, err)
	assert.Same(t, lib, again)
}

func TestBuildSession_CoDependentLibrariesResolveForwardReferences(t *testing.T) {
	s := meta.NewBuildSession()
	engine := s.NewLibrary("Engine")
	physics := s.NewLibrary("Physics")

	// Phase one: declare every type in both libraries.
	space, err := engine.RegisterType("Space", 8, nil, meta.ReferenceType)
	require.NoError(t, err)
	body, err := physics.RegisterType("RigidBody", 8, nil, meta.ReferenceType)
	require.NoError(t, err)

	// Phase two: members reference types of the other library by name.
	require.NoError(t, engine.AddFunction(space, meta.FunctionSpec{Name: "FirstBody", Invoke: noop, Return: meta.Ref("RigidBody")}))
	require.NoError(t, physics.AddFunction(body, meta.FunctionSpec{Name: "GetSpace", Invoke: noop, Return: meta.Ref("Space")}))

	libs, err := s.Build()
	require.NoError(t, err)
	require.Len(t, libs, 2)
	assert.Contains(t, libs[0].Dependencies, libs[1])
	assert.Contains(t, libs[1].Dependencies, libs[0])

	fn, err := space.FindFunction("FirstBody", []*meta.BoundType{}, nil)
	require.NoError(t, err)
	assert.Same(t, body, fn.Return)

	closure := meta.Module{libs[0]}.Closure()
	assert.Len(t, closure, 3, "Core, Physics and Engine")
}

func TestBuild_ForwardReferenceOutsideSessionFails(t *testing.T) {
	physics := meta.NewLibraryBuilder("Physics")
	body, err := physics.RegisterType("RigidBody", 8, nil, meta.ReferenceType)
	require.NoError(t, err)
	require.NoError(t, physics.AddFunction(body, meta.FunctionSpec{Name: "GetSpace", Invoke: noop, Return: meta.Ref("Space")}))
	_, err = physics.Build()
	require.Error(t, err)

	engine := meta.NewLibraryBuilder("Engine")
	_, err = engine.RegisterType("Space", 8, nil, meta.ReferenceType)
	require.NoError(t, err)
	_, err = engine.Build()
	require.NoError(t, err)
}

func TestBuild_TypeFromUnrelatedLibraryFails(t *testing.T) {
	physics := meta.NewLibraryBuilder("Physics")
	body, err := physics.RegisterType("RigidBody", 8, nil, meta.ReferenceType)
	require.NoError(t, err)
	_, err = physics.Build()
	require.NoError(t, err)

	game := meta.NewLibraryBuilder("Game")
	crate, err := game.RegisterType("Crate", 8, body, meta.ReferenceType)
	require.NoError(t, err)
	require.NoError(t, game.AddFunction(crate, meta.FunctionSpec{Name: "Body", Invoke: noop, Return: meta.RefType(body)}))
	_, err = game.Build()
	var buildErr *meta.BuildError
	require.True(t, errors.As(err, &buildErr))
	assert.Len(t, buildErr.Errors, 2)
	assert.True(t, buildErr.HasKind(meta.UnresolvedType))
	assert.Contains(t, err.Error(), "RigidBody")
}

func TestBuild_TypeFromDependencyIsRecorded(t *testing.T) {
	physics := meta.NewLibraryBuilder("Physics")
	body, err := physics.RegisterType("RigidBody", 8, nil, meta.ReferenceType)
	require.NoError(t, err)
	physicsLib, err := physics.Build()
	require.NoError(t, err)

	world := meta.NewLibraryBuilder("World", physicsLib)
	worldLib, err := world.Build()
	require.NoError(t, err)

	game := meta.NewLibraryBuilder("Game", worldLib)
	crate, err := game.RegisterType("Crate", 8, body, meta.ReferenceType)
	require.NoError(t, err)
	require.NoError(t, game.AddFunction(crate, meta.FunctionSpec{Name: "Body", Invoke: noop, Return: meta.RefType(body)}))
	lib, err := game.Build()
	require.NoError(t, err, "a transitive dependency is visible")
	assert.Contains(t, meta.Module{lib}.Closure(), physicsLib)
}

func TestBuild_OverrideWithoutVirtualFails(t *testing.T) {
	b := meta.NewLibraryBuilder("Zoo")
	animal, err := b.RegisterType("Animal", 8, nil, meta.ReferenceType)
	require.NoError(t, err)
	horse, err := b.RegisterType("Horse", 8, animal, meta.ReferenceType)
	require.NoError(t, err)
	require.NoError(t, b.AddFunction(horse, meta.FunctionSpec{Name: "Speak", Override: true, Invoke: noop}))
	_, err = b.Build()
	var buildErr *meta.BuildError
	require.True(t, errors.As(err, &buildErr))
	assert.True(t, buildErr.HasKind(meta.InvalidMember))
}

func TestBuild_ValueTypesCannotBeVirtual(t *testing.T) {
	b := meta.NewLibraryBuilder("Math")
	vec, err := b.RegisterType("Vec", 16, nil, meta.ValueType)
	require.NoError(t, err)
	require.NoError(t, b.AddFunction(vec, meta.FunctionSpec{Name: "Length", Virtual: true, Invoke: noop}))
	_, err = b.Build()
	assert.Error(t, err)
}

func TestBuild_PropertyAccessorsBecomeFunctions(t *testing.T) {
	b := meta.NewLibraryBuilder("Engine")
	cog, err := b.RegisterType("Cog", 8, nil, meta.ReferenceType)
	require.NoError(t, err)
	require.NoError(t, b.AddProperty(cog, meta.PropertySpec{Name: "Name", Type: meta.Ref("String"), Get: noop, Set: noop}))
	require.NoError(t, b.AddProperty(cog, meta.PropertySpec{Name: "Id", Type: meta.Ref("Integer"), Get: noop}))
	_, err = b.Build()
	require.NoError(t, err)

	name, ok := cog.FindProperty("Name")
	require.True(t, ok)
	assert.False(t, name.ReadOnly())
	assert.Equal(t, "get_Name", name.Getter.Name)
	assert.Equal(t, []*meta.BoundType{meta.StringType}, name.Setter.Params)

	id, ok := cog.FindProperty("Id")
	require.True(t, ok)
	assert.True(t, id.ReadOnly())
	assert.Nil(t, id.Setter)
}

func TestBuild_InstantiableReferenceTypeNeedsManager(t *testing.T) {
	b := meta.NewLibraryBuilder("Engine")
	cog, err := b.RegisterType("Cog", 8, nil, meta.ReferenceType)
	require.NoError(t, err)
	cog.HandleManager = meta.NoManager
	require.NoError(t, b.AddConstructor(cog, nil, true, noop))
	_, err = b.Build()
	assert.Error(t, err)
}

func TestModule_FindTypeFirstMatchWins(t *testing.T) {
	first := meta.NewLibraryBuilder("First")
	a, err := first.RegisterType("Shared", 8, nil, meta.ReferenceType)
	require.NoError(t, err)
	firstLib, err := first.Build()
	require.NoError(t, err)

	second := meta.NewLibraryBuilder("Second")
	_, err = second.RegisterType("Shared", 8, nil, meta.ReferenceType)
	require.NoError(t, err)
	secondLib, err := second.Build()
	require.NoError(t, err)

	found, ok := meta.Module{firstLib, secondLib}.FindType("Shared")
	require.True(t, ok)
	assert.Same(t, a, found)

	integer, ok := meta.Module{secondLib}.FindType("Integer")
	require.True(t, ok)
	assert.Same(t, meta.IntegerType, integer)
	assert.NotEqual(t, firstLib.Version, secondLib.Version)
}
