package meta_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/lightning/internal/meta"
)

func noop(meta.Frame) error { return nil }

func buildChain(t testing.TB, depth int) []*meta.BoundType {
	t.Helper()
	b := meta.NewLibraryBuilder("Chain")
	chain := make([]*meta.BoundType, 0, depth)
	var base *meta.BoundType
	for i := 0; i < depth; i++ {
		bt, err := b.RegisterType(fmt.Sprintf("T%d", i), 8, base, meta.ReferenceType)
		require.NoError(t, err)
		chain = append(chain, bt)
		base = bt
	}
	_, err := b.Build()
	require.NoError(t, err)
	return chain
}

func TestIsRawCastableTo_Reflexive(t *testing.T) {
	chain := buildChain(t, 1)
	assert.True(t, chain[0].IsRawCastableTo(chain[0]))
}

func TestIsRawCastableTo_UpcastOnly(t *testing.T) {
	chain := buildChain(t, 3)
	animal, horse, pony := chain[0], chain[1], chain[2]
	assert.True(t, pony.IsRawCastableTo(animal))
	assert.True(t, horse.IsRawCastableTo(animal))
	assert.False(t, animal.IsRawCastableTo(horse))
	assert.False(t, horse.IsRawCastableTo(pony))
	assert.False(t, pony.IsRawCastableTo(nil))
}

func TestProperty_IsRawCastableTo_ReflexiveAndTransitive(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		depth := rapid.IntRange(1, 12).Draw(rt, "depth")
		chain := buildChain(t, depth)
		i := rapid.IntRange(0, depth-1).Draw(rt, "i")
		j := rapid.IntRange(0, i).Draw(rt, "j")
		k := rapid.IntRange(0, j).Draw(rt, "k")
		a, b, c := chain[i], chain[j], chain[k]
		if !a.IsRawCastableTo(a) {
			rt.Fatalf("%s not castable to itself", a)
		}
		if a.IsRawCastableTo(b) && b.IsRawCastableTo(c) && !a.IsRawCastableTo(c) {
			rt.Fatalf("castability not transitive: %s -> %s -> %s", a, b, c)
		}
		if i > j && b.IsRawCastableTo(a) {
			rt.Fatalf("downcast %s -> %s reported castable", b, a)
		}
	})
}

func TestFindFunction_ExactMatchNoPromotion(t *testing.T) {
	b := meta.NewLibraryBuilder("Math")
	m, err := b.RegisterType("MathOps", 0, nil, meta.ReferenceType)
	require.NoError(t, err)
	require.NoError(t, b.AddFunction(m, meta.FunctionSpec{
		Name: "Abs", Static: true, Native: true, Invoke: noop,
		Params: []meta.TypeRef{meta.RefType(meta.IntegerType)}, Return: meta.RefType(meta.IntegerType),
	}))
	require.NoError(t, b.AddFunction(m, meta.FunctionSpec{
		Name: "Abs", Static: true, Native: true, Invoke: noop,
		Params: []meta.TypeRef{meta.RefType(meta.RealType)}, Return: meta.RefType(meta.RealType),
	}))
	_, err = b.Build()
	require.NoError(t, err)

	fn, err := m.FindFunction("Abs", []*meta.BoundType{meta.IntegerType}, nil)
	require.NoError(t, err)
	assert.Equal(t, meta.IntegerType, fn.Return)

	fn, err = m.FindFunction("Abs", []*meta.BoundType{meta.RealType}, meta.RealType)
	require.NoError(t, err)
	assert.Equal(t, meta.RealType, fn.Params[0])

	_, err = m.FindFunction("Abs", []*meta.BoundType{meta.BooleanType}, nil)
	assert.True(t, errors.Is(err, meta.ErrNoMatchingOverload))

	_, err = m.FindFunction("Abs", []*meta.BoundType{meta.IntegerType}, meta.RealType)
	assert.True(t, errors.Is(err, meta.ErrNoMatchingOverload))

	_, err = m.FindFunction("Abs", nil, nil)
	assert.True(t, errors.Is(err, meta.ErrAmbiguousOverload))
}

func TestFindFunction_SearchesBaseTypes(t *testing.T) {
	b := meta.NewLibraryBuilder("Zoo")
	animal, err := b.RegisterType("Animal", 8, nil, meta.ReferenceType)
	require.NoError(t, err)
	horse, err := b.RegisterType("Horse", 8, animal, meta.ReferenceType)
	require.NoError(t, err)
	require.NoError(t, b.AddFunction(animal, meta.FunctionSpec{Name: "Speak", Invoke: noop, Return: meta.RefType(meta.StringType)}))
	_, err = b.Build()
	require.NoError(t, err)

	fn, err := horse.FindFunction("Speak", []*meta.BoundType{}, nil)
	require.NoError(t, err)
	assert.Equal(t, animal, fn.Owner)
	assert.Equal(t, "Speak() : String", fn.Signature())
	assert.Equal(t, "Animal.Speak", fn.QualifiedName())
}

func TestResolveVirtual_UsesDynamicDispatchTable(t *testing.T) {
	b := meta.NewLibraryBuilder("Zoo")
	animal, err := b.RegisterType("Animal", 8, nil, meta.ReferenceType)
	require.NoError(t, err)
	horse, err := b.RegisterType("Horse", 8, animal, meta.ReferenceType)
	require.NoError(t, err)
	require.NoError(t, b.AddFunction(animal, meta.FunctionSpec{Name: "Speak", Virtual: true, Native: true, Invoke: noop, Return: meta.RefType(meta.StringType)}))
	require.NoError(t, b.AddFunction(animal, meta.FunctionSpec{Name: "Eat", Virtual: true, Native: true, Invoke: noop}))
	require.NoError(t, b.AddFunction(horse, meta.FunctionSpec{Name: "Speak", Override: true, Invoke: noop, Return: meta.RefType(meta.StringType)}))
	_, err = b.Build()
	require.NoError(t, err)

	base, err := animal.FindFunction("Speak", []*meta.BoundType{}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, base.Slot)
	assert.Equal(t, 2, animal.NativeVirtualCount)
	assert.Equal(t, 2, horse.NativeVirtualCount)
	require.Len(t, horse.VTable, 2)

	impl := horse.ResolveVirtual(base)
	assert.Equal(t, horse, impl.Owner)
	assert.Equal(t, base.Slot, impl.Slot)
	assert.Same(t, base, animal.ResolveVirtual(base))

	eat, err := animal.FindFunction("Eat", []*meta.BoundType{}, nil)
	require.NoError(t, err)
	assert.Same(t, eat, horse.ResolveVirtual(eat))
}

func TestLocation_String(t *testing.T) {
	assert.Equal(t, "native", meta.NativeLocation.String())
	assert.Equal(t, "native", meta.Location{}.String())
	assert.Equal(t, "player.lua:12", meta.Location{Origin: "player.lua", Line: 12}.String())
	assert.Equal(t, "player.lua", meta.Location{Origin: "player.lua"}.String())
}
