package property

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_Accessors(t *testing.T) {
	t.Run("typed_accessors_return_payload", func(t *testing.T) {
		b, err := Bool(true).Bool()
		require.NoError(t, err)
		assert.True(t, b)

		i, err := Int(7).Int()
		require.NoError(t, err)
		assert.Equal(t, int64(7), i)

		f, err := Float(2.5).Float()
		require.NoError(t, err)
		assert.Equal(t, 2.5, f)

		s, err := String("hi").Str()
		require.NoError(t, err)
		assert.Equal(t, "hi", s)
	})

	t.Run("mismatch_returns_error", func(t *testing.T) {
		_, err := Int(1).Str()
		assert.ErrorIs(t, err, ErrTypeMismatch)

		_, err = String("x").Int()
		assert.ErrorIs(t, err, ErrTypeMismatch)
	})

	t.Run("zero_value_is_null", func(t *testing.T) {
		var v Value
		assert.True(t, v.IsNull())
		assert.Equal(t, TypeNull, v.Type())
	})
}

func TestFromAny_RoundTrip(t *testing.T) {
	in := map[string]any{
		"name":   "alice",
		"age":    int64(30),
		"score":  1.5,
		"active": true,
		"tags":   []any{"a", "b"},
		"nested": map[string]any{"k": int64(1)},
	}

	v, err := FromAny(in)
	require.NoError(t, err)
	assert.Equal(t, TypeMap, v.Type())
	assert.Equal(t, in, v.ToAny())
}

func TestFromAny_Unsupported(t *testing.T) {
	_, err := FromAny(struct{}{})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestCompare_Ordering(t *testing.T) {
	t.Run("numeric_class_mixes_int_and_float", func(t *testing.T) {
		assert.True(t, Equal(Int(1), Float(1.0)))
		assert.True(t, Less(Int(1), Float(1.5)))
		assert.True(t, Less(Float(0.5), Int(1)))
	})

	t.Run("type_classes_rank", func(t *testing.T) {
		assert.True(t, Less(Null(), Bool(false)))
		assert.True(t, Less(Bool(true), Int(0)))
		assert.True(t, Less(Int(1000), String("")))
		assert.True(t, Less(String("zzz"), List(nil)))
		assert.True(t, Less(List([]Value{Int(9)}), Map(nil)))
	})

	t.Run("strings_compare_lexicographically", func(t *testing.T) {
		assert.True(t, Less(String("abc"), String("abd")))
		assert.True(t, Equal(String("x"), String("x")))
	})

	t.Run("lists_compare_elementwise_then_length", func(t *testing.T) {
		assert.True(t, Less(
			List([]Value{Int(1)}),
			List([]Value{Int(1), Int(2)}),
		))
		assert.True(t, Less(
			List([]Value{Int(1), Int(2)}),
			List([]Value{Int(2)}),
		))
	})

	t.Run("maps_compare_by_sorted_pairs", func(t *testing.T) {
		a := Map(map[string]Value{"a": Int(1)})
		b := Map(map[string]Value{"a": Int(2)})
		assert.True(t, Less(a, b))
		assert.True(t, Equal(a, Map(map[string]Value{"a": Float(1.0)})))
	})
}

func TestValue_Immutability(t *testing.T) {
	src := []Value{Int(1), Int(2)}
	v := List(src)
	src[0] = Int(99)

	got, err := v.List()
	require.NoError(t, err)
	assert.True(t, Equal(Int(1), got[0]))
}
