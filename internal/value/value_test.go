package value_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmora/wisp/internal/value"
)

func TestTruthy(t *testing.T) {
	assert.False(t, value.Nil().Truthy())
	assert.False(t, value.NewBool(false).Truthy())
	assert.True(t, value.NewBool(true).Truthy())
	assert.True(t, value.NewInt(0).Truthy())
	assert.True(t, value.NewInt(-1).Truthy())
}

func TestEqualStructuralForPrimitives(t *testing.T) {
	assert.True(t, value.NewInt(3).Equal(value.NewInt(3)))
	assert.False(t, value.NewInt(3).Equal(value.NewInt(4)))
	assert.False(t, value.NewInt(0).Equal(value.NewBool(false)), "different tags are never equal")
	assert.True(t, value.Nil().Equal(value.Nil()))
}

func TestEqualReferenceIdentityForObjects(t *testing.T) {
	a := &value.ObjString{Chars: "foo"}
	b := &value.ObjString{Chars: "foo"}
	av := value.NewObj(a)
	bv := value.NewObj(b)
	assert.False(t, av.Equal(bv), "distinct ObjString pointers are not equal even with same bytes")
	assert.True(t, av.Equal(value.NewObj(a)))
}

func TestDictSetGetPreservesInsertionOrder(t *testing.T) {
	d := value.NewDict()
	k1 := value.NewObj(&value.ObjString{Chars: "a"})
	k2 := value.NewObj(&value.ObjString{Chars: "b"})
	d.Set(k1, value.NewInt(1))
	d.Set(k2, value.NewInt(2))

	var keys []string
	d.Each(func(k, v value.Value) {
		keys = append(keys, k.Obj.(*value.ObjString).Chars)
	})
	require.Equal(t, []string{"a", "b"}, keys)

	got, ok := d.Get(k1)
	require.True(t, ok)
	assert.Equal(t, int64(1), got.Int)

	d.Set(k1, value.NewInt(99))
	assert.Equal(t, 2, d.Len(), "overwriting an existing key doesn't grow the dict")
}

func TestArrayString(t *testing.T) {
	arr := &value.ObjArray{Elements: []value.Value{value.NewInt(1), value.NewInt(2)}}
	assert.Equal(t, "[1, 2]", arr.String())
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "nil", value.Nil().TypeName())
	assert.Equal(t, "bool", value.NewBool(true).TypeName())
	assert.Equal(t, "int", value.NewInt(1).TypeName())
	assert.Equal(t, "string", value.NewObj(&value.ObjString{Chars: "x"}).TypeName())
}
