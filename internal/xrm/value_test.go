package xrm

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueFromAny_Scalars(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want Value
	}{
		{"string", "Some name", String("Some name")},
		{"int", 5, Int(5)},
		{"int64", int64(7), Int(7)},
		{"bool", true, Bool(true)},
		{"nil", nil, Null{}},
		{"json number", json.Number("42"), Int(42)},
		{"money", map[string]any{"money": 20000}, Money(20000)},
		{"option", map[string]any{"option": 1}, OptionSet(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValueFromAny(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValueFromAny_Ref(t *testing.T) {
	id := uuid.New()
	got, err := ValueFromAny(map[string]any{
		"ref": map[string]any{"entity": "contact", "id": id.String()},
	})
	require.NoError(t, err)
	assert.Equal(t, Ref{LogicalName: "contact", ID: id}, got)
}

func TestValueFromAny_RejectsFloats(t *testing.T) {
	_, err := ValueFromAny(1.5)
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = ValueFromAny(json.Number("1.5"))
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestValueFromAny_RejectsUnknownTag(t *testing.T) {
	_, err := ValueFromAny(map[string]any{"decimal": 1})
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestPlain_InvertsValueFromAny(t *testing.T) {
	in := map[string]any{"money": int64(300)}
	v, err := ValueFromAny(in)
	require.NoError(t, err)
	assert.Equal(t, in, Plain(v))
}

func TestValuesEqual_DistinguishesKinds(t *testing.T) {
	assert.True(t, ValuesEqual(Int(1), Int(1)))
	assert.False(t, ValuesEqual(Int(1), Money(1)))
	assert.False(t, ValuesEqual(Int(1), nil))
	assert.True(t, ValuesEqual(nil, nil))
}

func TestEntity_CloneIsIndependent(t *testing.T) {
	e := NewEntity("account").Set("name", String("a"))
	c := e.Clone()
	c.Set("name", String("b"))

	assert.Equal(t, "a", e.GetString("name"))
	assert.Equal(t, "b", c.GetString("name"))
}

func TestEntity_Project(t *testing.T) {
	e := NewEntity("account").
		Set("name", String("a")).
		Set("accountnumber", String("1"))

	p := e.Project([]string{"name", "missing"})
	assert.Equal(t, Attributes{"name": String("a")}, p.Attributes)
	assert.Len(t, e.Project(nil).Attributes, 2)
}

func TestTarget_Cases(t *testing.T) {
	id := uuid.New()

	none := NoTarget()
	_, ok := none.Identity()
	assert.False(t, ok)
	assert.Nil(t, none.Entity())

	e := &Entity{LogicalName: "account", ID: id}
	et := EntityTarget(e)
	ref, ok := et.Identity()
	require.True(t, ok)
	assert.Equal(t, EntityReference{LogicalName: "account", ID: id}, ref)
	assert.Same(t, e, et.Entity())

	rt := ReferenceTarget(EntityReference{LogicalName: "contact", ID: id})
	assert.Equal(t, TargetReference, rt.Kind())
	assert.Nil(t, rt.Entity())
	assert.Equal(t, "contact", rt.LogicalName())

	assert.Equal(t, TargetNone, EntityTarget(nil).Kind())
}
