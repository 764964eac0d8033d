package xrm

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Value is a sealed interface representing attribute value types.
// Only Null, String, Int, Bool, Money, OptionSet and Ref implement this.
// NO float type - Money carries integer minor units instead.
type Value interface {
	attrValue() // Sealed - only these types implement it

	// Kind returns the tag used when the value is serialized.
	Kind() string
}

// Value kinds used as serialization tags.
const (
	KindNull      = "null"
	KindString    = "string"
	KindInt       = "int"
	KindBool      = "bool"
	KindMoney     = "money"
	KindOptionSet = "optionset"
	KindRef       = "ref"
)

// Null represents an attribute explicitly cleared to null.
type Null struct{}

func (Null) attrValue() {}
func (Null) Kind() string { return KindNull }

// String represents a text attribute.
type String string

func (String) attrValue() {}
func (String) Kind() string { return KindString }

// Int represents a whole number attribute.
type Int int64

func (Int) attrValue() {}
func (Int) Kind() string { return KindInt }

// Bool represents a two-option attribute.
type Bool bool

func (Bool) attrValue() {}
func (Bool) Kind() string { return KindBool }

// Money represents a currency attribute in integer minor units.
type Money int64

func (Money) attrValue() {}
func (Money) Kind() string { return KindMoney }

// OptionSet represents a choice attribute by its option value.
type OptionSet int32

func (OptionSet) attrValue() {}
func (OptionSet) Kind() string { return KindOptionSet }

// Ref represents a lookup attribute pointing to another record.
type Ref EntityReference

func (Ref) attrValue() {}
func (Ref) Kind() string { return KindRef }

// Attributes maps attribute logical names to values.
// Use SortedKeys() for deterministic iteration.
type Attributes map[string]Value

// Clone returns a shallow copy. Values are immutable so a shallow copy
// is a full snapshot.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return Attributes{}
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// SortedKeys returns the attribute names in ascending order.
func (a Attributes) SortedKeys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Equal reports whether two attribute sets hold the same values.
func (a Attributes) Equal(b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		other, ok := b[k]
		if !ok || !ValuesEqual(v, other) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two values by kind and content.
func ValuesEqual(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	return a == b
}

// ValueFromAny converts loosely typed input (decoded YAML or JSON) into a
// Value. Scalars map directly; tagged maps select the richer kinds:
//
//	{money: 20000}
//	{option: 1}
//	{ref: {entity: contact, id: "..."}}
//
// Floats are rejected.
func ValueFromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint64:
		return Int(int64(val)), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("%w: floats are not supported: %s", ErrInvalidValue, s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidValue, s)
		}
		return Int(n), nil
	case float32, float64:
		return nil, fmt.Errorf("%w: floats are not supported: %v", ErrInvalidValue, val)
	case map[string]any:
		return taggedValue(val)
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, v)
	}
}

func taggedValue(m map[string]any) (Value, error) {
	if len(m) != 1 {
		return nil, fmt.Errorf("%w: tagged value must have exactly one key", ErrInvalidValue)
	}
	for tag, raw := range m {
		switch tag {
		case "money", "option":
			inner, err := ValueFromAny(raw)
			if err != nil {
				return nil, err
			}
			n, ok := inner.(Int)
			if !ok {
				return nil, fmt.Errorf("%w: %s requires an integer", ErrInvalidValue, tag)
			}
			if tag == "money" {
				return Money(n), nil
			}
			return OptionSet(n), nil
		case "ref":
			refMap, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: ref requires {entity, id}", ErrInvalidValue)
			}
			name, _ := refMap["entity"].(string)
			idStr, _ := refMap["id"].(string)
			id, err := uuid.Parse(idStr)
			if err != nil || name == "" {
				return nil, fmt.Errorf("%w: ref requires {entity, id}", ErrInvalidValue)
			}
			return Ref{LogicalName: name, ID: id}, nil
		default:
			return nil, fmt.Errorf("%w: unknown tag %q", ErrInvalidValue, tag)
		}
	}
	return nil, ErrInvalidValue
}

// AttributesFromMap converts a loosely typed map into Attributes.
func AttributesFromMap(m map[string]any) (Attributes, error) {
	attrs := make(Attributes, len(m))
	for k, raw := range m {
		v, err := ValueFromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		attrs[k] = v
	}
	return attrs, nil
}

// Plain converts a Value back into loosely typed form, the inverse of
// ValueFromAny. Used for display and assertions.
func Plain(v Value) any {
	switch val := v.(type) {
	case Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Bool:
		return bool(val)
	case Money:
		return map[string]any{"money": int64(val)}
	case OptionSet:
		return map[string]any{"option": int64(val)}
	case Ref:
		return map[string]any{"ref": map[string]any{"entity": val.LogicalName, "id": val.ID.String()}}
	default:
		return nil
	}
}
