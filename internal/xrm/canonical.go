package xrm

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"unicode/utf16"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// DomainSnapshot separates snapshot hashes from any other hash domain.
const DomainSnapshot = "xrmsim/snapshot/v1"

// MarshalCanonical produces RFC 8785 canonical JSON.
// This is the ONLY serialization used for stored attribute payloads and
// snapshot hashes, so equal snapshots always produce equal bytes.
//
// Differences from json.Marshal:
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping
//  3. Strings are NFC normalized
//  4. No floats (returns error)
//
// Values are encoded as tagged objects: {"t":"money","v":20000}.
func MarshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case Value:
		return marshalCanonicalValue(val)
	case Attributes:
		obj := make(map[string]any, len(val))
		for k, attr := range val {
			obj[k] = attr
		}
		return marshalCanonicalObject(obj)
	case *Entity:
		if val == nil {
			return []byte("null"), nil
		}
		return marshalCanonicalObject(map[string]any{
			"logical_name": val.LogicalName,
			"id":           val.ID.String(),
			"attributes":   val.Attributes,
		})
	case string:
		return marshalCanonicalString(val)
	case int:
		return []byte(fmt.Sprintf("%d", val)), nil
	case int64:
		return []byte(fmt.Sprintf("%d", val)), nil
	case bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := MarshalCanonical(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		return marshalCanonicalObject(val)
	case float32, float64:
		return nil, fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

func marshalCanonicalValue(v Value) ([]byte, error) {
	obj := map[string]any{"t": v.Kind()}
	switch val := v.(type) {
	case Null:
	case String:
		obj["v"] = string(val)
	case Int:
		obj["v"] = int64(val)
	case Bool:
		obj["v"] = bool(val)
	case Money:
		obj["v"] = int64(val)
	case OptionSet:
		obj["v"] = int64(val)
	case Ref:
		obj["v"] = map[string]any{
			"logical_name": val.LogicalName,
			"id":           val.ID.String(),
		}
	default:
		return nil, fmt.Errorf("unknown Value type: %T", v)
	}
	return marshalCanonicalObject(obj)
}

// marshalCanonicalString produces a canonical JSON string with NFC
// normalization and without HTML escaping.
func marshalCanonicalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}
	// json.Encoder adds a trailing newline
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func marshalCanonicalObject(obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := marshalCanonicalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalCanonical(obj[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// compareKeysRFC8785 orders strings by UTF-16 code units.
// Go's default string comparison uses UTF-8 which produces a DIFFERENT order
// for characters outside the BMP.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}

// DecodeAttributes parses the canonical attribute encoding produced by
// MarshalCanonical(Attributes).
func DecodeAttributes(data []byte) (Attributes, error) {
	var raw map[string]struct {
		T string          `json:"t"`
		V json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}

	attrs := make(Attributes, len(raw))
	for name, tagged := range raw {
		v, err := decodeValue(tagged.T, tagged.V)
		if err != nil {
			return nil, fmt.Errorf("decode attribute %q: %w", name, err)
		}
		attrs[name] = v
	}
	return attrs, nil
}

func decodeValue(kind string, data json.RawMessage) (Value, error) {
	switch kind {
	case KindNull:
		return Null{}, nil
	case KindString:
		var s string
		err := json.Unmarshal(data, &s)
		return String(s), err
	case KindBool:
		var b bool
		err := json.Unmarshal(data, &b)
		return Bool(b), err
	case KindInt, KindMoney, KindOptionSet:
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, err
		}
		switch kind {
		case KindMoney:
			return Money(n), nil
		case KindOptionSet:
			return OptionSet(n), nil
		}
		return Int(n), nil
	case KindRef:
		var r struct {
			LogicalName string `json:"logical_name"`
			ID          string `json:"id"`
		}
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(r.ID)
		if err != nil {
			return nil, err
		}
		return Ref{LogicalName: r.LogicalName, ID: id}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidValue, kind)
	}
}

// SnapshotHash computes a content hash of an entity snapshot with domain
// separation: SHA256(domain + 0x00 + canonical JSON).
func SnapshotHash(e *Entity) (string, error) {
	data, err := MarshalCanonical(e)
	if err != nil {
		return "", fmt.Errorf("SnapshotHash: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(DomainSnapshot))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
