package crdt

import (
	"encoding/json"
	"fmt"
	"math"
)

// Kind discriminates the shapes a namespace entry can take. Project
// content arriving over the wire is arbitrarily nested, so entries are
// held as tagged values and converted to concrete track/clip structs
// only after validation by the caller.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
)

// Value is a tagged union: primitive, list of values, or map of string
// to value.
type Value struct {
	Kind  Kind             `cbor:"1,keyasint"`
	Bool  bool             `cbor:"2,keyasint,omitempty"`
	Int   int64            `cbor:"3,keyasint,omitempty"`
	Float float64          `cbor:"4,keyasint,omitempty"`
	Str   string           `cbor:"5,keyasint,omitempty"`
	List  []Value          `cbor:"6,keyasint,omitempty"`
	Map   map[string]Value `cbor:"7,keyasint,omitempty"`
}

func Null() Value            { return Value{Kind: KindNull} }
func Bool(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value      { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value  { return Value{Kind: KindFloat, Float: f} }
func String(s string) Value  { return Value{Kind: KindString, Str: s} }
func List(vs ...Value) Value { return Value{Kind: KindList, List: vs} }

func MapValue(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }

// FromAny converts a decoded JSON value into a Value, rejecting shapes
// that cannot round-trip through the snapshot layout.
func FromAny(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return Int(int64(t)), nil
		}
		return Float(t), nil
	case string:
		return String(t), nil
	case []any:
		list := make([]Value, 0, len(t))
		for _, item := range t {
			val, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			list = append(list, val)
		}
		return Value{Kind: KindList, List: list}, nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for key, item := range t {
			val, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			m[key] = val
		}
		return MapValue(m), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

// ToAny converts a Value back into the plain form used by snapshots.
func (v Value) ToAny() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	case KindList:
		list := make([]any, 0, len(v.List))
		for _, item := range v.List {
			list = append(list, item.ToAny())
		}
		return list
	case KindMap:
		m := make(map[string]any, len(v.Map))
		for key, item := range v.Map {
			m[key] = item.ToAny()
		}
		return m
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	val, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}
