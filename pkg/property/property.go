// Package property implements the RuneDB property value model.
//
// A Value is a tagged sum over the types a vertex or edge property can
// hold: Null, Bool, Int, Float, String, List and Map. Values are immutable
// once constructed and safe to share between goroutines.
//
// The package also defines the total ordering used by the label-property
// index. The ordering groups Int and Float into a single numeric class so
// that Int(1) and Float(1.0) compare equal, which is what a range scan over
// a mixed-type property column expects.
//
// Example:
//
//	v := property.Int(42)
//	w := property.Float(42.0)
//	property.Equal(v, w) // true
//	property.Less(property.String("a"), property.String("b")) // true
package property

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Type tags a Value with its runtime type.
type Type uint8

const (
	TypeNull Type = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeList
	TypeMap
)

// String returns the lowercase type name.
func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeList:
		return "list"
	case TypeMap:
		return "map"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Common property errors.
var (
	ErrTypeMismatch    = errors.New("property: type mismatch")
	ErrUnsupportedType = errors.New("property: unsupported Go type")
)

// Value is an immutable tagged property value.
//
// The zero Value is Null. Construct non-null values with Bool, Int, Float,
// String, List and Map. Accessors return ErrTypeMismatch when the stored
// type does not match.
type Value struct {
	t Type

	boolV   bool
	intV    int64
	floatV  float64
	stringV string
	listV   []Value
	mapV    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a bool.
func Bool(b bool) Value { return Value{t: TypeBool, boolV: b} }

// Int wraps an int64.
func Int(i int64) Value { return Value{t: TypeInt, intV: i} }

// Float wraps a float64.
func Float(f float64) Value { return Value{t: TypeFloat, floatV: f} }

// String wraps a string.
func String(s string) Value { return Value{t: TypeString, stringV: s} }

// List wraps a slice of values. The slice is copied.
func List(vs []Value) Value {
	cp := make([]Value, len(vs))
	copy(cp, vs)
	return Value{t: TypeList, listV: cp}
}

// Map wraps a string-keyed map of values. The map is copied.
func Map(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{t: TypeMap, mapV: cp}
}

// FromAny converts a Go value into a Value. Supported inputs are nil, bool,
// int, int32, int64, float32/64, string, []any and map[string]any; other
// integer types (int8, int16 and the unsigned types) are not supported.
func FromAny(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case float32:
		return Float(float64(x)), nil
	case float64:
		return Float(x), nil
	case string:
		return String(x), nil
	case []any:
		list := make([]Value, 0, len(x))
		for _, e := range x {
			ev, err := FromAny(e)
			if err != nil {
				return Null(), err
			}
			list = append(list, ev)
		}
		return Value{t: TypeList, listV: list}, nil
	case map[string]any:
		m := make(map[string]Value, len(x))
		for k, e := range x {
			ev, err := FromAny(e)
			if err != nil {
				return Null(), err
			}
			m[k] = ev
		}
		return Value{t: TypeMap, mapV: m}, nil
	default:
		return Null(), fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

// Type returns the value's type tag.
func (v Value) Type() Type { return v.t }

// IsNull reports whether the value is Null.
func (v Value) IsNull() bool { return v.t == TypeNull }

// Bool returns the bool payload.
func (v Value) Bool() (bool, error) {
	if v.t != TypeBool {
		return false, fmt.Errorf("%w: want bool, have %s", ErrTypeMismatch, v.t)
	}
	return v.boolV, nil
}

// Int returns the int payload.
func (v Value) Int() (int64, error) {
	if v.t != TypeInt {
		return 0, fmt.Errorf("%w: want int, have %s", ErrTypeMismatch, v.t)
	}
	return v.intV, nil
}

// Float returns the float payload.
func (v Value) Float() (float64, error) {
	if v.t != TypeFloat {
		return 0, fmt.Errorf("%w: want float, have %s", ErrTypeMismatch, v.t)
	}
	return v.floatV, nil
}

// String returns a human-readable rendering of the value. It never fails;
// use Str for the checked string accessor.
func (v Value) String() string {
	switch v.t {
	case TypeNull:
		return "null"
	case TypeBool:
		return strconv.FormatBool(v.boolV)
	case TypeInt:
		return strconv.FormatInt(v.intV, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.floatV, 'g', -1, 64)
	case TypeString:
		return strconv.Quote(v.stringV)
	case TypeList:
		parts := make([]string, len(v.listV))
		for i, e := range v.listV {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case TypeMap:
		keys := v.sortedMapKeys()
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+v.mapV[k].String())
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return "?"
	}
}

// Str returns the string payload.
func (v Value) Str() (string, error) {
	if v.t != TypeString {
		return "", fmt.Errorf("%w: want string, have %s", ErrTypeMismatch, v.t)
	}
	return v.stringV, nil
}

// List returns the list payload. The returned slice must not be mutated.
func (v Value) List() ([]Value, error) {
	if v.t != TypeList {
		return nil, fmt.Errorf("%w: want list, have %s", ErrTypeMismatch, v.t)
	}
	return v.listV, nil
}

// Map returns the map payload. The returned map must not be mutated.
func (v Value) Map() (map[string]Value, error) {
	if v.t != TypeMap {
		return nil, fmt.Errorf("%w: want map, have %s", ErrTypeMismatch, v.t)
	}
	return v.mapV, nil
}

// ToAny converts the value back into plain Go types, the inverse of FromAny.
func (v Value) ToAny() any {
	switch v.t {
	case TypeNull:
		return nil
	case TypeBool:
		return v.boolV
	case TypeInt:
		return v.intV
	case TypeFloat:
		return v.floatV
	case TypeString:
		return v.stringV
	case TypeList:
		out := make([]any, len(v.listV))
		for i, e := range v.listV {
			out[i] = e.ToAny()
		}
		return out
	case TypeMap:
		out := make(map[string]any, len(v.mapV))
		for k, e := range v.mapV {
			out[k] = e.ToAny()
		}
		return out
	default:
		return nil
	}
}

func (v Value) sortedMapKeys() []string {
	keys := make([]string, 0, len(v.mapV))
	for k := range v.mapV {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// typeClass collapses Int and Float into one numeric class so the total
// ordering treats them as a single column type.
func typeClass(t Type) int {
	switch t {
	case TypeNull:
		return 0
	case TypeBool:
		return 1
	case TypeInt, TypeFloat:
		return 2
	case TypeString:
		return 3
	case TypeList:
		return 4
	case TypeMap:
		return 5
	default:
		return 6
	}
}

func (v Value) asFloat() float64 {
	if v.t == TypeInt {
		return float64(v.intV)
	}
	return v.floatV
}

// Compare totally orders two values: -1, 0 or +1.
//
// Values of different type classes order by class rank (Null < Bool <
// numeric < String < List < Map). Within the numeric class Int and Float
// compare by numeric value, with the Int/Int case kept exact. Lists compare
// lexicographically; maps compare by sorted key-value pairs.
func Compare(a, b Value) int {
	ca, cb := typeClass(a.t), typeClass(b.t)
	if ca != cb {
		if ca < cb {
			return -1
		}
		return 1
	}

	switch ca {
	case 0: // null
		return 0
	case 1: // bool
		switch {
		case a.boolV == b.boolV:
			return 0
		case !a.boolV:
			return -1
		default:
			return 1
		}
	case 2: // numeric
		if a.t == TypeInt && b.t == TypeInt {
			switch {
			case a.intV < b.intV:
				return -1
			case a.intV > b.intV:
				return 1
			default:
				return 0
			}
		}
		fa, fb := a.asFloat(), b.asFloat()
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case 3: // string
		return strings.Compare(a.stringV, b.stringV)
	case 4: // list
		n := min(len(a.listV), len(b.listV))
		for i := 0; i < n; i++ {
			if c := Compare(a.listV[i], b.listV[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(a.listV) < len(b.listV):
			return -1
		case len(a.listV) > len(b.listV):
			return 1
		default:
			return 0
		}
	default: // map
		ka, kb := a.sortedMapKeys(), b.sortedMapKeys()
		n := min(len(ka), len(kb))
		for i := 0; i < n; i++ {
			if c := strings.Compare(ka[i], kb[i]); c != 0 {
				return c
			}
			if c := Compare(a.mapV[ka[i]], b.mapV[kb[i]]); c != 0 {
				return c
			}
		}
		switch {
		case len(ka) < len(kb):
			return -1
		case len(ka) > len(kb):
			return 1
		default:
			return 0
		}
	}
}

// Less reports whether a orders strictly before b.
func Less(a, b Value) bool { return Compare(a, b) < 0 }

// Equal reports whether a and b are equal under the index ordering.
// Int(1) equals Float(1.0).
func Equal(a, b Value) bool { return Compare(a, b) == 0 }
