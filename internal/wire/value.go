package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// ValueType tags a portable interpreter value.
type ValueType string

const (
	TypeNone  ValueType = "none"
	TypeBool  ValueType = "bool"
	TypeInt   ValueType = "int"
	TypeFloat ValueType = "float"
	TypeStr   ValueType = "str"
	TypeBytes ValueType = "bytes"
	TypeList  ValueType = "list"
	TypeTuple ValueType = "tuple"
	TypeDict  ValueType = "dict"
	// TypeRepr is the printable form of a value that has no portable
	// encoding. It can be read but never sent back to an interpreter.
	TypeRepr ValueType = "repr"
)

// ErrNotPortable is returned when a Go value or a repr value has no
// portable encoding in the requested direction.
var ErrNotPortable = errors.New("value is not portable")

// Value is a self-describing interpreter value. On the wire it is
// {"type": <tag>, "value": <payload>}. Integers and floats travel as
// decimal text so that arbitrary precision ints, inf and nan survive.
type Value struct {
	Type  ValueType
	Bool  bool
	Text  string // str, repr, and the decimal form of int and float
	Bytes []byte
	Items []Value // list and tuple
	Pairs []Pair  // dict, in insertion order
}

// Pair is one dict entry.
type Pair struct {
	Key   Value
	Value Value
}

// Repr is what ToGo returns for repr values.
type Repr string

func None() Value { return Value{Type: TypeNone} }
func Bool(b bool) Value { return Value{Type: TypeBool, Bool: b} }
func Int(i int64) Value { return Value{Type: TypeInt, Text: strconv.FormatInt(i, 10)} }
func BigInt(i *big.Int) Value { return Value{Type: TypeInt, Text: i.String()} }
func Str(s string) Value { return Value{Type: TypeStr, Text: s} }
func Bytes(b []byte) Value { return Value{Type: TypeBytes, Bytes: append([]byte(nil), b...)} }
func List(items ...Value) Value { return Value{Type: TypeList, Items: items} }
func Tuple(items ...Value) Value { return Value{Type: TypeTuple, Items: items} }
func Dict(pairs ...Pair) Value { return Value{Type: TypeDict, Pairs: pairs} }

func Float(f float64) Value {
	return Value{Type: TypeFloat, Text: formatFloat(f)}
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

type valueJSON struct {
	Type  ValueType       `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	out := valueJSON{Type: v.Type}
	var (
		payload any
		err     error
	)
	switch v.Type {
	case TypeNone:
	case TypeBool:
		payload = v.Bool
	case TypeInt, TypeFloat, TypeStr, TypeRepr:
		payload = v.Text
	case TypeBytes:
		payload = base64.StdEncoding.EncodeToString(v.Bytes)
	case TypeList, TypeTuple:
		items := v.Items
		if items == nil {
			items = []Value{}
		}
		payload = items
	case TypeDict:
		pairs := make([][2]Value, 0, len(v.Pairs))
		for _, p := range v.Pairs {
			pairs = append(pairs, [2]Value{p.Key, p.Value})
		}
		payload = pairs
	default:
		return nil, fmt.Errorf("unknown value type %q", v.Type)
	}
	if payload != nil {
		out.Value, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	decoded := Value{Type: in.Type}
	switch in.Type {
	case TypeNone:
	case TypeBool:
		if err := json.Unmarshal(in.Value, &decoded.Bool); err != nil {
			return fmt.Errorf("decode bool value: %w", err)
		}
	case TypeInt:
		if err := json.Unmarshal(in.Value, &decoded.Text); err != nil {
			return fmt.Errorf("decode int value: %w", err)
		}
		if _, ok := new(big.Int).SetString(decoded.Text, 10); !ok {
			return fmt.Errorf("invalid int value %q", decoded.Text)
		}
	case TypeFloat:
		if err := json.Unmarshal(in.Value, &decoded.Text); err != nil {
			return fmt.Errorf("decode float value: %w", err)
		}
		if _, err := strconv.ParseFloat(decoded.Text, 64); err != nil {
			return fmt.Errorf("invalid float value %q", decoded.Text)
		}
	case TypeStr, TypeRepr:
		if err := json.Unmarshal(in.Value, &decoded.Text); err != nil {
			return fmt.Errorf("decode %s value: %w", in.Type, err)
		}
	case TypeBytes:
		var encoded string
		if err := json.Unmarshal(in.Value, &encoded); err != nil {
			return fmt.Errorf("decode bytes value: %w", err)
		}
		b, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("decode bytes value: %w", err)
		}
		decoded.Bytes = b
	case TypeList, TypeTuple:
		if err := json.Unmarshal(in.Value, &decoded.Items); err != nil {
			return fmt.Errorf("decode %s value: %w", in.Type, err)
		}
	case TypeDict:
		var pairs [][2]Value
		if err := json.Unmarshal(in.Value, &pairs); err != nil {
			return fmt.Errorf("decode dict value: %w", err)
		}
		for _, p := range pairs {
			decoded.Pairs = append(decoded.Pairs, Pair{Key: p[0], Value: p[1]})
		}
	default:
		return fmt.Errorf("unknown value type %q", in.Type)
	}
	*v = decoded
	return nil
}

// Portable reports whether v, and everything nested in it, can be sent to
// an interpreter.
func (v Value) Portable() bool {
	switch v.Type {
	case TypeRepr:
		return false
	case TypeList, TypeTuple:
		for _, item := range v.Items {
			if !item.Portable() {
				return false
			}
		}
	case TypeDict:
		for _, p := range v.Pairs {
			if !p.Key.Portable() || !p.Value.Portable() {
				return false
			}
		}
	}
	return true
}

// FromGo converts a plain Go value. Supported inputs are nil, bool, the
// integer and float kinds, string, []byte, *big.Int, Value, slices and
// maps with string keys. Map keys are sorted for stable output.
func FromGo(in any) (Value, error) {
	switch x := in.(type) {
	case nil:
		return None(), nil
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case string:
		return Str(x), nil
	case []byte:
		return Bytes(x), nil
	case *big.Int:
		return BigInt(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("convert number %q: %w", x, err)
		}
		return Float(f), nil
	}

	rv := reflect.ValueOf(in)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return BigInt(new(big.Int).SetUint64(rv.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float()), nil
	case reflect.Slice, reflect.Array:
		items := make([]Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item, err := FromGo(rv.Index(i).Interface())
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return List(items...), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, fmt.Errorf("%w: map key type %s", ErrNotPortable, rv.Type().Key())
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		pairs := make([]Pair, 0, len(keys))
		for _, k := range keys {
			val, err := FromGo(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface())
			if err != nil {
				return Value{}, err
			}
			pairs = append(pairs, Pair{Key: Str(k), Value: val})
		}
		return Dict(pairs...), nil
	}
	return Value{}, fmt.Errorf("%w: %T", ErrNotPortable, in)
}

// ToGo converts v into plain Go values: nil, bool, int64 (or *big.Int when
// it does not fit), float64, string, []byte, []any, map[string]any and
// Repr. Dicts with non-string keys have no map form and return an error.
func (v Value) ToGo() (any, error) {
	switch v.Type {
	case TypeNone:
		return nil, nil
	case TypeBool:
		return v.Bool, nil
	case TypeInt:
		if i, err := strconv.ParseInt(v.Text, 10, 64); err == nil {
			return i, nil
		}
		i, ok := new(big.Int).SetString(v.Text, 10)
		if !ok {
			return nil, fmt.Errorf("invalid int value %q", v.Text)
		}
		return i, nil
	case TypeFloat:
		return strconv.ParseFloat(v.Text, 64)
	case TypeStr:
		return v.Text, nil
	case TypeRepr:
		return Repr(v.Text), nil
	case TypeBytes:
		return append([]byte(nil), v.Bytes...), nil
	case TypeList, TypeTuple:
		out := make([]any, 0, len(v.Items))
		for _, item := range v.Items {
			x, err := item.ToGo()
			if err != nil {
				return nil, err
			}
			out = append(out, x)
		}
		return out, nil
	case TypeDict:
		out := make(map[string]any, len(v.Pairs))
		for _, p := range v.Pairs {
			if p.Key.Type != TypeStr {
				return nil, fmt.Errorf("%w: dict key of type %s", ErrNotPortable, p.Key.Type)
			}
			x, err := p.Value.ToGo()
			if err != nil {
				return nil, err
			}
			out[p.Key.Text] = x
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown value type %q", v.Type)
}

// String renders v the way the interpreter would print it.
func (v Value) String() string {
	var b strings.Builder
	v.writeTo(&b)
	return b.String()
}

func (v Value) writeTo(b *strings.Builder) {
	switch v.Type {
	case TypeNone:
		b.WriteString("None")
	case TypeBool:
		if v.Bool {
			b.WriteString("True")
		} else {
			b.WriteString("False")
		}
	case TypeInt, TypeFloat, TypeRepr:
		b.WriteString(v.Text)
	case TypeStr:
		b.WriteString(quote(v.Text))
	case TypeBytes:
		b.WriteString("b")
		b.WriteString(quote(string(v.Bytes)))
	case TypeList, TypeTuple:
		open, closing := "[", "]"
		if v.Type == TypeTuple {
			open, closing = "(", ")"
		}
		b.WriteString(open)
		for i, item := range v.Items {
			if i > 0 {
				b.WriteString(", ")
			}
			item.writeTo(b)
		}
		if v.Type == TypeTuple && len(v.Items) == 1 {
			b.WriteString(",")
		}
		b.WriteString(closing)
	case TypeDict:
		b.WriteString("{")
		for i, p := range v.Pairs {
			if i > 0 {
				b.WriteString(", ")
			}
			p.Key.writeTo(b)
			b.WriteString(": ")
			p.Value.writeTo(b)
		}
		b.WriteString("}")
	default:
		b.WriteString("<" + string(v.Type) + ">")
	}
}

func quote(s string) string {
	q := strconv.Quote(s)
	if !strings.Contains(s, "'") {
		return "'" + strings.ReplaceAll(q[1:len(q)-1], `\"`, `"`) + "'"
	}
	return q
}
