package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ValueKind tags the variant held by a Value
type ValueKind uint8

const (
	KindInvalid ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindMap
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// Value is a parameter value: a string, number, bool or nested map
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	m    *Params
}

// String wraps a string value
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number wraps a numeric value
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool wraps a boolean value
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Map wraps a nested parameter map
func Map(p *Params) Value {
	if p == nil {
		p = NewParams()
	}
	return Value{kind: KindMap, m: p}
}

// Kind returns the variant tag
func (v Value) Kind() ValueKind { return v.kind }

func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) AsMap() (*Params, bool) { return v.m, v.kind == KindMap }

// Interface converts the value to plain Go types (string, float64, bool,
// map[string]any).
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindMap:
		return v.m.ToMap()
	}
	return nil
}

// MarshalJSON implements json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return []byte(strconv.FormatFloat(v.num, 'g', -1, 64)), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindMap:
		return v.m.MarshalJSON()
	}
	return nil, errors.New("command: cannot marshal invalid value")
}

// UnmarshalJSON implements json.Unmarshaler
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	val, err := decodeValue(dec)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

// ValueOf converts a plain Go value into a Value. Nested maps become
// ordered maps with keys in iteration order of the source.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case uint8:
		return Number(float64(t)), nil
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Number(n), nil
	case *Params:
		return Map(t), nil
	case map[string]any:
		p := NewParams()
		for k, item := range t {
			iv, err := ValueOf(item)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			p.Set(k, iv)
		}
		return Map(p), nil
	}
	return Value{}, fmt.Errorf("command: unsupported parameter type %T", x)
}

// Params is an insertion-ordered string-keyed map of values
type Params struct {
	keys []string
	vals map[string]Value
}

// NewParams returns an empty parameter map
func NewParams() *Params {
	return &Params{vals: make(map[string]Value)}
}

// Set inserts or replaces key. Replacing keeps the original position.
func (p *Params) Set(key string, v Value) *Params {
	if _, ok := p.vals[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.vals[key] = v
	return p
}

// Get returns the value for key. Safe on a nil map.
func (p *Params) Get(key string) (Value, bool) {
	if p == nil {
		return Value{}, false
	}
	v, ok := p.vals[key]
	return v, ok
}

// Delete removes key, preserving the order of the remaining keys
func (p *Params) Delete(key string) {
	if _, ok := p.vals[key]; !ok {
		return
	}
	delete(p.vals, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order
func (p *Params) Keys() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Len returns the number of entries
func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Range calls fn for each entry in order until fn returns false
func (p *Params) Range(fn func(key string, v Value) bool) {
	if p == nil {
		return
	}
	for _, k := range p.keys {
		if !fn(k, p.vals[k]) {
			return
		}
	}
}

// Clone returns a deep copy
func (p *Params) Clone() *Params {
	if p == nil {
		return nil
	}
	out := NewParams()
	for _, k := range p.keys {
		v := p.vals[k]
		if v.kind == KindMap {
			v = Map(v.m.Clone())
		}
		out.Set(k, v)
	}
	return out
}

// ToMap converts to a plain map, losing key order
func (p *Params) ToMap() map[string]any {
	out := make(map[string]any, p.Len())
	p.Range(func(k string, v Value) bool {
		out[k] = v.Interface()
		return true
	})
	return out
}

// MarshalJSON writes the entries in insertion order
func (p *Params) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := p.vals[k].MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object, keeping key order
func (p *Params) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return err
	}
	m, ok := v.AsMap()
	if !ok {
		return fmt.Errorf("command: parameters must be an object, got %s", v.Kind())
	}
	*p = *m
	return nil
}

// ParseParams decodes a JSON object into Params
func ParseParams(data []byte) (*Params, error) {
	p := NewParams()
	if len(bytes.TrimSpace(data)) == 0 {
		return p, nil
	}
	if err := p.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case json.Delim:
		if t != '{' {
			return Value{}, fmt.Errorf("command: unsupported parameter value %q", t)
		}
		p := NewParams()
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return Value{}, err
			}
			key, ok := kt.(string)
			if !ok {
				return Value{}, fmt.Errorf("command: invalid object key %v", kt)
			}
			v, err := decodeValue(dec)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", key, err)
			}
			p.Set(key, v)
		}
		if _, err := dec.Token(); err != nil {
			return Value{}, err
		}
		return Map(p), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Number(n), nil
	case nil:
		return Value{}, errors.New("command: null parameter values are not supported")
	}
	return Value{}, fmt.Errorf("command: unsupported token %v", tok)
}
