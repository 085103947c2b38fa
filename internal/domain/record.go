package domain

import (
	"fmt"
	"time"
)

// Value is a scalar field value: nil, float64, string or bool.
type Value = any

// Field is one named value inside a Record.
type Field struct {
	Name  string
	Value Value
}

// Record is the canonical unit of telemetry in Tether. Fields keep the order in
// which they were decoded or set; names are unique.
type Record struct {
	Fields     []Field
	Epoch      uint64
	Seq        uint64
	CapturedAt time.Time
}

// NewRecord builds a record from name/value pairs. It fails on duplicate names
// or non-scalar values.
func NewRecord(fields ...Field) (*Record, error) {
	r := &Record{Fields: make([]Field, 0, len(fields))}
	for _, f := range fields {
		if r.Has(f.Name) {
			return nil, fmt.Errorf("duplicate field %q", f.Name)
		}
		if err := r.Set(f.Name, f.Value); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NormalizeValue converts Go scalars into the record value space. Integers
// become float64; anything that is not a scalar reports false.
func NormalizeValue(v any) (Value, bool) {
	switch val := v.(type) {
	case nil:
		return nil, true
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		return val, true
	case bool:
		return val, true
	default:
		return nil, false
	}
}

func (r *Record) index(name string) int {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			return i
		}
	}
	return -1
}

// Len returns the number of fields.
func (r *Record) Len() int { return len(r.Fields) }

// Has reports whether the record carries the named field.
func (r *Record) Has(name string) bool { return r.index(name) >= 0 }

// Get returns the value of the named field.
func (r *Record) Get(name string) (Value, bool) {
	i := r.index(name)
	if i < 0 {
		return nil, false
	}
	return r.Fields[i].Value, true
}

// Float returns the named field if it holds a number.
func (r *Record) Float(name string) (float64, bool) {
	v, ok := r.Get(name)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// String returns the named field if it holds a string.
func (r *Record) String(name string) (string, bool) {
	v, ok := r.Get(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set replaces the value of an existing field in place or appends a new one.
func (r *Record) Set(name string, v any) error {
	if name == "" {
		return fmt.Errorf("empty field name")
	}
	val, ok := NormalizeValue(v)
	if !ok {
		return fmt.Errorf("field %q: unsupported value type %T", name, v)
	}
	if i := r.index(name); i >= 0 {
		r.Fields[i].Value = val
		return nil
	}
	r.Fields = append(r.Fields, Field{Name: name, Value: val})
	return nil
}

// Delete removes the named field and reports whether it existed.
func (r *Record) Delete(name string) bool {
	i := r.index(name)
	if i < 0 {
		return false
	}
	r.Fields = append(r.Fields[:i], r.Fields[i+1:]...)
	return true
}

// Rename changes a field name while keeping its position.
func (r *Record) Rename(from, to string) error {
	if from == to {
		return nil
	}
	i := r.index(from)
	if i < 0 {
		return fmt.Errorf("field %q not found", from)
	}
	if to == "" {
		return fmt.Errorf("empty field name")
	}
	if r.Has(to) {
		return fmt.Errorf("field %q already exists", to)
	}
	r.Fields[i].Name = to
	return nil
}

// Names returns the field names in order.
func (r *Record) Names() []string {
	out := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		out[i] = f.Name
	}
	return out
}

// Clone returns a deep copy. Values are scalars so a field copy is enough.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Fields = make([]Field, len(r.Fields))
	copy(out.Fields, r.Fields)
	return &out
}

// SameFields reports whether both records carry the same fields in the same
// order. Epoch, sequence and capture time are ignored.
func (r *Record) SameFields(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	if len(r.Fields) != len(other.Fields) {
		return false
	}
	for i := range r.Fields {
		if r.Fields[i] != other.Fields[i] {
			return false
		}
	}
	return true
}

// Key identifies the record inside a run as "<epoch>/<seq>".
func (r *Record) Key() string {
	return fmt.Sprintf("%d/%d", r.Epoch, r.Seq)
}
