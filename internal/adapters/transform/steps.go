package transform

import (
	"fmt"
	"math"
	"strings"

	"github.com/ghalamif/Tether/internal/domain"
)

// Rename moves a field to a new name in place. A missing field is left alone.
type Rename struct {
	From, To string
}

func (s Rename) Name() string { return "rename" }

func (s Rename) Apply(r *domain.Record) error {
	if !r.Has(s.From) {
		return nil
	}
	return r.Rename(s.From, s.To)
}

// Convert rewrites a numeric field through a unit function.
type Convert struct {
	Field string
	Unit  string
	Fn    func(float64) float64
}

func (s Convert) Name() string { return "convert:" + s.Unit }

func (s Convert) Apply(r *domain.Record) error {
	v, ok := r.Get(s.Field)
	if !ok {
		return nil
	}
	f, ok := v.(float64)
	if !ok {
		return fmt.Errorf("field %q is %T, not a number", s.Field, v)
	}
	out := s.Fn(f)
	if math.IsInf(out, 0) || math.IsNaN(out) {
		return fmt.Errorf("field %q: %v converts to %v", s.Field, f, out)
	}
	return r.Set(s.Field, out)
}

// Drop removes the named fields and every field starting with Prefix.
type Drop struct {
	Names  []string
	Prefix string
}

func (s Drop) Name() string { return "drop" }

func (s Drop) Apply(r *domain.Record) error {
	for _, n := range s.Names {
		r.Delete(n)
	}
	if s.Prefix == "" {
		return nil
	}
	for _, n := range r.Names() {
		if strings.HasPrefix(n, s.Prefix) {
			r.Delete(n)
		}
	}
	return nil
}

// Keep removes every field not listed.
type Keep struct {
	Names []string
}

func (s Keep) Name() string { return "keep" }

func (s Keep) Apply(r *domain.Record) error {
	keep := make(map[string]struct{}, len(s.Names))
	for _, n := range s.Names {
		keep[n] = struct{}{}
	}
	for _, n := range r.Names() {
		if _, ok := keep[n]; !ok {
			r.Delete(n)
		}
	}
	return nil
}

// Set assigns a constant.
type Set struct {
	Field string
	Value domain.Value
}

func (s Set) Name() string { return "set" }

func (s Set) Apply(r *domain.Record) error { return r.Set(s.Field, s.Value) }

// Filter drops records whose field does not satisfy the comparison. Records
// missing the field, or holding a non-number, are dropped too.
type Filter struct {
	Field string
	Cmp   string
	Value float64
}

func (s Filter) Name() string { return "filter" }

func (s Filter) Apply(r *domain.Record) error {
	v, ok := r.Float(s.Field)
	if !ok {
		return domain.ErrDropped
	}
	match, err := compare(v, s.Cmp, s.Value)
	if err != nil {
		return err
	}
	if !match {
		return domain.ErrDropped
	}
	return nil
}

func compare(v float64, cmp string, ref float64) (bool, error) {
	switch cmp {
	case "gt", ">":
		return v > ref, nil
	case "gte", ">=":
		return v >= ref, nil
	case "lt", "<":
		return v < ref, nil
	case "lte", "<=":
		return v <= ref, nil
	case "eq", "==":
		return v == ref, nil
	case "ne", "!=":
		return v != ref, nil
	default:
		return false, fmt.Errorf("unknown comparison %q", cmp)
	}
}
