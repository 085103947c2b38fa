package transform

import (
	"errors"
	"fmt"
)

// Rule is the configuration form of a Step.
type Rule struct {
	Op     string   `yaml:"op"`
	Field  string   `yaml:"field"`
	To     string   `yaml:"to"`
	Unit   string   `yaml:"unit"`
	Scale  *float64 `yaml:"scale"`
	Offset float64  `yaml:"offset"`
	Fields []string `yaml:"fields"`
	Prefix string   `yaml:"prefix"`
	Cmp    string   `yaml:"cmp"`
	Value  any      `yaml:"value"`
}

// Units maps unit names to conversion functions. "linear" is built from the
// rule's scale and offset instead.
var Units = map[string]func(float64) float64{
	"celsius_to_fahrenheit": func(c float64) float64 { return c*9/5 + 32 },
	"fahrenheit_to_celsius": func(f float64) float64 { return (f - 32) * 5 / 9 },
	"celsius_to_kelvin":     func(c float64) float64 { return c + 273.15 },
	"milli_to_base":         func(m float64) float64 { return m / 1000 },
}

// FromRules builds a Chain. An empty rule list yields a pass-through chain.
func FromRules(version uint16, rules []Rule) (*Chain, error) {
	steps := make([]Step, 0, len(rules))
	for i, r := range rules {
		s, err := r.step()
		if err != nil {
			return nil, fmt.Errorf("transform rule %d (%s): %w", i, r.Op, err)
		}
		steps = append(steps, s)
	}
	return NewChain(version, steps...), nil
}

// Validate checks a rule without building it.
func (r Rule) Validate() error {
	_, err := r.step()
	return err
}

func (r Rule) step() (Step, error) {
	switch r.Op {
	case "rename":
		if r.Field == "" || r.To == "" {
			return nil, errors.New("field and to are required")
		}
		return Rename{From: r.Field, To: r.To}, nil

	case "convert":
		if r.Field == "" {
			return nil, errors.New("field is required")
		}
		if r.Unit == "linear" {
			scale := 1.0
			if r.Scale != nil {
				scale = *r.Scale
			}
			offset := r.Offset
			return Convert{Field: r.Field, Unit: r.Unit, Fn: func(v float64) float64 { return v*scale + offset }}, nil
		}
		fn, ok := Units[r.Unit]
		if !ok {
			return nil, fmt.Errorf("unknown unit %q", r.Unit)
		}
		return Convert{Field: r.Field, Unit: r.Unit, Fn: fn}, nil

	case "drop":
		names := r.Fields
		if r.Field != "" {
			names = append([]string{r.Field}, names...)
		}
		if len(names) == 0 && r.Prefix == "" {
			return nil, errors.New("fields or prefix is required")
		}
		return Drop{Names: names, Prefix: r.Prefix}, nil

	case "keep":
		if len(r.Fields) == 0 {
			return nil, errors.New("fields is required")
		}
		return Keep{Names: r.Fields}, nil

	case "filter":
		if r.Field == "" {
			return nil, errors.New("field is required")
		}
		ref, ok := toFloat(r.Value)
		if !ok {
			return nil, fmt.Errorf("value must be a number, got %T", r.Value)
		}
		if _, err := compare(0, r.Cmp, 0); err != nil {
			return nil, err
		}
		return Filter{Field: r.Field, Cmp: r.Cmp, Value: ref}, nil

	case "set":
		if r.Field == "" {
			return nil, errors.New("field is required")
		}
		switch r.Value.(type) {
		case nil, string, bool, int, float64:
		default:
			return nil, fmt.Errorf("value must be a scalar, got %T", r.Value)
		}
		return Set{Field: r.Field, Value: r.Value}, nil

	default:
		return nil, fmt.Errorf("unknown op %q", r.Op)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
