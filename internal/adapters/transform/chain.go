// Package transform implements the stateless record transformation stage.
package transform

import (
	"errors"
	"fmt"

	"github.com/ghalamif/Tether/internal/domain"
	"github.com/ghalamif/Tether/internal/ports"
)

// Step is one transformation applied to a private copy of the record.
type Step interface {
	Name() string
	Apply(r *domain.Record) error
}

// Chain runs steps in order. It never mutates its input and keeps no state
// between records.
type Chain struct {
	steps   []Step
	version uint16
}

func NewChain(version uint16, steps ...Step) *Chain {
	if version == 0 {
		version = 1
	}
	return &Chain{steps: steps, version: version}
}

func (c *Chain) Version() uint16 { return c.version }

// Steps returns the names of the configured steps.
func (c *Chain) Steps() []string {
	out := make([]string, len(c.steps))
	for i, s := range c.steps {
		out[i] = s.Name()
	}
	return out
}

func (c *Chain) Transform(in *domain.Record) (*domain.Record, error) {
	if in == nil {
		return nil, &domain.TransformError{Err: errors.New("nil record")}
	}
	out := in.Clone()
	for _, s := range c.steps {
		if err := apply(s, out); err != nil {
			if errors.Is(err, domain.ErrDropped) {
				return nil, domain.ErrDropped
			}
			var te *domain.TransformError
			if errors.As(err, &te) {
				return nil, err
			}
			return nil, &domain.TransformError{Step: s.Name(), Err: err}
		}
	}
	return out, nil
}

func apply(s Step, r *domain.Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &domain.TransformError{Step: s.Name(), Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return s.Apply(r)
}

// Identity passes records through unchanged.
type Identity struct{}

func (Identity) Transform(r *domain.Record) (*domain.Record, error) { return r, nil }
func (Identity) Version() uint16                                    { return 1 }

// Func adapts a function to a Step.
func Func(name string, fn func(*domain.Record) error) Step {
	return funcStep{name: name, fn: fn}
}

type funcStep struct {
	name string
	fn   func(*domain.Record) error
}

func (f funcStep) Name() string                 { return f.name }
func (f funcStep) Apply(r *domain.Record) error { return f.fn(r) }

var (
	_ ports.Transformer = (*Chain)(nil)
	_ ports.Transformer = Identity{}
)
