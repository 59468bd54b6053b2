// Package automation holds the fallback-chain walker shared by every behavior
// and the chromedp implementation of interfaces.AutomationHandle.
package automation

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/autopilot/internal/interfaces"
)

// ErrNoMatch is returned by Outcome.Err when every strategy came back empty
var ErrNoMatch = errors.New("no strategy matched")

// Strategy is one alternative of a fallback chain. Attempt reports matched=false
// with a nil error for a clean miss; a non-nil error is recorded and the chain
// moves on to the next strategy either way.
type Strategy[T any] interface {
	Name() string
	Attempt(ctx context.Context, h interfaces.AutomationHandle) (value T, matched bool, err error)
}

// StrategyFunc adapts a function to Strategy
type StrategyFunc[T any] struct {
	Label string
	Fn    func(ctx context.Context, h interfaces.AutomationHandle) (T, bool, error)
}

func (s StrategyFunc[T]) Name() string { return s.Label }

func (s StrategyFunc[T]) Attempt(ctx context.Context, h interfaces.AutomationHandle) (T, bool, error) {
	return s.Fn(ctx, h)
}

// Failure is a strategy that errored while the chain was walked
type Failure struct {
	Strategy string
	Err      error
}

// Outcome is the result of walking a chain
type Outcome[T any] struct {
	Value    T
	Strategy string // Name of the strategy that matched
	Matched  bool
	Failures []Failure
}

// Err summarises why nothing matched; nil when a strategy matched
func (o Outcome[T]) Err() error {
	if o.Matched {
		return nil
	}
	if len(o.Failures) == 0 {
		return ErrNoMatch
	}
	errs := make([]error, 0, len(o.Failures))
	for _, f := range o.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Strategy, f.Err))
	}
	return fmt.Errorf("%w: %w", ErrNoMatch, errors.Join(errs...))
}

// Chain is an ordered list of strategies
type Chain[T any] []Strategy[T]

// Walk tries each strategy in order and stops at the first match
func (c Chain[T]) Walk(ctx context.Context, h interfaces.AutomationHandle) Outcome[T] {
	var out Outcome[T]
	for _, s := range c {
		if err := ctx.Err(); err != nil {
			out.Failures = append(out.Failures, Failure{Strategy: s.Name(), Err: err})
			break
		}

		value, matched, err := s.Attempt(ctx, h)
		if err != nil {
			out.Failures = append(out.Failures, Failure{Strategy: s.Name(), Err: err})
			continue
		}
		if matched {
			out.Value = value
			out.Strategy = s.Name()
			out.Matched = true
			return out
		}
	}
	return out
}

// SelectorStrategy matches when sel finds at least one visible element
func SelectorStrategy(sel interfaces.Selector) Strategy[[]interfaces.Element] {
	name := sel.Name
	if name == "" {
		name = sel.CSS
	}
	return StrategyFunc[[]interfaces.Element]{
		Label: name,
		Fn: func(ctx context.Context, h interfaces.AutomationHandle) ([]interfaces.Element, bool, error) {
			elements, err := h.FindAll(ctx, sel)
			if err != nil {
				return nil, false, err
			}
			return elements, len(elements) > 0, nil
		},
	}
}

// SelectorChain builds a selector-fallback chain from configuration
func SelectorChain(selectors []interfaces.Selector) Chain[[]interfaces.Element] {
	chain := make(Chain[[]interfaces.Element], 0, len(selectors))
	for _, sel := range selectors {
		chain = append(chain, SelectorStrategy(sel))
	}
	return chain
}
