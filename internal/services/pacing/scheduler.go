// Package pacing draws the randomized delays that keep automation from
// running at a fixed, fingerprintable cadence.
package pacing

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ternarybob/autopilot/internal/common"
)

// Range is an inclusive [Min, Max] bound for a uniform draw
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Validate checks the bounds
func (r Range) Validate() error {
	if r.Min < 0 {
		return fmt.Errorf("min delay %s must not be negative", r.Min)
	}
	if r.Max < r.Min {
		return fmt.Errorf("max delay %s is below min delay %s", r.Max, r.Min)
	}
	return nil
}

// Width returns Max - Min
func (r Range) Width() time.Duration {
	return r.Max - r.Min
}

// Scheduler draws item, behavior and dwell delays. It is safe for concurrent
// use; sessions share one scheduler.
type Scheduler struct {
	item     Range
	behavior Range
	dwell    Range

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithSeed makes draws deterministic (tests)
func WithSeed(seed uint64) Option {
	return func(s *Scheduler) {
		s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// NewScheduler creates a scheduler from explicit bounds
func NewScheduler(item, behavior, dwell Range, opts ...Option) (*Scheduler, error) {
	for name, r := range map[string]Range{"item": item, "behavior": behavior, "dwell": dwell} {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s range: %w", name, err)
		}
	}

	s := &Scheduler{
		item:     item,
		behavior: behavior,
		dwell:    dwell,
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewSchedulerFromConfig builds a scheduler from the [pacing] section
func NewSchedulerFromConfig(config common.PacingConfig, opts ...Option) (*Scheduler, error) {
	itemMin, itemMax, err := config.ItemRange()
	if err != nil {
		return nil, fmt.Errorf("item delay: %w", err)
	}
	behaviorMin, behaviorMax, err := config.BehaviorRange()
	if err != nil {
		return nil, fmt.Errorf("behavior delay: %w", err)
	}
	dwellMin, dwellMax, err := config.DwellRange()
	if err != nil {
		return nil, fmt.Errorf("view dwell: %w", err)
	}

	return NewScheduler(
		Range{Min: itemMin, Max: itemMax},
		Range{Min: behaviorMin, Max: behaviorMax},
		Range{Min: dwellMin, Max: dwellMax},
		opts...,
	)
}

// DelayBetweenItems returns the pause after one successful sub-action
func (s *Scheduler) DelayBetweenItems() time.Duration {
	return s.draw(s.item)
}

// DelayBetweenBehaviors returns the pause between behaviors, and between
// groups inside create_groups
func (s *Scheduler) DelayBetweenBehaviors() time.Duration {
	return s.draw(s.behavior)
}

// ViewDwell returns how long view_content stays on one item
func (s *Scheduler) ViewDwell() time.Duration {
	return s.draw(s.dwell)
}

// ItemRange returns the configured item bounds
func (s *Scheduler) ItemRange() Range {
	return s.item
}

// BehaviorRange returns the configured behavior bounds
func (s *Scheduler) BehaviorRange() Range {
	return s.behavior
}

func (s *Scheduler) draw(r Range) time.Duration {
	width := r.Width()
	if width <= 0 {
		return r.Min
	}

	s.mu.Lock()
	offset := s.rng.Int64N(int64(width) + 1)
	s.mu.Unlock()

	return r.Min + time.Duration(offset)
}

// Sleep waits for d. It returns ctx.Err() early when ctx is done, so a stop
// request does not have to sit out a full behavior delay.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
