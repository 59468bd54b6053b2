package pacing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/autopilot/internal/common"
)

func newDefaultScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := NewSchedulerFromConfig(common.NewDefaultConfig().Pacing, WithSeed(42))
	require.NoError(t, err)
	return s
}

func TestDelayBetweenItems_StaysInBounds(t *testing.T) {
	s := newDefaultScheduler(t)

	for i := 0; i < 5000; i++ {
		d := s.DelayBetweenItems()
		assert.GreaterOrEqual(t, d, 1500*time.Millisecond)
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}

func TestDelayBetweenBehaviors_StaysInBounds(t *testing.T) {
	s := newDefaultScheduler(t)

	for i := 0; i < 5000; i++ {
		d := s.DelayBetweenBehaviors()
		assert.GreaterOrEqual(t, d, 30*time.Second)
		assert.LessOrEqual(t, d, 60*time.Second)
	}
}

func TestDelays_AreNotFixedCadence(t *testing.T) {
	s := newDefaultScheduler(t)

	seen := make(map[time.Duration]struct{})
	var minSeen, maxSeen time.Duration
	for i := 0; i < 1000; i++ {
		d := s.DelayBetweenItems()
		seen[d] = struct{}{}
		if i == 0 || d < minSeen {
			minSeen = d
		}
		if d > maxSeen {
			maxSeen = d
		}
	}

	// A uniform draw over 2.5s must spread across most of the window
	assert.Greater(t, len(seen), 900)
	assert.Less(t, minSeen, 1750*time.Millisecond)
	assert.Greater(t, maxSeen, 3750*time.Millisecond)
}

func TestBehaviorJitterIsWiderThanItemJitter(t *testing.T) {
	s := newDefaultScheduler(t)
	assert.Greater(t, s.BehaviorRange().Width(), s.ItemRange().Width())
	assert.Greater(t, s.BehaviorRange().Min, s.ItemRange().Max)
}

func TestZeroWidthRangeReturnsMin(t *testing.T) {
	s, err := NewScheduler(Range{Min: time.Second, Max: time.Second}, Range{}, Range{})
	require.NoError(t, err)
	assert.Equal(t, time.Second, s.DelayBetweenItems())
	assert.Equal(t, time.Duration(0), s.DelayBetweenBehaviors())
}

func TestNewScheduler_RejectsInvertedRange(t *testing.T) {
	_, err := NewScheduler(Range{Min: 2 * time.Second, Max: time.Second}, Range{}, Range{})
	assert.Error(t, err)

	_, err = NewScheduler(Range{}, Range{Min: -time.Second}, Range{})
	assert.Error(t, err)
}

func TestSeededSchedulersAreDeterministic(t *testing.T) {
	a := newDefaultScheduler(t)
	b := newDefaultScheduler(t)
	for i := 0; i < 20; i++ {
		assert.Equal(t, a.DelayBetweenItems(), b.DelayBetweenItems())
	}
}

func TestSleep_ReturnsEarlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleep_WaitsForDuration(t *testing.T) {
	start := time.Now()
	require.NoError(t, Sleep(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
