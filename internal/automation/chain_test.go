package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/autopilot/internal/interfaces"
)

// findHandle answers FindAll from a map keyed by CSS
type findHandle struct {
	interfaces.AutomationHandle
	found map[string][]interfaces.Element
	fail  map[string]error
	calls []string
}

func (h *findHandle) FindAll(ctx context.Context, sel interfaces.Selector) ([]interfaces.Element, error) {
	h.calls = append(h.calls, sel.CSS)
	if err := h.fail[sel.CSS]; err != nil {
		return nil, err
	}
	return h.found[sel.CSS], nil
}

func TestSelectorChain_FirstNonEmptyWins(t *testing.T) {
	h := &findHandle{found: map[string][]interfaces.Element{
		"b": {{Ref: "b1"}},
		"c": {{Ref: "c1"}, {Ref: "c2"}},
	}}

	out := SelectorChain([]interfaces.Selector{
		{Name: "first", CSS: "a"},
		{Name: "second", CSS: "b"},
		{Name: "third", CSS: "c"},
	}).Walk(context.Background(), h)

	require.True(t, out.Matched)
	assert.Equal(t, "second", out.Strategy)
	assert.Len(t, out.Value, 1)
	assert.Equal(t, []string{"a", "b"}, h.calls, "strategies after a match must not run")
	assert.NoError(t, out.Err())
}

func TestSelectorChain_ErrorsAreRecordedAndSkipped(t *testing.T) {
	h := &findHandle{
		found: map[string][]interfaces.Element{"b": {{Ref: "b1"}}},
		fail:  map[string]error{"a": errors.New("detached node")},
	}

	out := SelectorChain([]interfaces.Selector{{CSS: "a"}, {CSS: "b"}}).Walk(context.Background(), h)

	require.True(t, out.Matched)
	assert.Equal(t, "b", out.Strategy, "name falls back to the css")
	require.Len(t, out.Failures, 1)
	assert.Equal(t, "a", out.Failures[0].Strategy)
}

func TestChain_AllEmpty(t *testing.T) {
	out := SelectorChain([]interfaces.Selector{{CSS: "a"}, {CSS: "b"}}).Walk(context.Background(), &findHandle{})

	assert.False(t, out.Matched)
	assert.ErrorIs(t, out.Err(), ErrNoMatch)
	assert.Empty(t, out.Failures)
}

func TestChain_AllFailed(t *testing.T) {
	boom := errors.New("boom")
	chain := Chain[bool]{
		StrategyFunc[bool]{Label: "x", Fn: func(context.Context, interfaces.AutomationHandle) (bool, bool, error) {
			return false, false, boom
		}},
	}

	out := chain.Walk(context.Background(), nil)
	err := out.Err()
	assert.ErrorIs(t, err, ErrNoMatch)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "x: boom")
}

func TestChain_StopsOnDoneContext(t *testing.T) {
	ran := false
	chain := Chain[bool]{
		StrategyFunc[bool]{Label: "x", Fn: func(context.Context, interfaces.AutomationHandle) (bool, bool, error) {
			ran = true
			return true, true, nil
		}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	out := chain.Walk(ctx, nil)
	assert.False(t, ran)
	assert.False(t, out.Matched)
	assert.ErrorIs(t, out.Err(), context.DeadlineExceeded)
}

func TestEmptyChain(t *testing.T) {
	out := Chain[int]{}.Walk(context.Background(), nil)
	assert.False(t, out.Matched)
	assert.ErrorIs(t, out.Err(), ErrNoMatch)
}
