package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/interfaces"
	"github.com/ternarybob/autopilot/internal/models"
)

func TestPublishSync_DeliversToAllSubscribers(t *testing.T) {
	s := NewService(arbor.NewLogger())

	var calls atomic.Int32
	handler := func(ctx context.Context, e interfaces.Event) error {
		calls.Add(1)
		return nil
	}
	require.NoError(t, s.Subscribe(interfaces.EventSessionStarted, handler))
	require.NoError(t, s.Subscribe(interfaces.EventSessionStarted, handler))
	require.NoError(t, s.Subscribe(interfaces.EventSessionFinished, handler))

	require.NoError(t, s.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventSessionStarted}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestPublishSync_CollectsErrorsAndPanics(t *testing.T) {
	s := NewService(arbor.NewLogger())
	require.NoError(t, s.Subscribe(interfaces.EventSessionFinished, func(ctx context.Context, e interfaces.Event) error {
		return errors.New("sink down")
	}))
	require.NoError(t, s.Subscribe(interfaces.EventSessionFinished, func(ctx context.Context, e interfaces.Event) error {
		panic("bad handler")
	}))

	err := s.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventSessionFinished})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink down")
	assert.Contains(t, err.Error(), "bad handler")
}

func TestPublish_IsAsynchronous(t *testing.T) {
	s := NewService(arbor.NewLogger())
	done := make(chan interfaces.Event, 1)
	require.NoError(t, s.Subscribe(interfaces.EventSessionProgress, func(ctx context.Context, e interfaces.Event) error {
		done <- e
		return nil
	}))

	require.NoError(t, s.Publish(context.Background(), interfaces.Event{
		Type:    interfaces.EventSessionProgress,
		Payload: interfaces.SessionEvent{SessionID: "ses_1", Behavior: models.BehaviorLikeContent, Achieved: 1, Target: 3},
	}))

	select {
	case e := <-done:
		assert.Equal(t, "ses_1", e.Payload.(interfaces.SessionEvent).SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}
}

func TestSubscribe_Validation(t *testing.T) {
	s := NewService(arbor.NewLogger())
	assert.Error(t, s.Subscribe(interfaces.EventSessionStarted, nil))

	require.NoError(t, s.Close())
	assert.Error(t, s.Subscribe(interfaces.EventSessionStarted, func(context.Context, interfaces.Event) error { return nil }))
	assert.NoError(t, s.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventSessionStarted}))
}

func TestLoggerSubscriber(t *testing.T) {
	s := NewService(arbor.NewLogger())
	require.NoError(t, SubscribeLoggerToAllEvents(s, arbor.NewLogger()))

	ctx := context.Background()
	for _, eventType := range interfaces.AllSessionEvents {
		err := s.PublishSync(ctx, interfaces.Event{
			Type: eventType,
			Payload: interfaces.SessionEvent{
				SessionID: "ses_1",
				State:     models.SessionStateError,
				Error:     models.NewErrorRecord(models.ErrorTypeProfile, "acquire_handle", "profile busy"),
			},
		})
		assert.NoError(t, err)
	}

	assert.NoError(t, NewLoggerSubscriber(arbor.NewLogger())(ctx, interfaces.Event{Type: "other", Payload: "x"}))
}
