package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/interfaces"
)

// NewLoggerSubscriber creates an event handler that writes an audit line per
// session event, correlated by session id
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		payload, ok := event.Payload.(interfaces.SessionEvent)
		if !ok {
			logger.Debug().Str("event_type", string(event.Type)).Msg("Event published")
			return nil
		}

		log := logger.WithCorrelationId(payload.SessionID)
		switch event.Type {
		case interfaces.EventSessionProgress:
			log.Debug().
				Str("event_type", string(event.Type)).
				Str("resource_id", payload.ResourceID).
				Str("behavior", string(payload.Behavior)).
				Int("achieved", payload.Achieved).
				Int("target", payload.Target).
				Msg("Session progress")
		case interfaces.EventSessionFinished:
			entry := log.Info().
				Str("event_type", string(event.Type)).
				Str("resource_id", payload.ResourceID).
				Str("run_id", payload.RunID).
				Str("state", string(payload.State)).
				Dur("duration", payload.Duration)
			if payload.Error != nil {
				entry = entry.Str("error_type", string(payload.Error.Type))
			}
			entry.Msg("Session finished")
		default:
			log.Info().
				Str("event_type", string(event.Type)).
				Str("resource_id", payload.ResourceID).
				Str("owner_id", payload.OwnerID).
				Str("mode", string(payload.Mode)).
				Str("state", string(payload.State)).
				Msg("Session event")
		}
		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the audit logger to every session event
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	for _, eventType := range interfaces.AllSessionEvents {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Debug().
		Int("event_type_count", len(interfaces.AllSessionEvents)).
		Msg("Logger subscribed to all event types")

	return nil
}
