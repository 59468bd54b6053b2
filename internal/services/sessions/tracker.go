package sessions

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/interfaces"
	"github.com/ternarybob/autopilot/internal/models"
)

// SessionTracker applies a run's updates to the registry, publishes the
// matching events and, when persist is set, mirrors them to the run record.
// Isolated runs are tracked with persist off: the worker owns those fields.
type SessionTracker struct {
	svc      *Service
	session  *models.Session
	persist  bool
	logger   arbor.ILogger
	progress map[models.BehaviorName]*models.BehaviorProgress
	results  map[models.BehaviorName]*models.BehaviorResult
}

var _ Tracker = (*SessionTracker)(nil)

func (s *Service) newTracker(session *models.Session, persist bool) *SessionTracker {
	c := session.Clone()
	return &SessionTracker{
		svc:      s,
		session:  c,
		persist:  persist,
		logger:   s.logger.WithCorrelationId(session.ID),
		progress: c.Progress,
		results:  c.Results,
	}
}

// Session returns the session this tracker was created for
func (t *SessionTracker) Session() *models.Session {
	return t.session
}

func (t *SessionTracker) event(state models.SessionState) interfaces.SessionEvent {
	return interfaces.SessionEvent{
		SessionID:  t.session.ID,
		ResourceID: t.session.ResourceID,
		OwnerID:    t.session.OwnerID,
		RunID:      t.session.RunID,
		Mode:       t.session.Mode,
		State:      state,
	}
}

func (t *SessionTracker) publish(ctx context.Context, eventType interfaces.EventType, payload interfaces.SessionEvent) {
	if t.svc.events == nil {
		return
	}
	if err := t.svc.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		t.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish session event")
	}
}

func (t *SessionTracker) update(ctx context.Context, patch models.RunPatch) {
	if !t.persist || t.svc.storage == nil {
		return
	}
	if _, err := t.svc.storage.Update(context.WithoutCancel(ctx), t.session.RunID, patch); err != nil {
		t.logger.Warn().Err(err).Str("run_id", t.session.RunID).Msg("Failed to update run record")
	}
}

// MarkRunning moves the session to running
func (t *SessionTracker) MarkRunning(ctx context.Context) error {
	if _, err := t.svc.registry.MarkRunning(t.session.ResourceID, t.session.ID); err != nil {
		return err
	}
	t.session.State = models.SessionStateRunning

	now := t.svc.registry.Now()
	t.update(ctx, models.RunPatch{Status: models.StatePtr(models.SessionStateRunning), StartedAt: &now})
	t.publish(ctx, interfaces.EventSessionRunning, t.event(models.SessionStateRunning))
	return nil
}

// Progress raises the achieved count of a behavior
func (t *SessionTracker) Progress(ctx context.Context, behavior models.BehaviorName, achieved int) {
	previous := 0
	if p, ok := t.progress[behavior]; ok {
		previous = p.Achieved
	}

	p, changed, err := t.svc.registry.ReportProgress(t.session.ResourceID, t.session.ID, behavior, achieved)
	if err != nil {
		t.logger.Debug().Err(err).Str("behavior", string(behavior)).Msg("Progress report ignored")
		return
	}
	if !changed {
		return
	}

	t.progress[behavior] = &models.BehaviorProgress{Achieved: p.Achieved, Target: p.Target}
	t.update(ctx, models.RunPatch{Progress: cloneProgress(t.progress)})

	payload := t.event(t.session.State)
	payload.Behavior = behavior
	payload.Achieved = p.Achieved
	payload.Target = p.Target
	payload.Delta = p.Achieved - previous
	t.publish(ctx, interfaces.EventSessionProgress, payload)
}

// Result stores a finished behavior's result
func (t *SessionTracker) Result(ctx context.Context, result *models.BehaviorResult) {
	if _, err := t.svc.registry.RecordResult(t.session.ResourceID, t.session.ID, result); err != nil {
		t.logger.Debug().Err(err).Str("behavior", string(result.Behavior)).Msg("Result not recorded")
		return
	}
	t.results[result.Behavior] = result.Clone()
	t.update(ctx, models.RunPatch{Results: cloneResults(t.results), Warning: result.Warning})
}

// Finish moves the session to its terminal state. A stop that won the race
// keeps the session stopped whatever the outcome says. The run record is
// closed even when the registry no longer holds the session.
func (t *SessionTracker) Finish(ctx context.Context, outcome Outcome) *models.Session {
	var record *models.ErrorRecord
	if outcome.State == models.SessionStateError {
		record = outcome.Error
	}

	session, transitioned, err := t.svc.registry.Finish(t.session.ResourceID, t.session.ID, outcome.State, record)
	if err != nil {
		t.logger.Error().Err(err).Str("state", string(outcome.State)).Msg("Failed to finish session")
		ended := t.svc.registry.Now()
		patch := models.RunPatch{
			Status:   models.StatePtr(outcome.State),
			EndedAt:  &ended,
			Progress: cloneProgress(t.progress),
		}
		if outcome.State == models.SessionStateError {
			patch.Error = outcome.Error
		}
		t.update(ctx, patch)
		return nil
	}
	if !transitioned {
		t.logger.Info().
			Str("requested_state", string(outcome.State)).
			Str("state", string(session.State)).
			Msg("Session was already terminal")
	}
	t.session.State = session.State

	ended := t.svc.registry.Now()
	if session.EndedAt != nil {
		ended = *session.EndedAt
	}
	patch := models.RunPatch{
		Status:   models.StatePtr(session.State),
		EndedAt:  &ended,
		Progress: cloneProgress(session.Progress),
	}
	if session.State == models.SessionStateError {
		patch.Error = session.ErrorStatus
	}
	t.update(ctx, patch)

	payload := t.event(session.State)
	payload.Duration = session.Duration(ended)
	if session.State == models.SessionStateError {
		payload.Error = session.ErrorStatus
	}
	t.publish(ctx, interfaces.EventSessionFinished, payload)

	t.logger.Info().
		Str("resource_id", session.ResourceID).
		Str("state", string(session.State)).
		Dur("duration", payload.Duration).
		Msg("Session finished")

	return session
}

// Stamp returns the tracker's notion of now
func (t *SessionTracker) Stamp() time.Time {
	return t.svc.registry.Now()
}

func cloneProgress(in map[models.BehaviorName]*models.BehaviorProgress) map[models.BehaviorName]*models.BehaviorProgress {
	out := make(map[models.BehaviorName]*models.BehaviorProgress, len(in))
	for k, v := range in {
		c := *v
		out[k] = &c
	}
	return out
}

func cloneResults(in map[models.BehaviorName]*models.BehaviorResult) map[models.BehaviorName]*models.BehaviorResult {
	out := make(map[models.BehaviorName]*models.BehaviorResult, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}
