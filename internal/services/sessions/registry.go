// -----------------------------------------------------------------------
// Session Registry - resource id -> session, the single serialization point
// -----------------------------------------------------------------------

package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/common"
	"github.com/ternarybob/autopilot/internal/models"
	"github.com/ternarybob/autopilot/internal/storage/evidence"
)

// DefaultRetention is how long terminal sessions stay queryable
const DefaultRetention = 5 * time.Minute

var (
	ErrAlreadyRunning    = errors.New("a session is already pending or running for this resource")
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session state transition")
)

type entry struct {
	session  *models.Session
	stopCtx  context.Context
	stop     context.CancelFunc
	fatal    bool // ErrorStatus holds a fatal error
	released bool // the pipeline returned and its handle is released
}

// Registry maps resource ids to their current session. All methods are safe
// for concurrent use; no method blocks on anything but the map lock.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	retention time.Duration
	now       func() time.Time
	logger    arbor.ILogger
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithClock overrides the time source (tests)
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithRetention overrides the terminal retention window
func WithRetention(d time.Duration) RegistryOption {
	return func(r *Registry) { r.retention = d }
}

// NewRegistry creates an empty registry
func NewRegistry(logger arbor.ILogger, opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:   make(map[string]*entry),
		retention: DefaultRetention,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the registry clock
func (r *Registry) Now() time.Time {
	return r.now()
}

func (r *Registry) expired(e *entry, now time.Time) bool {
	s := e.session
	return e.released && s.State.IsTerminal() && s.EndedAt != nil && now.Sub(*s.EndedAt) > r.retention
}

// Start atomically checks for a live session on resourceID and inserts a new
// pending one. A retained terminal session is replaced once its pipeline has
// finished; a stopped session still holding its handle blocks the start. The
// returned context is cancelled by Stop.
func (r *Registry) Start(resourceID, ownerID string, behaviors models.BehaviorConfig, mode models.ExecutionMode) (*models.Session, context.Context, error) {
	now := r.now()
	session := models.NewSession(common.NewSessionID(), resourceID, ownerID, behaviors.Clone(), now)
	session.RunID = common.NewRunID()
	session.Mode = mode
	session.EvidenceDir = evidence.SessionDir(resourceID, session.RunID, now)

	stopCtx, err := r.insert(session)
	if err != nil {
		return nil, nil, err
	}
	return session.Clone(), stopCtx, nil
}

// Adopt inserts an existing session, used when run records of a previous
// orchestrator are re-attached on startup
func (r *Registry) Adopt(session *models.Session) (context.Context, error) {
	return r.insert(session.Clone())
}

func (r *Registry) insert(session *models.Session) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[session.ResourceID]; ok {
		if !existing.session.State.IsTerminal() {
			return nil, fmt.Errorf("%w: %s (session %s is %s)", ErrAlreadyRunning, session.ResourceID, existing.session.ID, existing.session.State)
		}
		if !existing.released {
			return nil, fmt.Errorf("%w: %s (session %s is %s and still releasing its handle)", ErrAlreadyRunning, session.ResourceID, existing.session.ID, existing.session.State)
		}
	}

	stopCtx, stop := context.WithCancel(context.Background())
	r.entries[session.ResourceID] = &entry{session: session, stopCtx: stopCtx, stop: stop}

	r.logger.Debug().
		Str("resource_id", session.ResourceID).
		Str("session_id", session.ID).
		Str("state", string(session.State)).
		Msg("Session registered")

	return stopCtx, nil
}

// Get returns a copy of the session for resourceID. Sessions past their
// retention window are evicted here and reported as not found.
func (r *Registry) Get(resourceID string) (*models.Session, error) {
	now := r.now()

	r.mu.RLock()
	e, ok := r.entries[resourceID]
	if ok && !r.expired(e, now) {
		s := e.session.Clone()
		r.mu.RUnlock()
		return s, nil
	}
	r.mu.RUnlock()

	if ok {
		r.mu.Lock()
		if e, ok := r.entries[resourceID]; ok && r.expired(e, now) {
			delete(r.entries, resourceID)
		}
		r.mu.Unlock()
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, resourceID)
}

// Stop marks a pending or running session stopped and signals its pipeline.
// Stopping a retained terminal session is acknowledged without change.
func (r *Registry) Stop(resourceID string) (*models.Session, error) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[resourceID]
	if !ok || r.expired(e, now) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, resourceID)
	}
	if e.session.State.IsTerminal() {
		return e.session.Clone(), nil
	}

	e.session.State = models.SessionStateStopped
	e.session.EndedAt = &now
	e.stop()

	r.logger.Info().
		Str("resource_id", resourceID).
		Str("session_id", e.session.ID).
		Msg("Session stop requested")

	return e.session.Clone(), nil
}

// lookup returns the live entry of sessionID; caller holds the write lock
func (r *Registry) lookup(resourceID, sessionID string) (*entry, error) {
	e, ok := r.entries[resourceID]
	if !ok || e.session.ID != sessionID {
		return nil, fmt.Errorf("%w: %s/%s", ErrSessionNotFound, resourceID, sessionID)
	}
	return e, nil
}

// MarkRunning moves a pending session to running once its handle is acquired
func (r *Registry) MarkRunning(resourceID, sessionID string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(resourceID, sessionID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(e.session.State, models.SessionStateRunning) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.session.State, models.SessionStateRunning)
	}
	e.session.State = models.SessionStateRunning
	return e.session.Clone(), nil
}

// ReportProgress raises the achieved counter of a behavior. Counters never
// decrease and never exceed the target; changed is false when the report
// had no effect. Completed and errored sessions are frozen.
func (r *Registry) ReportProgress(resourceID, sessionID string, behavior models.BehaviorName, achieved int) (progress models.BehaviorProgress, changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(resourceID, sessionID)
	if err != nil {
		return models.BehaviorProgress{}, false, err
	}
	switch e.session.State {
	case models.SessionStateCompleted, models.SessionStateError:
		return models.BehaviorProgress{}, false, fmt.Errorf("%w: progress on %s session", ErrInvalidTransition, e.session.State)
	}

	p, ok := e.session.Progress[behavior]
	if !ok {
		return models.BehaviorProgress{}, false, fmt.Errorf("behavior %s is not part of session %s", behavior, sessionID)
	}

	if achieved > p.Target {
		achieved = p.Target
	}
	if achieved <= p.Achieved {
		return *p, false, nil
	}
	p.Achieved = achieved
	return *p, true, nil
}

// RecordResult stores a behavior result and folds its errors into the
// session's error view: LastWarning is the latest non-fatal error, and
// ErrorStatus is the latest fatal error or, failing that, the last warning.
func (r *Registry) RecordResult(resourceID, sessionID string, result *models.BehaviorResult) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(resourceID, sessionID)
	if err != nil {
		return nil, err
	}

	s := e.session
	s.Results[result.Behavior] = result.Clone()
	if result.Warning != nil {
		s.LastWarning = result.Warning.Clone()
		if !e.fatal {
			s.ErrorStatus = result.Warning.Clone()
		}
	}
	if result.Fatal && result.ErrorDetails != nil {
		s.ErrorStatus = result.ErrorDetails.Clone()
		e.fatal = true
	}
	return s.Clone(), nil
}

// Finish moves the session to a terminal state and marks its pipeline
// released, which lets a new session start on the resource. If the session
// already reached a terminal state (a stop raced the pipeline) it is left
// unchanged and transitioned is false.
func (r *Registry) Finish(resourceID, sessionID string, state models.SessionState, record *models.ErrorRecord) (session *models.Session, transitioned bool, err error) {
	if !state.IsTerminal() {
		return nil, false, fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, state)
	}

	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(resourceID, sessionID)
	if err != nil {
		return nil, false, err
	}
	defer e.stop()
	e.released = true

	if e.session.State.IsTerminal() {
		return e.session.Clone(), false, nil
	}
	if !models.CanTransition(e.session.State, state) {
		return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.session.State, state)
	}

	e.session.State = state
	e.session.EndedAt = &now
	if record != nil {
		e.session.ErrorStatus = record.Clone()
		e.fatal = true
	}
	return e.session.Clone(), true, nil
}

// ListActive returns pending and running sessions ordered by start time
func (r *Registry) ListActive() []*models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]*models.Session, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.session.State.IsTerminal() {
			active = append(active, e.session.Clone())
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].StartedAt.Before(active[j].StartedAt)
	})
	return active
}

// Sweep evicts every session past its retention window
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, e := range r.entries {
		if r.expired(e, now) {
			delete(r.entries, id)
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Debug().Int("evicted", evicted).Int("remaining", len(r.entries)).Msg("Expired sessions evicted")
	}
	return evicted
}
