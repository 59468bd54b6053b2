// -----------------------------------------------------------------------
// Session - one orchestrated run of the behavior pipeline for a resource
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// SessionState represents the lifecycle state of a session
type SessionState string

const (
	SessionStatePending   SessionState = "pending"
	SessionStateRunning   SessionState = "running"
	SessionStateCompleted SessionState = "completed"
	SessionStateError     SessionState = "error"
	SessionStateStopped   SessionState = "stopped"
)

// IsTerminal returns true for completed, error and stopped
func (s SessionState) IsTerminal() bool {
	return s == SessionStateCompleted || s == SessionStateError || s == SessionStateStopped
}

// IsValid reports whether s is one of the known states
func (s SessionState) IsValid() bool {
	switch s {
	case SessionStatePending, SessionStateRunning, SessionStateCompleted, SessionStateError, SessionStateStopped:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows from -> to.
//
//	pending -> running | error | stopped
//	running -> completed | error | stopped
//
// Terminal states are final.
func CanTransition(from, to SessionState) bool {
	switch from {
	case SessionStatePending:
		return to == SessionStateRunning || to == SessionStateError || to == SessionStateStopped
	case SessionStateRunning:
		return to == SessionStateCompleted || to == SessionStateError || to == SessionStateStopped
	}
	return false
}

// BehaviorProgress tracks the achieved and target count for one behavior
type BehaviorProgress struct {
	Achieved int `json:"achieved"`
	Target   int `json:"target"`
}

// Session is the registry's record of one run against one resource id.
// A Session is mutated only by the pipeline driver that owns it (plus Stop).
type Session struct {
	ID          string                             `json:"id"`
	ResourceID  string                             `json:"resource_id"`
	OwnerID     string                             `json:"owner_id"`
	RunID       string                             `json:"run_id"`
	Mode        ExecutionMode                      `json:"mode"`
	State       SessionState                       `json:"state"`
	Behaviors   BehaviorConfig                     `json:"behaviors"`
	StartedAt   time.Time                          `json:"started_at"`
	EndedAt     *time.Time                         `json:"ended_at,omitempty"`
	Progress    map[BehaviorName]*BehaviorProgress `json:"progress"`
	Results     map[BehaviorName]*BehaviorResult   `json:"results,omitempty"`
	ErrorStatus *ErrorRecord                       `json:"error_status,omitempty"` // Latest fatal, else last non-fatal
	LastWarning *ErrorRecord                       `json:"last_warning,omitempty"` // Latest non-fatal
	EvidenceDir string                             `json:"evidence_dir"`
}

// NewSession creates a pending session with zeroed progress for every enabled behavior
func NewSession(id, resourceID, ownerID string, behaviors BehaviorConfig, now time.Time) *Session {
	progress := make(map[BehaviorName]*BehaviorProgress)
	for _, step := range behaviors.EnabledSteps() {
		progress[step.Name] = &BehaviorProgress{Achieved: 0, Target: step.Count}
	}

	return &Session{
		ID:         id,
		ResourceID: resourceID,
		OwnerID:    ownerID,
		State:      SessionStatePending,
		Behaviors:  behaviors,
		StartedAt:  now,
		Progress:   progress,
		Results:    make(map[BehaviorName]*BehaviorResult),
	}
}

// Duration returns elapsed time, frozen at EndedAt once terminal
func (s *Session) Duration(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// Clone returns a deep copy safe to hand out of the registry
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Behaviors = s.Behaviors.Clone()
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	c.Progress = make(map[BehaviorName]*BehaviorProgress, len(s.Progress))
	for k, v := range s.Progress {
		p := *v
		c.Progress[k] = &p
	}
	c.Results = make(map[BehaviorName]*BehaviorResult, len(s.Results))
	for k, v := range s.Results {
		c.Results[k] = v.Clone()
	}
	c.ErrorStatus = s.ErrorStatus.Clone()
	c.LastWarning = s.LastWarning.Clone()
	return &c
}

// SessionStatus is the read model returned by getSessionStatus
type SessionStatus struct {
	SessionID   string                             `json:"session_id"`
	ResourceID  string                             `json:"resource_id"`
	RunID       string                             `json:"run_id"`
	State       SessionState                       `json:"state"`
	Progress    map[BehaviorName]*BehaviorProgress `json:"progress"`
	ErrorStatus *ErrorRecord                       `json:"error_status,omitempty"`
	LastWarning *ErrorRecord                       `json:"last_warning,omitempty"`
	StartedAt   time.Time                          `json:"started_at"`
	Duration    time.Duration                      `json:"duration"`
}

// SessionSummary is the row returned by listActiveSessions
type SessionSummary struct {
	ResourceID string                             `json:"resource_id"`
	OwnerID    string                             `json:"owner_id"`
	State      SessionState                       `json:"state"`
	Progress   map[BehaviorName]*BehaviorProgress `json:"progress"`
}

// Status builds the status view of a session
func (s *Session) Status(now time.Time) *SessionStatus {
	c := s.Clone()
	return &SessionStatus{
		SessionID:   c.ID,
		ResourceID:  c.ResourceID,
		RunID:       c.RunID,
		State:       c.State,
		Progress:    c.Progress,
		ErrorStatus: c.ErrorStatus,
		LastWarning: c.LastWarning,
		StartedAt:   c.StartedAt,
		Duration:    c.Duration(now),
	}
}

// Summary builds the list view of a session
func (s *Session) Summary() SessionSummary {
	c := s.Clone()
	return SessionSummary{
		ResourceID: c.ResourceID,
		OwnerID:    c.OwnerID,
		State:      c.State,
		Progress:   c.Progress,
	}
}
