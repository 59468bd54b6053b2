// -----------------------------------------------------------------------
// Run Record - durable session record shared with detached workers
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// ExecutionMode selects where the pipeline runs
type ExecutionMode string

const (
	ExecutionModeInProcess ExecutionMode = "inprocess"
	ExecutionModeIsolated  ExecutionMode = "isolated"
)

// RunRecord is the durable counterpart of a Session.
//
// Field ownership is single-writer:
//   - orchestrator: identity fields, Behaviors, PID, StopRequested, CreatedAt
//   - pipeline (in-process driver or worker): Status, Progress, Results, Error,
//     Warning, StartedAt, EndedAt
type RunRecord struct {
	ID            string                             `json:"id" badgerhold:"key"`
	SessionID     string                             `json:"session_id"`
	ResourceID    string                             `json:"resource_id" badgerholdIndex:"ResourceID"`
	OwnerID       string                             `json:"owner_id"`
	Mode          ExecutionMode                      `json:"mode"`
	Behaviors     BehaviorConfig                     `json:"behaviors"`
	Status        SessionState                       `json:"status" badgerholdIndex:"Status"`
	Progress      map[BehaviorName]*BehaviorProgress `json:"progress"`
	Results       map[BehaviorName]*BehaviorResult   `json:"results,omitempty"`
	Error         *ErrorRecord                       `json:"error,omitempty"`
	Warning       *ErrorRecord                       `json:"warning,omitempty"`
	PID           int                                `json:"pid,omitempty"`
	StopRequested bool                               `json:"stop_requested"`
	EvidenceDir   string                             `json:"evidence_dir"`
	CreatedAt     time.Time                          `json:"created_at"`
	StartedAt     *time.Time                         `json:"started_at,omitempty"`
	EndedAt       *time.Time                         `json:"ended_at,omitempty"`
	UpdatedAt     time.Time                          `json:"updated_at"`
}

// IsTerminal reports whether the pipeline has written a final status
func (r *RunRecord) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// NewRunRecord builds a pending record from a freshly started session
func NewRunRecord(s *Session) *RunRecord {
	c := s.Clone()
	return &RunRecord{
		ID:          c.RunID,
		SessionID:   c.ID,
		ResourceID:  c.ResourceID,
		OwnerID:     c.OwnerID,
		Mode:        c.Mode,
		Behaviors:   c.Behaviors,
		Status:      SessionStatePending,
		Progress:    c.Progress,
		Results:     c.Results,
		EvidenceDir: c.EvidenceDir,
		CreatedAt:   c.StartedAt,
		UpdatedAt:   c.StartedAt,
	}
}

// Session rebuilds the session view of a record, used to adopt runs of a
// previous orchestrator process
func (r *RunRecord) Session() *Session {
	s := NewSession(r.SessionID, r.ResourceID, r.OwnerID, r.Behaviors.Clone(), r.CreatedAt)
	s.RunID = r.ID
	s.Mode = r.Mode
	s.EvidenceDir = r.EvidenceDir
	if r.Status.IsValid() {
		s.State = r.Status
	}
	for name, p := range r.Progress {
		if p != nil {
			c := *p
			s.Progress[name] = &c
		}
	}
	for name, res := range r.Results {
		s.Results[name] = res.Clone()
	}
	s.ErrorStatus = r.Error.Clone()
	s.LastWarning = r.Warning.Clone()
	if r.EndedAt != nil {
		t := *r.EndedAt
		s.EndedAt = &t
	}
	return s
}

// RunPatch overwrites only the non-nil fields of a record
type RunPatch struct {
	Status        *SessionState
	Progress      map[BehaviorName]*BehaviorProgress
	Results       map[BehaviorName]*BehaviorResult
	Error         *ErrorRecord
	Warning       *ErrorRecord
	PID           *int
	StopRequested *bool
	StartedAt     *time.Time
	EndedAt       *time.Time
}

// Apply writes the patch onto r. Status changes that would leave a terminal
// state are ignored so the first terminal outcome wins.
func (p RunPatch) Apply(r *RunRecord, now time.Time) {
	if p.Status != nil && !r.Status.IsTerminal() {
		r.Status = *p.Status
	}
	if p.Progress != nil {
		r.Progress = p.Progress
	}
	if p.Results != nil {
		r.Results = p.Results
	}
	if p.Error != nil {
		r.Error = p.Error
	}
	if p.Warning != nil {
		r.Warning = p.Warning
	}
	if p.PID != nil {
		r.PID = *p.PID
	}
	if p.StopRequested != nil {
		r.StopRequested = *p.StopRequested
	}
	if p.StartedAt != nil {
		r.StartedAt = p.StartedAt
	}
	if p.EndedAt != nil && r.EndedAt == nil {
		r.EndedAt = p.EndedAt
	}
	r.UpdatedAt = now
}

// StatePtr is a helper for building patches
func StatePtr(s SessionState) *SessionState {
	return &s
}
