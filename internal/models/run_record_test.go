package models

import (
	"testing"
	"time"
)

func newTestRecord() *RunRecord {
	s := NewSession("s1", "res-1", "owner", BehaviorConfigFromCounts(map[BehaviorName]int{BehaviorLikeContent: 4}), time.Now())
	s.RunID = "run-1"
	s.Mode = ExecutionModeIsolated
	return NewRunRecord(s)
}

func TestRunPatch_TerminalStatusWins(t *testing.T) {
	r := newTestRecord()
	now := time.Now()

	RunPatch{Status: StatePtr(SessionStateRunning)}.Apply(r, now)
	if r.Status != SessionStateRunning {
		t.Fatalf("expected running, got %s", r.Status)
	}

	RunPatch{Status: StatePtr(SessionStateStopped)}.Apply(r, now)
	RunPatch{Status: StatePtr(SessionStateCompleted)}.Apply(r, now)
	if r.Status != SessionStateStopped {
		t.Errorf("expected first terminal status to stick, got %s", r.Status)
	}
}

func TestRunPatch_EndedAtWrittenOnce(t *testing.T) {
	r := newTestRecord()
	first := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Minute)

	RunPatch{EndedAt: &first}.Apply(r, second)
	RunPatch{EndedAt: &second}.Apply(r, second)

	if r.EndedAt == nil || !r.EndedAt.Equal(first) {
		t.Errorf("expected ended_at %s, got %v", first, r.EndedAt)
	}
	if !r.UpdatedAt.Equal(second) {
		t.Errorf("expected updated_at %s, got %s", second, r.UpdatedAt)
	}
}

func TestRunPatch_NilFieldsUntouched(t *testing.T) {
	r := newTestRecord()
	pid := 4242
	RunPatch{PID: &pid}.Apply(r, time.Now())

	stop := true
	RunPatch{StopRequested: &stop}.Apply(r, time.Now())

	if r.PID != 4242 || !r.StopRequested {
		t.Errorf("unexpected record: pid=%d stop=%v", r.PID, r.StopRequested)
	}
	if r.Status != SessionStatePending {
		t.Errorf("status changed by patch without status: %s", r.Status)
	}
	if r.Progress[BehaviorLikeContent] == nil {
		t.Error("progress cleared by patch without progress")
	}
}

func TestRunRecord_SessionRoundTrip(t *testing.T) {
	r := newTestRecord()
	r.Status = SessionStateRunning
	r.Progress[BehaviorLikeContent].Achieved = 2
	r.Error = NewErrorRecord(ErrorTypeNavigation, "navigate", "timeout")
	end := time.Now()
	r.EndedAt = &end

	s := r.Session()

	if s.ID != "s1" || s.RunID != "run-1" || s.ResourceID != "res-1" {
		t.Errorf("identity not carried: %+v", s)
	}
	if s.Mode != ExecutionModeIsolated || s.State != SessionStateRunning {
		t.Errorf("unexpected mode/state: %s/%s", s.Mode, s.State)
	}
	if p := s.Progress[BehaviorLikeContent]; p == nil || p.Achieved != 2 || p.Target != 4 {
		t.Errorf("unexpected progress: %+v", p)
	}
	if s.ErrorStatus == nil || s.ErrorStatus.Type != ErrorTypeNavigation {
		t.Errorf("error not carried: %+v", s.ErrorStatus)
	}
	if s.EndedAt == nil || !s.EndedAt.Equal(end) {
		t.Error("ended_at not carried")
	}

	s.Progress[BehaviorLikeContent].Achieved = 3
	if r.Progress[BehaviorLikeContent].Achieved != 2 {
		t.Error("session shares progress with record")
	}
}
