package models

import (
	"time"
)

// BehaviorName identifies one class of scripted interaction
type BehaviorName string

const (
	BehaviorJoinGroups   BehaviorName = "join_groups"
	BehaviorLikeContent  BehaviorName = "like_content"
	BehaviorAddFriends   BehaviorName = "add_friends"
	BehaviorViewContent  BehaviorName = "view_content"
	BehaviorCreateGroups BehaviorName = "create_groups"
)

// AllBehaviors lists the behaviors in their default pipeline order
var AllBehaviors = []BehaviorName{
	BehaviorJoinGroups,
	BehaviorLikeContent,
	BehaviorAddFriends,
	BehaviorViewContent,
	BehaviorCreateGroups,
}

// IsValid reports whether n is a known behavior
func (n BehaviorName) IsValid() bool {
	for _, b := range AllBehaviors {
		if b == n {
			return true
		}
	}
	return false
}

// BehaviorStep enables one behavior with a target count
type BehaviorStep struct {
	Name    BehaviorName `json:"name" toml:"name" validate:"required"`
	Enabled bool         `json:"enabled" toml:"enabled"`
	Count   int          `json:"count" toml:"count" validate:"gte=0,lte=500"`
}

// BehaviorConfig is the caller-ordered list of behaviors for a session.
// Disabled steps and steps with a zero count are skipped entirely.
type BehaviorConfig struct {
	Steps []BehaviorStep `json:"steps" toml:"steps" validate:"dive"`
}

// EnabledSteps returns the steps that will run, in caller order
func (c BehaviorConfig) EnabledSteps() []BehaviorStep {
	steps := make([]BehaviorStep, 0, len(c.Steps))
	for _, s := range c.Steps {
		if s.Enabled && s.Count > 0 {
			steps = append(steps, s)
		}
	}
	return steps
}

// Clone returns a copy of the step list
func (c BehaviorConfig) Clone() BehaviorConfig {
	return BehaviorConfig{Steps: append([]BehaviorStep(nil), c.Steps...)}
}

// BehaviorConfigFromCounts builds a config in default order from a count map.
// A zero or missing count leaves the behavior disabled.
func BehaviorConfigFromCounts(counts map[BehaviorName]int) BehaviorConfig {
	cfg := BehaviorConfig{}
	for _, name := range AllBehaviors {
		count := counts[name]
		cfg.Steps = append(cfg.Steps, BehaviorStep{Name: name, Enabled: count > 0, Count: count})
	}
	return cfg
}

// StageError is a non-fatal or fatal failure recorded inside a behavior
type StageError struct {
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// BehaviorResult is produced by one behavior invocation
type BehaviorResult struct {
	Behavior      BehaviorName `json:"behavior"`
	Requested     int          `json:"requested"`
	AchievedCount int          `json:"achieved_count"`
	Errors        []StageError `json:"errors,omitempty"`
	Fatal         bool         `json:"fatal"`
	ErrorType     ErrorType    `json:"error_type,omitempty"`
	ErrorDetails  *ErrorRecord `json:"error_details,omitempty"`
	Warning       *ErrorRecord `json:"warning,omitempty"` // Latest classified non-fatal error
	Screenshots   []string     `json:"screenshots,omitempty"`
}

// NewBehaviorResult creates an empty result for the named behavior
func NewBehaviorResult(name BehaviorName, requested int) *BehaviorResult {
	return &BehaviorResult{
		Behavior:  name,
		Requested: requested,
		Errors:    make([]StageError, 0),
	}
}

// AddError appends a stage error
func (r *BehaviorResult) AddError(stage, message string) {
	r.Errors = append(r.Errors, StageError{Stage: stage, Message: message, Timestamp: time.Now()})
}

// SetFatal marks the result fatal with the given record
func (r *BehaviorResult) SetFatal(record *ErrorRecord) {
	r.Fatal = true
	r.ErrorType = record.Type
	r.ErrorDetails = record
}

// ClearError resets any fatal classification and warning
func (r *BehaviorResult) ClearError() {
	r.Fatal = false
	r.ErrorType = ""
	r.ErrorDetails = nil
	r.Warning = nil
}

// Clone returns a deep copy
func (r *BehaviorResult) Clone() *BehaviorResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Errors = append([]StageError(nil), r.Errors...)
	c.Screenshots = append([]string(nil), r.Screenshots...)
	c.ErrorDetails = r.ErrorDetails.Clone()
	c.Warning = r.Warning.Clone()
	return &c
}
