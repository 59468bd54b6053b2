// Package behaviors implements the five scripted interaction modules. Every
// module is stateless: all per-run state arrives through Env and the count,
// and everything observed leaves through the returned BehaviorResult.
package behaviors

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/common"
	"github.com/ternarybob/autopilot/internal/interfaces"
	"github.com/ternarybob/autopilot/internal/models"
	"github.com/ternarybob/autopilot/internal/services/classifier"
	"github.com/ternarybob/autopilot/internal/services/pacing"
)

// Pacer draws the randomized delays between sub-actions and behaviors
type Pacer interface {
	DelayBetweenItems() time.Duration
	DelayBetweenBehaviors() time.Duration
	ViewDwell() time.Duration
}

// ErrorClassifier maps raw failures onto ErrorRecords
type ErrorClassifier interface {
	Classify(ctx context.Context, stage string, raw error, evidence classifier.Capturer) *models.ErrorRecord
}

// Env is everything a behavior needs for one invocation
type Env struct {
	Handle     interfaces.AutomationHandle
	Pacer      Pacer
	Classifier ErrorClassifier
	Evidence   classifier.Capturer // nil disables screenshots
	Logger     arbor.ILogger

	// Stop is cancelled by stopSession. It is only observed between loop
	// iterations and by pacing sleeps, never by handle operations.
	Stop context.Context

	// Report receives the running achieved count after each success
	Report func(achieved int)
}

// Stopped reports whether a stop has been requested
func (e *Env) Stopped() bool {
	return e.Stop != nil && e.Stop.Err() != nil
}

// Pause sleeps for d, returning early when a stop is requested
func (e *Env) Pause(d time.Duration) {
	stop := e.Stop
	if stop == nil {
		stop = context.Background()
	}
	_ = pacing.Sleep(stop, d)
}

func (e *Env) report(achieved int) {
	if e.Report != nil {
		e.Report(achieved)
	}
}

// capture stores a labelled screenshot on the result; failures are logged only
func (e *Env) capture(ctx context.Context, result *models.BehaviorResult, label string) {
	if e.Evidence == nil {
		return
	}
	path, err := e.Evidence.Capture(ctx, string(result.Behavior)+"-"+label)
	if err != nil {
		e.Logger.Debug().Err(err).Str("label", label).Msg("Evidence screenshot failed")
		return
	}
	result.Screenshots = append(result.Screenshots, path)
}

// warn records a non-fatal error on the result and classifies it
func (e *Env) warn(ctx context.Context, result *models.BehaviorResult, stage string, err error) *models.ErrorRecord {
	result.AddError(stage, err.Error())
	record := e.Classifier.Classify(ctx, stage, err, e.Evidence)
	result.Warning = record
	return record
}

// fail records err and marks the result fatal with its classification
func (e *Env) fail(ctx context.Context, result *models.BehaviorResult, stage string, err error) *models.ErrorRecord {
	result.AddError(stage, err.Error())
	record := e.Classifier.Classify(ctx, stage, err, e.Evidence)
	result.SetFatal(record)
	return record
}

// Behavior performs one class of interaction up to count times
type Behavior interface {
	Name() models.BehaviorName
	Run(ctx context.Context, env *Env, count int) *models.BehaviorResult
}

// Set holds one module per behavior name
type Set struct {
	modules map[models.BehaviorName]Behavior
}

// NewSet builds all five modules against the configured target
func NewSet(target common.TargetConfig) *Set {
	s := &Set{modules: make(map[models.BehaviorName]Behavior)}
	for _, b := range []Behavior{
		NewJoinGroups(target),
		NewLikeContent(target),
		NewAddFriends(target),
		NewViewContent(target),
		NewCreateGroups(target),
	} {
		s.modules[b.Name()] = b
	}
	return s
}

// Get returns the module for name
func (s *Set) Get(name models.BehaviorName) (Behavior, bool) {
	b, ok := s.modules[name]
	return b, ok
}

// Register replaces or adds a module
func (s *Set) Register(b Behavior) {
	s.modules[b.Name()] = b
}
