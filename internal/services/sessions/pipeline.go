package sessions

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/behaviors"
	"github.com/ternarybob/autopilot/internal/common"
	"github.com/ternarybob/autopilot/internal/interfaces"
	"github.com/ternarybob/autopilot/internal/models"
	"github.com/ternarybob/autopilot/internal/services/classifier"
	"github.com/ternarybob/autopilot/internal/storage/evidence"
)

// Tracker receives the lifecycle updates of one run. The in-process
// service backs it with the registry; an isolated worker backs it with the
// run record.
type Tracker interface {
	// MarkRunning is called once the handle is acquired. An error (the
	// session was stopped meanwhile) ends the run as stopped.
	MarkRunning(ctx context.Context) error
	Progress(ctx context.Context, behavior models.BehaviorName, achieved int)
	Result(ctx context.Context, result *models.BehaviorResult)
}

// Outcome is how a pipeline run ended
type Outcome struct {
	State models.SessionState
	Error *models.ErrorRecord
}

// PipelineConfig wires a Pipeline
type PipelineConfig struct {
	Provisioner interfaces.Provisioner
	Behaviors   *behaviors.Set
	Pacer       behaviors.Pacer
	Classifier  *classifier.Classifier
	Evidence    interfaces.EvidenceStore
	Target      common.TargetConfig
	AuthCheck   bool
	Logger      arbor.ILogger
}

// Pipeline drives one session: acquire the handle, check authentication,
// run the enabled behaviors in order, release the handle
type Pipeline struct {
	config PipelineConfig
}

// NewPipeline creates a pipeline
func NewPipeline(config PipelineConfig) *Pipeline {
	return &Pipeline{config: config}
}

// Run executes the session to an outcome. ctx bounds handle operations;
// stop is the cooperative stop signal, observed between behaviors, between
// elements and during pacing delays only.
func (p *Pipeline) Run(ctx context.Context, stop context.Context, session *models.Session, tracker Tracker) Outcome {
	cfg := p.config
	logger := cfg.Logger.WithCorrelationId(session.ID)

	logger.Info().
		Str("resource_id", session.ResourceID).
		Str("run_id", session.RunID).
		Str("mode", string(session.Mode)).
		Int("behaviors", len(session.Behaviors.EnabledSteps())).
		Msg("Acquiring automation handle")

	handle, err := cfg.Provisioner.Acquire(ctx, session.ResourceID)
	if err != nil {
		return Outcome{
			State: models.SessionStateError,
			Error: cfg.Classifier.Classify(ctx, classifier.StageAcquireHandle, err, nil),
		}
	}
	defer func() {
		if err := cfg.Provisioner.Release(context.WithoutCancel(ctx), session.ResourceID, handle); err != nil {
			logger.Warn().Err(err).Str("resource_id", session.ResourceID).Msg("Failed to release automation handle")
		}
	}()

	if err := tracker.MarkRunning(ctx); err != nil {
		logger.Info().Err(err).Msg("Session left pending before the handle was ready")
		return Outcome{State: models.SessionStateStopped}
	}

	var recorder classifier.Capturer
	if cfg.Evidence != nil {
		recorder = evidence.NewRecorder(cfg.Evidence, handle, session.EvidenceDir)
	}
	env := &behaviors.Env{
		Handle:     handle,
		Pacer:      cfg.Pacer,
		Classifier: cfg.Classifier,
		Evidence:   recorder,
		Logger:     logger,
		Stop:       stop,
	}

	if cfg.AuthCheck {
		if record := behaviors.CheckAuthenticated(ctx, env, cfg.Target); record != nil {
			return Outcome{State: models.SessionStateError, Error: record}
		}
	}

	for i, step := range session.Behaviors.EnabledSteps() {
		if i > 0 {
			env.Pause(cfg.Pacer.DelayBetweenBehaviors())
		}
		if env.Stopped() {
			logger.Info().Str("next_behavior", string(step.Name)).Msg("Stop requested, skipping remaining behaviors")
			return Outcome{State: models.SessionStateStopped}
		}

		module, ok := cfg.Behaviors.Get(step.Name)
		if !ok {
			return Outcome{
				State: models.SessionStateError,
				Error: cfg.Classifier.Classify(ctx, "", fmt.Errorf("no module for behavior %s", step.Name), nil),
			}
		}

		name := step.Name
		env.Report = func(achieved int) {
			tracker.Progress(ctx, name, achieved)
		}

		logger.Info().Str("behavior", string(name)).Int("count", step.Count).Msg("Behavior starting")
		result := p.runBehavior(ctx, env, module, step.Count, recorder)
		tracker.Result(ctx, result)

		logger.Info().
			Str("behavior", string(name)).
			Int("achieved", result.AchievedCount).
			Int("requested", step.Count).
			Int("errors", len(result.Errors)).
			Bool("fatal", result.Fatal).
			Msg("Behavior finished")

		if result.Fatal {
			return Outcome{State: models.SessionStateError, Error: result.ErrorDetails}
		}
	}

	if env.Stopped() {
		return Outcome{State: models.SessionStateStopped}
	}
	return Outcome{State: models.SessionStateCompleted}
}

// runBehavior runs one module, turning a panic into a fatal SCRIPT_ERROR
func (p *Pipeline) runBehavior(ctx context.Context, env *behaviors.Env, module behaviors.Behavior, count int, recorder classifier.Capturer) (result *models.BehaviorResult) {
	defer func() {
		if r := recover(); r != nil {
			env.Logger.Error().
				Str("behavior", string(module.Name())).
				Str("stack", common.GetStackTrace()).
				Msgf("Behavior panicked: %v", r)

			if result == nil {
				result = models.NewBehaviorResult(module.Name(), count)
			}
			result.AddError(classifier.StagePanic, fmt.Sprint(r))
			result.SetFatal(p.config.Classifier.Panic(ctx, r, recorder))
		}
	}()

	result = module.Run(ctx, env, count)
	if result == nil {
		result = models.NewBehaviorResult(module.Name(), count)
		result.SetFatal(p.config.Classifier.Classify(ctx, "", errors.New("behavior returned no result"), recorder))
	}
	return result
}
