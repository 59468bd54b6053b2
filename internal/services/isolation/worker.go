package isolation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/common"
	"github.com/ternarybob/autopilot/internal/interfaces"
	"github.com/ternarybob/autopilot/internal/models"
	"github.com/ternarybob/autopilot/internal/services/classifier"
	"github.com/ternarybob/autopilot/internal/services/sessions"
)

// Worker exit codes
const (
	ExitOK      = 0
	ExitError   = 1 // the session ended in error; the record holds the reason
	ExitNoInput = 2 // the record could not be read or does not match
)

// ErrStopRequested is returned by MarkRunning when the orchestrator asked
// the run to stop before the handle was ready
var ErrStopRequested = errors.New("stop requested")

// WorkerConfig wires the worker side of an isolated run
type WorkerConfig struct {
	Storage      interfaces.RunStorage
	Pipeline     *sessions.Pipeline
	Classifier   *classifier.Classifier
	PollInterval time.Duration // how often stopRequested is re-read
	Logger       arbor.ILogger
	Now          func() time.Time
}

// RunWorker executes the run identified by runID to an outcome, writing
// every update to the run record, and returns the process exit code. The
// record is the worker's only input.
func RunWorker(ctx context.Context, config WorkerConfig, runID, resourceID string) int {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Classifier == nil {
		config.Classifier = classifier.New(config.Logger)
	}

	record, err := config.Storage.Get(ctx, runID)
	if err != nil {
		config.Logger.Error().Err(err).Str("run_id", runID).Msg("Failed to read run record")
		return ExitNoInput
	}
	if record.ResourceID != resourceID {
		config.Logger.Error().
			Str("run_id", runID).
			Str("resource_id", resourceID).
			Str("record_resource_id", record.ResourceID).
			Msg("Run record belongs to another resource")
		return ExitNoInput
	}

	logger := config.Logger.WithCorrelationId(record.SessionID)
	if record.IsTerminal() {
		logger.Info().Str("status", string(record.Status)).Msg("Run already finished")
		if record.Status == models.SessionStateError {
			return ExitError
		}
		return ExitOK
	}

	session := record.Session()
	session.State = models.SessionStatePending

	stop, requestStop := context.WithCancel(context.Background())
	defer requestStop()
	if record.StopRequested {
		requestStop()
	}

	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	go pollStopRequested(pollCtx, config, runID, requestStop, logger)

	tracker := newRecordTracker(config, session, stop, logger)

	logger.Info().
		Str("resource_id", resourceID).
		Str("run_id", runID).
		Msg("Worker running session")

	outcome := runPipeline(ctx, config, stop, session, tracker, logger)

	ended := config.Now()
	patch := models.RunPatch{
		Status:  models.StatePtr(outcome.State),
		EndedAt: &ended,
	}
	if outcome.State == models.SessionStateError {
		patch.Error = outcome.Error
	}
	final, err := config.Storage.Update(context.WithoutCancel(ctx), runID, patch)
	if err != nil {
		logger.Error().Err(err).Str("state", string(outcome.State)).Msg("Failed to write run outcome")
		return ExitError
	}

	logger.Info().
		Str("state", string(final.Status)).
		Msg("Worker finished")

	if final.Status == models.SessionStateError {
		return ExitError
	}
	return ExitOK
}

func runPipeline(ctx context.Context, config WorkerConfig, stop context.Context, session *models.Session, tracker sessions.Tracker, logger arbor.ILogger) (outcome sessions.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("stack", common.GetStackTrace()).Msgf("Worker pipeline panicked: %v", r)
			outcome = sessions.Outcome{
				State: models.SessionStateError,
				Error: config.Classifier.Panic(ctx, r, nil),
			}
		}
	}()
	return config.Pipeline.Run(ctx, stop, session, tracker)
}

func pollStopRequested(ctx context.Context, config WorkerConfig, runID string, requestStop context.CancelFunc, logger arbor.ILogger) {
	ticker := time.NewTicker(config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			record, err := config.Storage.Get(ctx, runID)
			if err != nil {
				logger.Debug().Err(err).Msg("Stop poll failed")
				continue
			}
			if record.StopRequested || record.IsTerminal() {
				logger.Info().Str("status", string(record.Status)).Msg("Stop requested by orchestrator")
				requestStop()
				return
			}
		}
	}
}

// recordTracker writes the worker-owned fields of the run record
type recordTracker struct {
	config   WorkerConfig
	runID    string
	stop     context.Context
	logger   arbor.ILogger
	mu       sync.Mutex
	progress map[models.BehaviorName]*models.BehaviorProgress
	results  map[models.BehaviorName]*models.BehaviorResult
}

var _ sessions.Tracker = (*recordTracker)(nil)

func newRecordTracker(config WorkerConfig, session *models.Session, stop context.Context, logger arbor.ILogger) *recordTracker {
	c := session.Clone()
	return &recordTracker{
		config:   config,
		runID:    session.RunID,
		stop:     stop,
		logger:   logger,
		progress: c.Progress,
		results:  c.Results,
	}
}

func (t *recordTracker) update(ctx context.Context, patch models.RunPatch) error {
	_, err := t.config.Storage.Update(context.WithoutCancel(ctx), t.runID, patch)
	if err != nil {
		t.logger.Warn().Err(err).Str("run_id", t.runID).Msg("Failed to update run record")
	}
	return err
}

// MarkRunning records the running state unless a stop already arrived
func (t *recordTracker) MarkRunning(ctx context.Context) error {
	if t.stop.Err() != nil {
		return ErrStopRequested
	}
	now := t.config.Now()
	if err := t.update(ctx, models.RunPatch{Status: models.StatePtr(models.SessionStateRunning), StartedAt: &now}); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return nil
}

// Progress keeps the same monotonic, capped counters as the registry
func (t *recordTracker) Progress(ctx context.Context, behavior models.BehaviorName, achieved int) {
	t.mu.Lock()
	p, ok := t.progress[behavior]
	if !ok {
		t.mu.Unlock()
		return
	}
	if achieved > p.Target {
		achieved = p.Target
	}
	if achieved <= p.Achieved {
		t.mu.Unlock()
		return
	}
	p.Achieved = achieved
	snapshot := make(map[models.BehaviorName]*models.BehaviorProgress, len(t.progress))
	for k, v := range t.progress {
		c := *v
		snapshot[k] = &c
	}
	t.mu.Unlock()

	_ = t.update(ctx, models.RunPatch{Progress: snapshot})
}

// Result stores a finished behavior's result and its warning
func (t *recordTracker) Result(ctx context.Context, result *models.BehaviorResult) {
	t.mu.Lock()
	t.results[result.Behavior] = result.Clone()
	snapshot := make(map[models.BehaviorName]*models.BehaviorResult, len(t.results))
	for k, v := range t.results {
		snapshot[k] = v.Clone()
	}
	t.mu.Unlock()

	_ = t.update(ctx, models.RunPatch{Results: snapshot, Warning: result.Warning})
}
