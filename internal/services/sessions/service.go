// -----------------------------------------------------------------------
// Session Service - public control surface of the orchestrator
// -----------------------------------------------------------------------

package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/common"
	"github.com/ternarybob/autopilot/internal/interfaces"
	"github.com/ternarybob/autopilot/internal/models"
	"github.com/ternarybob/autopilot/internal/services/classifier"
)

// ErrInvalidRequest wraps every validation failure of StartRequest
var ErrInvalidRequest = errors.New("invalid start request")

// StartRequest is the input of StartSession
type StartRequest struct {
	ResourceID string                `validate:"required,max=128"`
	OwnerID    string                `validate:"required"`
	Behaviors  models.BehaviorConfig
}

// Launcher runs sessions in a detached worker process
type Launcher interface {
	// Launch spawns the worker for a session whose record already exists and
	// returns once the worker is running. The tracker receives the updates
	// read back from the record; stop is cancelled by StopSession.
	Launch(ctx context.Context, session *models.Session, stop context.Context, tracker *SessionTracker) error

	// Watch re-attaches to a worker left running by a previous orchestrator
	Watch(ctx context.Context, session *models.Session, pid int, stop context.Context, tracker *SessionTracker)

	// Alive reports whether pid is still a running process
	Alive(pid int) bool
}

// ServiceConfig wires a Service
type ServiceConfig struct {
	Registry   *Registry
	Pipeline   *Pipeline
	Storage    interfaces.RunStorage
	Events     interfaces.EventService
	Classifier *classifier.Classifier
	Launcher   Launcher // required for isolated mode
	Mode       models.ExecutionMode
	Logger     arbor.ILogger
}

// Service implements startSession, stopSession, getSessionStatus and
// listActiveSessions on top of the registry
type Service struct {
	registry   *Registry
	pipeline   *Pipeline
	storage    interfaces.RunStorage
	events     interfaces.EventService
	classifier *classifier.Classifier
	launcher   Launcher
	mode       models.ExecutionMode
	logger     arbor.ILogger
	validate   *validator.Validate

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates the session service
func NewService(config ServiceConfig) (*Service, error) {
	if config.Registry == nil {
		return nil, errors.New("session service requires a registry")
	}
	if config.Mode == "" {
		config.Mode = models.ExecutionModeInProcess
	}
	switch config.Mode {
	case models.ExecutionModeInProcess:
		if config.Pipeline == nil {
			return nil, errors.New("in-process mode requires a pipeline")
		}
	case models.ExecutionModeIsolated:
		if config.Launcher == nil {
			return nil, errors.New("isolated mode requires a launcher")
		}
		if config.Storage == nil {
			return nil, errors.New("isolated mode requires run storage")
		}
	default:
		return nil, fmt.Errorf("unknown execution mode %q", config.Mode)
	}
	if config.Classifier == nil {
		config.Classifier = classifier.New(config.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		registry:   config.Registry,
		pipeline:   config.Pipeline,
		storage:    config.Storage,
		events:     config.Events,
		classifier: config.Classifier,
		launcher:   config.Launcher,
		mode:       config.Mode,
		logger:     config.Logger,
		validate:   validator.New(),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Mode returns the execution mode sessions are started in
func (s *Service) Mode() models.ExecutionMode {
	return s.mode
}

func (s *Service) checkRequest(req StartRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	seen := make(map[models.BehaviorName]bool)
	for _, step := range req.Behaviors.Steps {
		if !step.Name.IsValid() {
			return fmt.Errorf("%w: unknown behavior %q", ErrInvalidRequest, step.Name)
		}
		if seen[step.Name] {
			return fmt.Errorf("%w: behavior %q listed twice", ErrInvalidRequest, step.Name)
		}
		seen[step.Name] = true
	}
	if len(req.Behaviors.EnabledSteps()) == 0 {
		return fmt.Errorf("%w: no behavior is enabled with a positive count", ErrInvalidRequest)
	}
	return nil
}

// StartSession registers a pending session and starts its pipeline in the
// background. It returns as soon as the session is registered.
func (s *Service) StartSession(ctx context.Context, req StartRequest) (*models.Session, error) {
	if err := s.checkRequest(req); err != nil {
		return nil, err
	}

	session, stop, err := s.registry.Start(req.ResourceID, req.OwnerID, req.Behaviors, s.mode)
	if err != nil {
		return nil, err
	}

	logger := s.logger.WithCorrelationId(session.ID)
	logger.Info().
		Str("resource_id", session.ResourceID).
		Str("owner_id", session.OwnerID).
		Str("run_id", session.RunID).
		Str("mode", string(session.Mode)).
		Msg("Session started")

	tracker := s.newTracker(session, s.mode == models.ExecutionModeInProcess)

	if s.storage != nil {
		if err := s.storage.Create(ctx, models.NewRunRecord(session)); err != nil {
			if s.mode == models.ExecutionModeIsolated {
				// The worker reads its session from the record
				tracker.Finish(ctx, Outcome{
					State: models.SessionStateError,
					Error: s.classifier.Classify(ctx, classifier.StageSpawnWorker, fmt.Errorf("create run record: %w", err), nil),
				})
				return nil, fmt.Errorf("create run record: %w", err)
			}
			logger.Warn().Err(err).Str("run_id", session.RunID).Msg("Failed to create run record, continuing without history")
		}
	}

	tracker.publish(ctx, interfaces.EventSessionStarted, tracker.event(models.SessionStatePending))

	if s.mode == models.ExecutionModeIsolated {
		if err := s.launcher.Launch(s.ctx, session, stop, tracker); err != nil {
			tracker.Finish(ctx, Outcome{
				State: models.SessionStateError,
				Error: s.classifier.Classify(ctx, classifier.StageSpawnWorker, err, nil),
			})
		}
		return session.Clone(), nil
	}

	s.runInProcess(session, stop, tracker)
	return session.Clone(), nil
}

func (s *Service) runInProcess(session *models.Session, stop context.Context, tracker *SessionTracker) {
	s.wg.Add(1)
	var once sync.Once
	done := func() { once.Do(s.wg.Done) }

	common.SafeGoWithRecover(s.logger, "session:"+session.ID, func() {
		defer done()
		outcome := s.pipeline.Run(s.ctx, stop, session, tracker)
		tracker.Finish(s.ctx, outcome)
	}, func(recovered interface{}, _ string) {
		defer done()
		tracker.Finish(s.ctx, Outcome{
			State: models.SessionStateError,
			Error: s.classifier.Panic(s.ctx, recovered, nil),
		})
	})
}

// StopSession requests a cooperative stop. The session reads stopped at
// once; the pipeline halts at its next checkpoint. Stopping a terminal
// session is acknowledged without change.
func (s *Service) StopSession(ctx context.Context, resourceID string) (*models.Session, error) {
	wasTerminal := false
	if current, err := s.registry.Get(resourceID); err == nil {
		wasTerminal = current.State.IsTerminal()
	}

	session, err := s.registry.Stop(resourceID)
	if err != nil {
		return nil, err
	}
	if wasTerminal {
		return session, nil
	}

	s.logger.WithCorrelationId(session.ID).Info().
		Str("resource_id", resourceID).
		Msg("Session stop requested")

	if s.storage != nil {
		requested := true
		if _, err := s.storage.Update(ctx, session.RunID, models.RunPatch{StopRequested: &requested}); err != nil {
			s.logger.Warn().Err(err).Str("run_id", session.RunID).Msg("Failed to persist stop request")
		}
	}
	return session, nil
}

// GetSessionStatus returns the status view of the session for resourceID
func (s *Service) GetSessionStatus(resourceID string) (*models.SessionStatus, error) {
	session, err := s.registry.Get(resourceID)
	if err != nil {
		return nil, err
	}
	return session.Status(s.registry.Now()), nil
}

// ListActiveSessions returns every session that is pending or running
func (s *Service) ListActiveSessions() []models.SessionSummary {
	active := s.registry.ListActive()
	out := make([]models.SessionSummary, 0, len(active))
	for _, session := range active {
		out = append(out, session.Summary())
	}
	return out
}

// History returns the durable records of past and current runs, newest first
func (s *Service) History(ctx context.Context, resourceID string, limit int) ([]*models.RunRecord, error) {
	if s.storage == nil {
		return nil, errors.New("run storage is not configured")
	}
	return s.storage.List(ctx, interfaces.RunListOptions{ResourceID: resourceID, Limit: limit})
}

// GetRun returns one durable run record
func (s *Service) GetRun(ctx context.Context, runID string) (*models.RunRecord, error) {
	if s.storage == nil {
		return nil, errors.New("run storage is not configured")
	}
	return s.storage.Get(ctx, runID)
}

// AwaitSession polls until the session for resourceID is terminal or ctx is done
func (s *Service) AwaitSession(ctx context.Context, resourceID string, poll time.Duration) (*models.SessionStatus, error) {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		status, err := s.GetSessionStatus(resourceID)
		if err != nil {
			return nil, err
		}
		if status.State.IsTerminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep evicts terminal sessions past their retention window
func (s *Service) Sweep() int {
	return s.registry.Sweep()
}

// Reconcile resolves run records left non-terminal by a previous
// orchestrator process. Isolated workers that are still alive are adopted
// and watched; every other record is failed as an unexpected exit.
func (s *Service) Reconcile(ctx context.Context) (adopted, failed int, err error) {
	if s.storage == nil {
		return 0, 0, nil
	}

	records, err := s.storage.List(ctx, interfaces.RunListOptions{
		Statuses: []models.SessionState{models.SessionStatePending, models.SessionStateRunning},
	})
	if err != nil {
		return 0, 0, fmt.Errorf("list unfinished runs: %w", err)
	}

	for _, record := range records {
		logger := s.logger.WithCorrelationId(record.SessionID)

		if record.Mode == models.ExecutionModeIsolated && s.launcher != nil && record.PID > 0 && s.launcher.Alive(record.PID) {
			session := record.Session()
			stop, err := s.registry.Adopt(session)
			if err != nil {
				logger.Warn().Err(err).Str("resource_id", record.ResourceID).Msg("Cannot adopt live worker")
				continue
			}
			if record.StopRequested {
				if _, err := s.registry.Stop(record.ResourceID); err != nil {
					logger.Warn().Err(err).Msg("Failed to re-apply stop request")
				}
			}
			s.launcher.Watch(s.ctx, session, record.PID, stop, s.newTracker(session, false))
			logger.Info().
				Str("resource_id", record.ResourceID).
				Int("pid", record.PID).
				Msg("Adopted running worker")
			adopted++
			continue
		}

		now := s.registry.Now()
		patch := models.RunPatch{
			Status:  models.StatePtr(models.SessionStateError),
			Error:   s.classifier.ProcessExited(-1),
			EndedAt: &now,
		}
		if _, err := s.storage.Update(ctx, record.ID, patch); err != nil {
			logger.Warn().Err(err).Str("run_id", record.ID).Msg("Failed to fail orphaned run")
			continue
		}
		logger.Warn().
			Str("resource_id", record.ResourceID).
			Str("run_id", record.ID).
			Str("status", string(record.Status)).
			Msg("Orphaned run marked as error")
		failed++
	}
	return adopted, failed, nil
}

// Shutdown stops every in-process session and waits for the pipelines to
// reach a checkpoint. Detached workers keep running and are adopted by the
// next orchestrator.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.mode == models.ExecutionModeInProcess {
		for _, session := range s.registry.ListActive() {
			if _, err := s.StopSession(ctx, session.ResourceID); err != nil {
				s.logger.Warn().Err(err).Str("resource_id", session.ResourceID).Msg("Failed to stop session on shutdown")
			}
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("sessions did not finish before shutdown deadline: %w", ctx.Err())
	}
}
