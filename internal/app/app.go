// -----------------------------------------------------------------------
// App - composition root for the orchestrator and the isolated worker
// -----------------------------------------------------------------------

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/behaviors"
	"github.com/ternarybob/autopilot/internal/common"
	"github.com/ternarybob/autopilot/internal/interfaces"
	"github.com/ternarybob/autopilot/internal/models"
	"github.com/ternarybob/autopilot/internal/services/classifier"
	"github.com/ternarybob/autopilot/internal/services/events"
	"github.com/ternarybob/autopilot/internal/services/isolation"
	"github.com/ternarybob/autopilot/internal/services/metrics"
	"github.com/ternarybob/autopilot/internal/services/pacing"
	"github.com/ternarybob/autopilot/internal/services/provisioner"
	"github.com/ternarybob/autopilot/internal/services/scheduler"
	"github.com/ternarybob/autopilot/internal/services/sessions"
	"github.com/ternarybob/autopilot/internal/storage"
	"github.com/ternarybob/autopilot/internal/storage/evidence"
)

// App holds all orchestrator components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Storage    interfaces.RunStorage
	Evidence   *evidence.FSStore
	Classifier *classifier.Classifier

	// Event-driven services
	EventService     *events.Service
	SchedulerService *scheduler.Service
	Metrics          *metrics.Recorder
	MetricsRegistry  *prometheus.Registry

	// Session control
	Registry       *sessions.Registry
	SessionService *sessions.Service

	ctx       context.Context
	cancelCtx context.CancelFunc
	done      chan error
}

// New initializes the orchestrator. configPaths are forwarded to isolated
// workers so they load the same configuration.
func New(config *common.Config, logger arbor.ILogger, configPaths []string) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		Config:     config,
		Logger:     logger,
		Classifier: classifier.New(logger),
		ctx:        ctx,
		cancelCtx:  cancel,
	}

	if err := a.initStorage(); err != nil {
		cancel()
		return nil, err
	}

	if err := a.initEvents(); err != nil {
		a.closeStorage()
		cancel()
		return nil, err
	}

	if err := a.initSessions(configPaths); err != nil {
		a.closeStorage()
		cancel()
		return nil, err
	}

	if err := a.initScheduler(); err != nil {
		a.closeStorage()
		cancel()
		return nil, err
	}

	logger.Info().
		Str("mode", config.Execution.Mode).
		Str("storage", config.Storage.Type).
		Str("provisioner", config.Provisioner.Type).
		Int("campaigns", len(config.Campaigns)).
		Msg("Application initialized")

	return a, nil
}

func (a *App) initStorage() error {
	runStorage, err := storage.NewRunStorage(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to initialize run storage: %w", err)
	}
	a.Storage = runStorage

	store, err := evidence.NewFSStore(a.Config.Evidence.Dir)
	if err != nil {
		return fmt.Errorf("failed to initialize evidence store: %w", err)
	}
	a.Evidence = store
	return nil
}

func (a *App) initEvents() error {
	a.EventService = events.NewService(a.Logger)
	if err := events.SubscribeLoggerToAllEvents(a.EventService, a.Logger); err != nil {
		return fmt.Errorf("failed to subscribe audit logger: %w", err)
	}

	a.MetricsRegistry = prometheus.NewRegistry()
	a.MetricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.NewRecorder(a.MetricsRegistry, a.Logger)
	if err := a.Metrics.Subscribe(a.EventService); err != nil {
		return err
	}
	return nil
}

func (a *App) initSessions(configPaths []string) error {
	cfg := a.Config
	a.Registry = sessions.NewRegistry(a.Logger,
		sessions.WithRetention(common.MustDuration(cfg.Execution.Retention, sessions.DefaultRetention)),
	)

	serviceConfig := sessions.ServiceConfig{
		Registry:   a.Registry,
		Storage:    a.Storage,
		Events:     a.EventService,
		Classifier: a.Classifier,
		Mode:       models.ExecutionMode(cfg.Execution.Mode),
		Logger:     a.Logger,
	}

	switch serviceConfig.Mode {
	case models.ExecutionModeIsolated:
		runner, err := isolation.NewRunner(isolation.RunnerConfig{
			Binary:       cfg.Execution.WorkerBinary,
			ConfigPaths:  configPaths,
			PollInterval: common.MustDuration(cfg.Execution.RecordPollInterval, isolation.DefaultPollInterval),
			StopGrace:    common.MustDuration(cfg.Execution.StopGrace, isolation.DefaultStopGrace),
			Storage:      a.Storage,
			Classifier:   a.Classifier,
			Logger:       a.Logger,
		})
		if err != nil {
			return err
		}
		serviceConfig.Launcher = runner
	default:
		pipeline, err := NewPipeline(cfg, a.Logger, a.Evidence, a.Classifier)
		if err != nil {
			return err
		}
		serviceConfig.Pipeline = pipeline
	}

	svc, err := sessions.NewService(serviceConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize session service: %w", err)
	}
	a.SessionService = svc
	return nil
}

func (a *App) initScheduler() error {
	a.SchedulerService = scheduler.NewService(a.Logger)
	if err := scheduler.RegisterSweep(a.SchedulerService, a.Config.Execution.SweepSchedule, a.SessionService, a.Logger); err != nil {
		return fmt.Errorf("failed to register session sweep: %w", err)
	}
	if _, err := scheduler.RegisterCampaigns(a.SchedulerService, a.SessionService, a.Config.Campaigns, a.Logger); err != nil {
		return fmt.Errorf("failed to register campaigns: %w", err)
	}
	return nil
}

// NewPipeline builds the session pipeline from configuration. It is shared
// by the in-process orchestrator and the isolated worker.
func NewPipeline(config *common.Config, logger arbor.ILogger, store interfaces.EvidenceStore, cls *classifier.Classifier) (*sessions.Pipeline, error) {
	pacer, err := pacing.NewSchedulerFromConfig(config.Pacing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize pacing: %w", err)
	}

	prov, err := provisioner.New(config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize provisioner: %w", err)
	}

	return sessions.NewPipeline(sessions.PipelineConfig{
		Provisioner: prov,
		Behaviors:   behaviors.NewSet(config.Target),
		Pacer:       pacer,
		Classifier:  cls,
		Evidence:    store,
		Target:      config.Target,
		AuthCheck:   config.Target.AuthCheck,
		Logger:      logger,
	}), nil
}

// Start runs the long-lived orchestrator: it reconciles runs left by a
// previous process, starts the scheduler and the metrics listener. One-shot
// commands skip it so they never touch runs owned by a running server.
func (a *App) Start() error {
	adopted, failed, err := a.SessionService.Reconcile(a.ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to reconcile unfinished runs")
	} else if adopted > 0 || failed > 0 {
		a.Logger.Info().Int("adopted", adopted).Int("failed", failed).Msg("Unfinished runs reconciled")
	}

	if err := a.SchedulerService.Start(); err != nil {
		return err
	}

	if a.Config.Metrics.Addr != "" {
		a.done = make(chan error, 1)
		common.SafeGo(a.Logger, "metrics-listener", func() {
			a.done <- metrics.Serve(a.ctx, a.Config.Metrics.Addr, a.MetricsRegistry, a.Logger)
		})
	}
	return nil
}

// Close stops sessions, the scheduler and the listener, then releases storage
func (a *App) Close() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if err := a.SchedulerService.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := a.SessionService.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	a.cancelCtx()
	if a.done != nil {
		if err := <-a.done; err != nil {
			errs = append(errs, err)
		}
	}

	if err := a.EventService.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.closeStorage(); err != nil {
		errs = append(errs, err)
	}

	a.Logger.Info().
		Int("goroutines_spawned", int(common.GetGoroutineCount())).
		Msg("Application closed")
	return errors.Join(errs...)
}

func (a *App) closeStorage() error {
	if a.Storage == nil {
		return nil
	}
	err := a.Storage.Close()
	a.Storage = nil
	return err
}

// RunWorker is the body of `autopilot worker`: it executes one isolated run
// and returns the process exit code
func RunWorker(ctx context.Context, config *common.Config, logger arbor.ILogger, runID, resourceID string) int {
	runStorage, err := storage.NewRunStorage(logger, config)
	if err != nil {
		logger.Error().Err(err).Msg("Worker failed to open run storage")
		return isolation.ExitNoInput
	}
	defer runStorage.Close()

	store, err := evidence.NewFSStore(config.Evidence.Dir)
	if err != nil {
		logger.Error().Err(err).Msg("Worker failed to open evidence store")
		return isolation.ExitNoInput
	}

	cls := classifier.New(logger)
	pipeline, err := NewPipeline(config, logger, store, cls)
	if err != nil {
		logger.Error().Err(err).Msg("Worker failed to build pipeline")
		return isolation.ExitNoInput
	}

	return isolation.RunWorker(ctx, isolation.WorkerConfig{
		Storage:      runStorage,
		Pipeline:     pipeline,
		Classifier:   cls,
		PollInterval: common.MustDuration(config.Execution.RecordPollInterval, isolation.DefaultPollInterval),
		Logger:       logger,
	}, runID, resourceID)
}
