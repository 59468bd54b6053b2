package isolation

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/models"
	"github.com/ternarybob/autopilot/internal/services/sessions"
)

// resultMark identifies a result revision so unchanged results are not re-applied
type resultMark struct {
	achieved int
	errors   int
	fatal    bool
}

// watch mirrors one worker's record into the registry until the worker exits
type watch struct {
	runner  *Runner
	session *models.Session
	pid     int
	tracker *sessions.SessionTracker
	kill    func() error
	probe   bool // no exit channel; detect death by pid
	logger  arbor.ILogger

	running bool
	results map[models.BehaviorName]resultMark
}

func (r *Runner) newWatch(session *models.Session, pid int, tracker *sessions.SessionTracker, kill func() error) *watch {
	return &watch{
		runner:  r,
		session: session,
		pid:     pid,
		tracker: tracker,
		kill:    kill,
		logger:  r.config.Logger.WithCorrelationId(session.ID),
		running: session.State == models.SessionStateRunning,
		results: make(map[models.BehaviorName]resultMark),
	}
}

func (w *watch) run(ctx context.Context, stop context.Context, exited <-chan int) {
	ticker := time.NewTicker(w.runner.config.PollInterval)
	defer ticker.Stop()

	stopDone := stop.Done()
	var grace <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Int("pid", w.pid).Msg("Orchestrator shutting down, worker left running")
			return

		case <-stopDone:
			stopDone = nil
			timer := time.NewTimer(w.runner.config.StopGrace)
			defer timer.Stop()
			grace = timer.C

		case <-grace:
			grace = nil
			w.logger.Warn().
				Int("pid", w.pid).
				Dur("grace", w.runner.config.StopGrace).
				Msg("Worker ignored stop request, killing it")
			if err := w.kill(); err != nil {
				w.logger.Warn().Err(err).Int("pid", w.pid).Msg("Failed to kill worker")
			}

		case code := <-exited:
			w.finish(ctx, code)
			return

		case <-ticker.C:
			w.sync(ctx)
			if w.probe && !processAlive(w.pid) {
				w.finish(ctx, -1)
				return
			}
		}
	}
}

// sync reads the record once and forwards anything new to the tracker
func (w *watch) sync(ctx context.Context) *models.RunRecord {
	record, err := w.runner.config.Storage.Get(ctx, w.session.RunID)
	if err != nil {
		w.logger.Debug().Err(err).Str("run_id", w.session.RunID).Msg("Run record not readable")
		return nil
	}

	if !w.running && record.StartedAt != nil {
		w.running = true
		if err := w.tracker.MarkRunning(ctx); err != nil {
			w.logger.Debug().Err(err).Msg("Registry did not accept running state")
		}
	}

	for name, p := range record.Progress {
		if p != nil && p.Achieved > 0 {
			w.tracker.Progress(ctx, name, p.Achieved)
		}
	}

	for name, result := range record.Results {
		if result == nil {
			continue
		}
		mark := resultMark{achieved: result.AchievedCount, errors: len(result.Errors), fatal: result.Fatal}
		if prev, ok := w.results[name]; ok && prev == mark {
			continue
		}
		w.results[name] = mark
		w.tracker.Result(ctx, result)
	}

	return record
}

func (w *watch) finish(ctx context.Context, code int) {
	record := w.sync(ctx)

	outcome, patch := Settle(record, code, w.runner.config.Classifier, w.tracker.Stamp())
	if patch != nil {
		w.logger.Warn().
			Int("pid", w.pid).
			Int("exit_code", code).
			Str("state", string(outcome.State)).
			Msg("Worker exited without writing an outcome")
		if _, err := w.runner.config.Storage.Update(context.WithoutCancel(ctx), w.session.RunID, *patch); err != nil {
			w.logger.Error().Err(err).Str("run_id", w.session.RunID).Msg("Failed to write outcome for exited worker")
		}
	}

	w.logger.Info().
		Int("pid", w.pid).
		Int("exit_code", code).
		Str("state", string(outcome.State)).
		Msg("Worker exited")

	w.tracker.Finish(ctx, outcome)
}
