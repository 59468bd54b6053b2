// -----------------------------------------------------------------------
// Isolated Runner - spawns detached workers and follows their run records
// -----------------------------------------------------------------------

package isolation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/interfaces"
	"github.com/ternarybob/autopilot/internal/models"
	"github.com/ternarybob/autopilot/internal/services/classifier"
	"github.com/ternarybob/autopilot/internal/services/sessions"
)

const (
	DefaultPollInterval = time.Second
	DefaultStopGrace    = 2 * time.Minute
)

// RunnerConfig wires a Runner
type RunnerConfig struct {
	Binary       string   // worker executable; defaults to the running executable
	Args         []string // inserted before the worker sub-command
	ConfigPaths  []string // forwarded to the worker as --config
	Env          []string // appended to the inherited environment
	PollInterval time.Duration
	StopGrace    time.Duration // how long a stopped worker may run before it is killed
	Storage      interfaces.RunStorage
	Classifier   *classifier.Classifier
	Logger       arbor.ILogger
}

// Runner launches each session as `<binary> worker --run ID --resource R`
// and mirrors the worker's run record into the orchestrator's registry.
// The worker is never contacted directly.
type Runner struct {
	config RunnerConfig
}

var _ sessions.Launcher = (*Runner)(nil)

// NewRunner creates a runner
func NewRunner(config RunnerConfig) (*Runner, error) {
	if config.Storage == nil {
		return nil, errors.New("isolated runner requires run storage")
	}
	if config.Binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve worker binary: %w", err)
		}
		config.Binary = exe
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.StopGrace <= 0 {
		config.StopGrace = DefaultStopGrace
	}
	if config.Classifier == nil {
		config.Classifier = classifier.New(config.Logger)
	}
	return &Runner{config: config}, nil
}

// WorkerArgs builds the command line of the worker for one run
func (r *Runner) WorkerArgs(runID, resourceID string) []string {
	args := append([]string(nil), r.config.Args...)
	args = append(args, "worker", "--run", runID, "--resource", resourceID)
	for _, path := range r.config.ConfigPaths {
		args = append(args, "--config", path)
	}
	return args
}

// Launch spawns the worker and starts watching its record
func (r *Runner) Launch(ctx context.Context, session *models.Session, stop context.Context, tracker *sessions.SessionTracker) error {
	logger := r.config.Logger.WithCorrelationId(session.ID)

	cmd := exec.Command(r.config.Binary, r.WorkerArgs(session.RunID, session.ResourceID)...)
	cmd.Env = append(os.Environ(), r.config.Env...)
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn worker: %w", err)
	}
	pid := cmd.Process.Pid

	if _, err := r.config.Storage.Update(ctx, session.RunID, models.RunPatch{PID: &pid}); err != nil {
		logger.Warn().Err(err).Int("pid", pid).Msg("Failed to record worker pid")
	}

	logger.Info().
		Str("resource_id", session.ResourceID).
		Str("run_id", session.RunID).
		Int("pid", pid).
		Msg("Worker spawned")

	exited := make(chan int, 1)
	go func() {
		exited <- exitCode(cmd.Wait())
	}()

	w := r.newWatch(session, pid, tracker, func() error { return cmd.Process.Kill() })
	go w.run(ctx, stop, exited)
	return nil
}

// Watch follows a worker spawned by a previous orchestrator. Its exit code
// is unknown, so death is detected by probing the pid.
func (r *Runner) Watch(ctx context.Context, session *models.Session, pid int, stop context.Context, tracker *sessions.SessionTracker) {
	kill := func() error {
		p, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		return p.Kill()
	}
	w := r.newWatch(session, pid, tracker, kill)
	w.probe = true
	go w.run(ctx, stop, nil)
}

// Alive reports whether pid is still running
func (r *Runner) Alive(pid int) bool {
	return processAlive(pid)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Settle decides the final outcome once the worker is gone. A terminal
// record written by the worker always wins, and a run whose stop was
// requested settles stopped. Otherwise exit code 0 means completed and
// anything else is an unexpected exit; patch is what the orchestrator must
// write on the dead worker's behalf.
func Settle(record *models.RunRecord, code int, cls *classifier.Classifier, now time.Time) (outcome sessions.Outcome, patch *models.RunPatch) {
	if record != nil && record.IsTerminal() {
		return sessions.Outcome{State: record.Status, Error: record.Error}, nil
	}

	ended := now
	if record != nil && record.StopRequested {
		return sessions.Outcome{State: models.SessionStateStopped}, &models.RunPatch{
			Status:  models.StatePtr(models.SessionStateStopped),
			EndedAt: &ended,
		}
	}
	if code == 0 {
		return sessions.Outcome{State: models.SessionStateCompleted}, &models.RunPatch{
			Status:  models.StatePtr(models.SessionStateCompleted),
			EndedAt: &ended,
		}
	}

	errorRecord := cls.ProcessExited(code)
	if record != nil && record.Error != nil {
		errorRecord = record.Error
	}
	return sessions.Outcome{State: models.SessionStateError, Error: errorRecord}, &models.RunPatch{
		Status:  models.StatePtr(models.SessionStateError),
		Error:   errorRecord,
		EndedAt: &ended,
	}
}
