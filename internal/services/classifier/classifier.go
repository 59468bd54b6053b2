// -----------------------------------------------------------------------
// Error Classifier - maps raw failures onto the closed error taxonomy
// -----------------------------------------------------------------------

package classifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/models"
)

// Pipeline stages a failure can be raised from
const (
	StageAcquireHandle = "acquire_handle"
	StageAuthCheck     = "auth_check"
	StageNavigate      = "navigate"
	StageFindButtons   = "find_buttons"
	StageActivate      = "activate"
	StageScroll        = "scroll"
	StageMutation      = "mutation"
	StageUIFallback    = "ui_fallback"
	StageGroupCreation = "group_creation"
	StagePanic         = "panic"
	StageProcessExit   = "process_exit"
	StageSpawnWorker   = "spawn_worker"
)

// MessageProcessExited is used when a worker dies without writing an outcome
const MessageProcessExited = "process exited unexpectedly"

var stageTypes = map[string]models.ErrorType{
	StageAcquireHandle: models.ErrorTypeProfile,
	StageAuthCheck:     models.ErrorTypeAuthentication,
	StageNavigate:      models.ErrorTypeNavigation,
	StageMutation:      models.ErrorTypeAPI,
	StageGroupCreation: models.ErrorTypeGroupCreation,
	StageFindButtons:   models.ErrorTypeScript,
	StageActivate:      models.ErrorTypeScript,
	StageScroll:        models.ErrorTypeScript,
	StageUIFallback:    models.ErrorTypeScript,
	StagePanic:         models.ErrorTypeScript,
}

// StageError forces a classification regardless of the stage it is
// classified under
type StageError struct {
	Stage string
	Type  models.ErrorType
	Err   error
}

// Force wraps err so Classify reports it as t
func Force(t models.ErrorType, stage string, err error) error {
	return &StageError{Stage: stage, Type: t, Err: err}
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s at %s", e.Type, e.Stage)
	}
	return e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Capturer takes a labelled screenshot of a live handle and returns its path
type Capturer interface {
	Capture(ctx context.Context, label string) (string, error)
}

// IsFatal reports whether errors of type t always halt the pipeline
func IsFatal(t models.ErrorType) bool {
	switch t {
	case models.ErrorTypeAuthentication,
		models.ErrorTypeNavigation,
		models.ErrorTypeProfile,
		models.ErrorTypeGroupCreation:
		return true
	}
	return false
}

// TypeForStage returns the taxonomy entry for a stage
func TypeForStage(stage string) models.ErrorType {
	if t, ok := stageTypes[stage]; ok {
		return t
	}
	return models.ErrorTypeUnknown
}

// Classifier builds ErrorRecords
type Classifier struct {
	logger arbor.ILogger
	now    func() time.Time
}

// Option configures a Classifier
type Option func(*Classifier)

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// New creates a classifier
func New(logger arbor.ILogger, opts ...Option) *Classifier {
	c := &Classifier{logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify maps raw to a record. evidence is nil when the handle is not
// live; otherwise a screenshot is attached on a best-effort basis.
func (c *Classifier) Classify(ctx context.Context, stage string, raw error, evidence Capturer) *models.ErrorRecord {
	errorType := TypeForStage(stage)
	message := ""
	if raw != nil {
		message = raw.Error()
	}

	var forced *StageError
	if errors.As(raw, &forced) {
		if forced.Type.IsValid() {
			errorType = forced.Type
		}
		if forced.Stage != "" {
			stage = forced.Stage
		}
	}

	var existing *models.ErrorRecord
	if errors.As(raw, &existing) && existing.Type.IsValid() {
		errorType = existing.Type
		message = existing.Message
	}

	if message == "" {
		message = string(errorType)
	}

	record := models.NewErrorRecord(errorType, stage, message)
	record.Timestamp = c.now()

	if evidence != nil {
		path, err := evidence.Capture(ctx, "error-"+stage)
		if err != nil {
			c.logger.Debug().Err(err).Str("stage", stage).Msg("Screenshot for error record failed")
		} else {
			record.Screenshot = path
		}
	}

	c.logger.Warn().
		Str("stage", stage).
		Str("error_type", string(record.Type)).
		Bool("fatal", IsFatal(record.Type)).
		Str("screenshot", record.Screenshot).
		Msg(record.Message)

	return record
}

// ProcessExited is the record written when a worker exits without an outcome
func (c *Classifier) ProcessExited(exitCode int) *models.ErrorRecord {
	record := models.NewErrorRecord(models.ErrorTypeUnknown, StageProcessExit, MessageProcessExited)
	if exitCode != 0 {
		record.Message = fmt.Sprintf("%s (exit code %d)", MessageProcessExited, exitCode)
	}
	record.Timestamp = c.now()
	return record
}

// Panic converts a recovered panic value into a SCRIPT_ERROR record
func (c *Classifier) Panic(ctx context.Context, recovered any, evidence Capturer) *models.ErrorRecord {
	return c.Classify(ctx, StagePanic, fmt.Errorf("panic: %v", recovered), evidence)
}
