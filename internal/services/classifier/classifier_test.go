package classifier

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/models"
)

type stubCapturer struct {
	path   string
	err    error
	labels []string
}

func (s *stubCapturer) Capture(ctx context.Context, label string) (string, error) {
	s.labels = append(s.labels, label)
	return s.path, s.err
}

func newTestClassifier() *Classifier {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return New(arbor.NewLogger(), WithClock(func() time.Time { return fixed }))
}

func TestClassify_StageMapping(t *testing.T) {
	tests := []struct {
		stage string
		want  models.ErrorType
		fatal bool
	}{
		{StageAcquireHandle, models.ErrorTypeProfile, true},
		{StageAuthCheck, models.ErrorTypeAuthentication, true},
		{StageNavigate, models.ErrorTypeNavigation, true},
		{StageMutation, models.ErrorTypeAPI, false},
		{StageGroupCreation, models.ErrorTypeGroupCreation, true},
		{StageFindButtons, models.ErrorTypeScript, false},
		{StageActivate, models.ErrorTypeScript, false},
		{StagePanic, models.ErrorTypeScript, false},
		{"something_else", models.ErrorTypeUnknown, false},
	}

	c := newTestClassifier()
	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			record := c.Classify(context.Background(), tt.stage, errors.New("raw failure"), nil)
			assert.Equal(t, tt.want, record.Type)
			assert.Equal(t, tt.stage, record.Stage)
			assert.Equal(t, "raw failure", record.Message)
			assert.NotEmpty(t, record.RecommendedAction)
			assert.Equal(t, tt.fatal, IsFatal(record.Type))
		})
	}
}

func TestClassify_AttachesScreenshotWhenLive(t *testing.T) {
	c := newTestClassifier()
	capturer := &stubCapturer{path: "res/123/error-navigate-1.png"}

	record := c.Classify(context.Background(), StageNavigate, errors.New("timeout"), capturer)

	assert.Equal(t, "res/123/error-navigate-1.png", record.Screenshot)
	assert.Equal(t, []string{"error-navigate"}, capturer.labels)
}

func TestClassify_ScreenshotFailureIsIgnored(t *testing.T) {
	c := newTestClassifier()
	record := c.Classify(context.Background(), StageActivate, errors.New("x"), &stubCapturer{err: errors.New("handle gone")})

	assert.Empty(t, record.Screenshot)
	assert.Equal(t, models.ErrorTypeScript, record.Type)
}

func TestClassify_ForcedType(t *testing.T) {
	c := newTestClassifier()
	raw := fmt.Errorf("wrapped: %w", Force(models.ErrorTypeGroupCreation, StageGroupCreation, errors.New("both paths failed")))

	record := c.Classify(context.Background(), StageUIFallback, raw, nil)

	assert.Equal(t, models.ErrorTypeGroupCreation, record.Type)
	assert.Equal(t, StageGroupCreation, record.Stage)
	assert.True(t, IsFatal(record.Type))
}

func TestClassify_KeepsExistingRecord(t *testing.T) {
	c := newTestClassifier()
	existing := models.NewErrorRecord(models.ErrorTypeAuthentication, StageAuthCheck, "login form visible")

	record := c.Classify(context.Background(), "other", existing, nil)

	assert.Equal(t, models.ErrorTypeAuthentication, record.Type)
	assert.Equal(t, "login form visible", record.Message)
}

func TestClassify_NilErrorStillRecommends(t *testing.T) {
	record := newTestClassifier().Classify(context.Background(), "", nil, nil)
	assert.Equal(t, models.ErrorTypeUnknown, record.Type)
	assert.NotEmpty(t, record.Message)
	assert.Equal(t, models.RecommendedAction(models.ErrorTypeUnknown), record.RecommendedAction)
}

func TestProcessExited(t *testing.T) {
	c := newTestClassifier()

	record := c.ProcessExited(137)
	require.NotNil(t, record)
	assert.Equal(t, models.ErrorTypeUnknown, record.Type)
	assert.Contains(t, record.Message, MessageProcessExited)
	assert.Contains(t, record.Message, "137")
	assert.NotEmpty(t, record.RecommendedAction)
}

func TestPanic(t *testing.T) {
	record := newTestClassifier().Panic(context.Background(), "nil map", nil)
	assert.Equal(t, models.ErrorTypeScript, record.Type)
	assert.Equal(t, "panic: nil map", record.Message)
}
