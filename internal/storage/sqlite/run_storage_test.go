package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/common"
	"github.com/ternarybob/autopilot/internal/interfaces"
	"github.com/ternarybob/autopilot/internal/models"
)

func testConfig(t *testing.T) *common.SQLiteConfig {
	return &common.SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "runs.db"),
		BusyTimeoutMS: 5000,
		CacheSizeMB:   4,
		WALMode:       true,
	}
}

func newTestRunStorage(t *testing.T, config *common.SQLiteConfig) *RunStorage {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := NewSQLiteDB(logger, config)
	require.NoError(t, err)
	s := NewRunStorage(db, logger)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRecord(id, resource string, created time.Time) *models.RunRecord {
	session := models.NewSession("ses_"+id, resource, "owner", models.BehaviorConfigFromCounts(map[models.BehaviorName]int{
		models.BehaviorCreateGroups: 1,
	}), created)
	session.RunID = id
	session.Mode = models.ExecutionModeIsolated
	return models.NewRunRecord(session)
}

func TestRunStorage_RoundTrip(t *testing.T) {
	s := newTestRunStorage(t, testConfig(t))
	ctx := context.Background()

	record := newRecord("run_1", "profile-a", time.Now())
	require.NoError(t, s.Create(ctx, record))

	got, err := s.Get(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionModeIsolated, got.Mode)
	assert.Equal(t, models.SessionStatePending, got.Status)
	assert.Equal(t, 1, got.Progress[models.BehaviorCreateGroups].Target)
	assert.Len(t, got.Behaviors.Steps, len(models.AllBehaviors))
	assert.Nil(t, got.EndedAt)
	assert.Nil(t, got.Error)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, interfaces.ErrRunNotFound)
}

func TestRunStorage_PatchOnlyTouchesGivenColumns(t *testing.T) {
	config := testConfig(t)
	parent := newTestRunStorage(t, config)
	ctx := context.Background()
	require.NoError(t, parent.Create(ctx, newRecord("run_1", "profile-a", time.Now())))

	// A second connection stands in for the worker process
	worker := newTestRunStorage(t, config)

	stop := true
	_, err := parent.Update(ctx, "run_1", models.RunPatch{StopRequested: &stop})
	require.NoError(t, err)

	progress := map[models.BehaviorName]*models.BehaviorProgress{models.BehaviorCreateGroups: {Achieved: 1, Target: 1}}
	_, err = worker.Update(ctx, "run_1", models.RunPatch{Progress: progress})
	require.NoError(t, err)

	got, err := parent.Get(ctx, "run_1")
	require.NoError(t, err)
	assert.True(t, got.StopRequested)
	assert.Equal(t, 1, got.Progress[models.BehaviorCreateGroups].Achieved)
}

func TestRunStorage_TerminalStatusWins(t *testing.T) {
	s := newTestRunStorage(t, testConfig(t))
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRecord("run_1", "profile-a", time.Now())))

	first := time.Now()
	_, err := s.Update(ctx, "run_1", models.RunPatch{Status: models.StatePtr(models.SessionStateStopped), EndedAt: &first})
	require.NoError(t, err)

	later := first.Add(time.Minute)
	got, err := s.Update(ctx, "run_1", models.RunPatch{
		Status:  models.StatePtr(models.SessionStateCompleted),
		EndedAt: &later,
		Error:   models.NewErrorRecord(models.ErrorTypeUnknown, "process_exit", "process exited unexpectedly"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateStopped, got.Status)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, first.UnixNano(), got.EndedAt.UnixNano())
	require.NotNil(t, got.Error)
	assert.Equal(t, models.ErrorTypeUnknown, got.Error.Type)

	_, err = s.Update(ctx, "missing", models.RunPatch{})
	assert.ErrorIs(t, err, interfaces.ErrRunNotFound)
}

func TestRunStorage_List(t *testing.T) {
	s := newTestRunStorage(t, testConfig(t))
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"run_1", "run_2", "run_3"} {
		resource := "profile-a"
		if id == "run_3" {
			resource = "profile-b"
		}
		require.NoError(t, s.Create(ctx, newRecord(id, resource, base.Add(time.Duration(i)*time.Minute))))
	}
	_, err := s.Update(ctx, "run_1", models.RunPatch{Status: models.StatePtr(models.SessionStateRunning)})
	require.NoError(t, err)

	all, err := s.List(ctx, interfaces.RunListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"run_3", "run_2", "run_1"}, []string{all[0].ID, all[1].ID, all[2].ID})

	forA, err := s.List(ctx, interfaces.RunListOptions{ResourceID: "profile-a", Limit: 1})
	require.NoError(t, err)
	require.Len(t, forA, 1)
	assert.Equal(t, "run_2", forA[0].ID)

	active, err := s.List(ctx, interfaces.RunListOptions{Statuses: []models.SessionState{models.SessionStatePending, models.SessionStateRunning}})
	require.NoError(t, err)
	assert.Len(t, active, 3)

	running, err := s.List(ctx, interfaces.RunListOptions{Statuses: []models.SessionState{models.SessionStateRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "run_1", running[0].ID)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	config := testConfig(t)
	logger := arbor.NewLogger()

	first, err := NewSQLiteDB(logger, config)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLiteDB(logger, config)
	require.NoError(t, err)
	defer second.Close()

	var count int
	require.NoError(t, second.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 2, count)
}
