package sessions

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func counts(m map[models.BehaviorName]int) models.BehaviorConfig {
	return models.BehaviorConfigFromCounts(m)
}

func newTestRegistry(clock *fakeClock) *Registry {
	return NewRegistry(arbor.NewLogger(), WithClock(clock.Now), WithRetention(time.Minute))
}

func TestRegistry_StartRejectsLiveSession(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	cfg := counts(map[models.BehaviorName]int{models.BehaviorJoinGroups: 2})

	first, _, err := r.Start("profile-a", "owner", cfg, models.ExecutionModeInProcess)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatePending, first.State)
	assert.NotEmpty(t, first.RunID)
	assert.Contains(t, first.EvidenceDir, first.RunID)
	assert.Equal(t, 0, first.Progress[models.BehaviorJoinGroups].Achieved)
	assert.Equal(t, 2, first.Progress[models.BehaviorJoinGroups].Target)

	_, _, err = r.Start("profile-a", "owner", cfg, models.ExecutionModeInProcess)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	_, _, err = r.Start("profile-b", "owner", cfg, models.ExecutionModeInProcess)
	assert.NoError(t, err)
}

func TestRegistry_ConcurrentStartsAdmitOne(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	cfg := counts(map[models.BehaviorName]int{models.BehaviorLikeContent: 1})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := r.Start("profile-a", "owner", cfg, models.ExecutionModeInProcess); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}

func TestRegistry_StopCancelsAndIsSticky(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	s, stop, err := r.Start("profile-a", "owner", counts(map[models.BehaviorName]int{models.BehaviorJoinGroups: 1}), models.ExecutionModeInProcess)
	require.NoError(t, err)

	stopped, err := r.Stop("profile-a")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateStopped, stopped.State)
	assert.NotNil(t, stopped.EndedAt)
	assert.Error(t, stop.Err())

	_, err = r.MarkRunning("profile-a", s.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	final, transitioned, err := r.Finish("profile-a", s.ID, models.SessionStateCompleted, nil)
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.Equal(t, models.SessionStateStopped, final.State)

	again, err := r.Stop("profile-a")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateStopped, again.State)
}

func TestRegistry_StopUnknown(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	_, err := r.Stop("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistry_ProgressIsMonotonicAndCapped(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	s, _, err := r.Start("profile-a", "owner", counts(map[models.BehaviorName]int{models.BehaviorJoinGroups: 3}), models.ExecutionModeInProcess)
	require.NoError(t, err)
	_, err = r.MarkRunning("profile-a", s.ID)
	require.NoError(t, err)

	p, changed, err := r.ReportProgress("profile-a", s.ID, models.BehaviorJoinGroups, 2)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, p.Achieved)

	p, changed, err = r.ReportProgress("profile-a", s.ID, models.BehaviorJoinGroups, 1)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 2, p.Achieved)

	p, changed, err = r.ReportProgress("profile-a", s.ID, models.BehaviorJoinGroups, 9)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 3, p.Achieved)

	_, _, err = r.ReportProgress("profile-a", s.ID, models.BehaviorAddFriends, 1)
	assert.Error(t, err)

	_, _, err = r.Finish("profile-a", s.ID, models.SessionStateCompleted, nil)
	require.NoError(t, err)
	_, _, err = r.ReportProgress("profile-a", s.ID, models.BehaviorJoinGroups, 3)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRegistry_ProgressAllowedWhileStopped(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	s, _, err := r.Start("profile-a", "owner", counts(map[models.BehaviorName]int{models.BehaviorJoinGroups: 3}), models.ExecutionModeInProcess)
	require.NoError(t, err)
	_, err = r.MarkRunning("profile-a", s.ID)
	require.NoError(t, err)
	_, err = r.Stop("profile-a")
	require.NoError(t, err)

	_, changed, err := r.ReportProgress("profile-a", s.ID, models.BehaviorJoinGroups, 1)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestRegistry_RetentionEviction(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)
	s, _, err := r.Start("profile-a", "owner", counts(map[models.BehaviorName]int{models.BehaviorJoinGroups: 1}), models.ExecutionModeInProcess)
	require.NoError(t, err)
	_, err = r.MarkRunning("profile-a", s.ID)
	require.NoError(t, err)
	_, _, err = r.Finish("profile-a", s.ID, models.SessionStateCompleted, nil)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	got, err := r.Get("profile-a")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateCompleted, got.State)

	clock.Advance(time.Minute)
	_, err = r.Get("profile-a")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, _, err = r.Start("profile-a", "owner", counts(map[models.BehaviorName]int{models.BehaviorJoinGroups: 1}), models.ExecutionModeInProcess)
	assert.NoError(t, err)
}

func TestRegistry_RetainedTerminalSessionIsReplaced(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	cfg := counts(map[models.BehaviorName]int{models.BehaviorJoinGroups: 1})
	s, _, err := r.Start("profile-a", "owner", cfg, models.ExecutionModeInProcess)
	require.NoError(t, err)
	_, err = r.Stop("profile-a")
	require.NoError(t, err)
	_, _, err = r.Finish("profile-a", s.ID, models.SessionStateCompleted, nil)
	require.NoError(t, err)

	next, _, err := r.Start("profile-a", "owner", cfg, models.ExecutionModeInProcess)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, next.ID)
}

func TestRegistry_StoppedSessionBlocksStartUntilFinished(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)
	cfg := counts(map[models.BehaviorName]int{models.BehaviorJoinGroups: 1})

	s, _, err := r.Start("profile-a", "owner", cfg, models.ExecutionModeInProcess)
	require.NoError(t, err)
	_, err = r.MarkRunning("profile-a", s.ID)
	require.NoError(t, err)

	stopped, err := r.Stop("profile-a")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateStopped, stopped.State)
	assert.NotNil(t, stopped.EndedAt)

	_, _, err = r.Start("profile-a", "owner", cfg, models.ExecutionModeInProcess)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// Past retention the unreleased session is neither evicted nor replaced
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, r.Sweep())
	got, err := r.Get("profile-a")
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	_, _, err = r.Start("profile-a", "owner", cfg, models.ExecutionModeInProcess)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	final, transitioned, err := r.Finish("profile-a", s.ID, models.SessionStateCompleted, nil)
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.Equal(t, models.SessionStateStopped, final.State)

	next, _, err := r.Start("profile-a", "owner", cfg, models.ExecutionModeInProcess)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, next.ID)
}

func TestRegistry_Sweep(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)
	cfg := counts(map[models.BehaviorName]int{models.BehaviorJoinGroups: 1})

	done, _, err := r.Start("done", "owner", cfg, models.ExecutionModeInProcess)
	require.NoError(t, err)
	_, err = r.Stop("done")
	require.NoError(t, err)
	_, _, err = r.Finish("done", done.ID, models.SessionStateStopped, nil)
	require.NoError(t, err)
	_, _, err = r.Start("live", "owner", cfg, models.ExecutionModeInProcess)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, r.Sweep())

	active := r.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, "live", active[0].ResourceID)
}

func TestRegistry_ErrorStatusPrefersFatal(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	cfg := counts(map[models.BehaviorName]int{models.BehaviorJoinGroups: 1, models.BehaviorCreateGroups: 1})
	s, _, err := r.Start("profile-a", "owner", cfg, models.ExecutionModeInProcess)
	require.NoError(t, err)

	warned := models.NewBehaviorResult(models.BehaviorJoinGroups, 1)
	warned.Warning = models.NewErrorRecord(models.ErrorTypeScript, "find_buttons", "no buttons")
	got, err := r.RecordResult("profile-a", s.ID, warned)
	require.NoError(t, err)
	assert.Equal(t, models.ErrorTypeScript, got.ErrorStatus.Type)
	assert.Equal(t, models.ErrorTypeScript, got.LastWarning.Type)

	fatal := models.NewBehaviorResult(models.BehaviorCreateGroups, 1)
	fatal.SetFatal(models.NewErrorRecord(models.ErrorTypeGroupCreation, "group_creation", "both paths failed"))
	got, err = r.RecordResult("profile-a", s.ID, fatal)
	require.NoError(t, err)
	assert.Equal(t, models.ErrorTypeGroupCreation, got.ErrorStatus.Type)

	later := models.NewBehaviorResult(models.BehaviorJoinGroups, 1)
	later.Warning = models.NewErrorRecord(models.ErrorTypeScript, "activate", "click failed")
	got, err = r.RecordResult("profile-a", s.ID, later)
	require.NoError(t, err)
	assert.Equal(t, models.ErrorTypeGroupCreation, got.ErrorStatus.Type)
	assert.Equal(t, "activate", got.LastWarning.Stage)
}
