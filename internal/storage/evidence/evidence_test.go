package evidence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/autopilot/internal/interfaces"
)

type shotHandle struct {
	interfaces.AutomationHandle
	data []byte
	err  error
}

func (h *shotHandle) Screenshot(ctx context.Context) ([]byte, error) {
	return h.data, h.err
}

func TestSessionDir(t *testing.T) {
	started := time.Date(2026, 5, 4, 10, 30, 15, 250_000_000, time.UTC)
	assert.Equal(t, filepath.Join("profile_1", "20260504T103015.250Z_run_a1"), SessionDir("profile/1", "run_a1", started))
	assert.Equal(t, filepath.Join("unknown", "20260504T103015.250Z_run_a1"), SessionDir("  ", "run_a1", started))

	// Two runs started within the same second never share a directory
	assert.NotEqual(t, SessionDir("profile-a", "run_a1", started), SessionDir("profile-a", "run_b2", started))
	assert.NotEqual(t,
		SessionDir("profile-a", "run_a1", started),
		SessionDir("profile-a", "run_a1", started.Add(time.Millisecond)))
}

func TestFSStore_WritesUnderRoot(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore(root)
	require.NoError(t, err)

	path, err := store.Write(context.Background(), "res/run/entry-1.png", []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Root(), "res", "run", "entry-1.png"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
}

func TestFSStore_PathCannotEscapeRoot(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore(root)
	require.NoError(t, err)

	path, err := store.Write(context.Background(), "../../escape.png", []byte("x"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, store.Root()))
}

func TestRecorder_SequencesLabels(t *testing.T) {
	store := NewMemStore()
	rec := NewRecorder(store, &shotHandle{data: []byte("img")}, "res/20260101T000000Z")

	first, err := rec.Capture(context.Background(), "join_groups-entry")
	require.NoError(t, err)
	second, err := rec.Capture(context.Background(), "join_groups-exit")
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(first, "join_groups-entry-1.png"))
	assert.True(t, strings.HasSuffix(second, "join_groups-exit-2.png"))

	data, err := store.Read("res/20260101T000000Z/join_groups-exit-2.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("img"), data)
}

func TestRecorder_ScreenshotError(t *testing.T) {
	rec := NewRecorder(NewMemStore(), &shotHandle{err: errors.New("target closed")}, "d")
	_, err := rec.Capture(context.Background(), "x")
	assert.Error(t, err)

	var nilRec *Recorder
	_, err = nilRec.Capture(context.Background(), "x")
	assert.Error(t, err)
}
