package evidence

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/ternarybob/autopilot/internal/interfaces"
)

// Recorder captures screenshots of one handle into one session directory.
// File names are <label>-<seq>.png with seq increasing per recorder.
type Recorder struct {
	store  interfaces.EvidenceStore
	handle interfaces.AutomationHandle
	dir    string
	seq    atomic.Int64
}

// NewRecorder binds a store and a live handle to a session directory
func NewRecorder(store interfaces.EvidenceStore, handle interfaces.AutomationHandle, dir string) *Recorder {
	return &Recorder{store: store, handle: handle, dir: dir}
}

// Dir returns the session directory relative to the store root
func (r *Recorder) Dir() string {
	return r.dir
}

// Capture screenshots the handle and returns the stored path
func (r *Recorder) Capture(ctx context.Context, label string) (string, error) {
	if r == nil || r.handle == nil || r.store == nil {
		return "", fmt.Errorf("no live handle to capture")
	}

	data, err := r.handle.Screenshot(ctx)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s-%d.png", sanitize(label), r.seq.Add(1))
	return r.store.Write(ctx, filepath.Join(r.dir, name), data)
}
