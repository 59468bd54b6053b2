// -----------------------------------------------------------------------
// Storage interfaces - durable run records and evidence
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/autopilot/internal/models"
)

// ErrRunNotFound is returned when no record exists for a run id
var ErrRunNotFound = errors.New("run record not found")

// RunListOptions filters run history queries
type RunListOptions struct {
	ResourceID string
	Statuses   []models.SessionState
	Limit      int
}

// RunStorage is the Durable Record Store boundary
type RunStorage interface {
	// Create inserts a new record; the id must be unused
	Create(ctx context.Context, record *models.RunRecord) error

	// Get returns the record for runID or ErrRunNotFound
	Get(ctx context.Context, runID string) (*models.RunRecord, error)

	// Update applies patch to the stored record and returns the result
	Update(ctx context.Context, runID string, patch models.RunPatch) (*models.RunRecord, error)

	// List returns records newest first
	List(ctx context.Context, opts RunListOptions) ([]*models.RunRecord, error)

	// Close releases the underlying database
	Close() error
}

// EvidenceStore is the filesystem-like screenshot sink
type EvidenceStore interface {
	// Write stores data under path (relative to the store root) and returns
	// the location it was written to
	Write(ctx context.Context, path string, data []byte) (string, error)
}
