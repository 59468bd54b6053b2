package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/autopilot/internal/interfaces"
	"github.com/ternarybob/autopilot/internal/models"
)

// RunStorage implements interfaces.RunStorage for Badger
type RunStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	now    func() time.Time
}

var _ interfaces.RunStorage = (*RunStorage)(nil)

// NewRunStorage creates a new RunStorage instance
func NewRunStorage(db *BadgerDB, logger arbor.ILogger) *RunStorage {
	return &RunStorage{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

func (s *RunStorage) Create(ctx context.Context, record *models.RunRecord) error {
	if record.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	if err := s.db.Store().Insert(record.ID, record); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("run %s already exists", record.ID)
		}
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *RunStorage) Get(ctx context.Context, runID string) (*models.RunRecord, error) {
	var record models.RunRecord
	if err := s.db.Store().Get(runID, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &record, nil
}

// maxConflictRetries bounds retries of a transaction that lost a write conflict
const maxConflictRetries = 10

// Update applies the patch inside one badger transaction. A transaction that
// loses a conflict is re-run against the fresh record, so concurrent patches
// to different fields of the same record never overwrite each other.
func (s *RunStorage) Update(ctx context.Context, runID string, patch models.RunPatch) (*models.RunRecord, error) {
	var updated models.RunRecord

	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Store().Badger().Update(func(tx *badger.Txn) error {
			updated = models.RunRecord{}
			if err := s.db.Store().TxGet(tx, runID, &updated); err != nil {
				return err
			}
			patch.Apply(&updated, s.now())
			return s.db.Store().TxUpsert(tx, runID, &updated)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		s.logger.Trace().Str("run_id", runID).Int("attempt", attempt+1).Msg("Run update conflicted, retrying")
	}
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to update run: %w", err)
	}
	return &updated, nil
}

func (s *RunStorage) List(ctx context.Context, opts interfaces.RunListOptions) ([]*models.RunRecord, error) {
	query := badgerhold.Where("ID").Ne("")
	if opts.ResourceID != "" {
		query = query.And("ResourceID").Eq(opts.ResourceID)
	}
	if len(opts.Statuses) > 0 {
		statuses := make([]interface{}, len(opts.Statuses))
		for i, st := range opts.Statuses {
			statuses[i] = st
		}
		query = query.And("Status").In(statuses...)
	}
	query = query.SortBy("CreatedAt").Reverse()
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}

	var records []models.RunRecord
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	result := make([]*models.RunRecord, len(records))
	for i := range records {
		result[i] = &records[i]
	}
	return result, nil
}

func (s *RunStorage) Close() error {
	return s.db.Close()
}
