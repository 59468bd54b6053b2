package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/interfaces"
	"github.com/ternarybob/autopilot/internal/models"
)

const runColumns = `id, session_id, resource_id, owner_id, mode, behaviors, status, progress, results,
	error, warning, pid, stop_requested, evidence_dir, created_at, started_at, ended_at, updated_at`

// terminalStatuses guards status writes so the first terminal outcome wins
const terminalStatuses = `('completed', 'error', 'stopped')`

// RunStorage implements interfaces.RunStorage for SQLite. Update writes
// only the columns present in the patch, so the orchestrator and a worker
// can patch the same row from different processes.
type RunStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex // Prevents SQLITE_BUSY errors on concurrent writes
	now    func() time.Time
}

var _ interfaces.RunStorage = (*RunStorage)(nil)

// NewRunStorage creates a new RunStorage instance
func NewRunStorage(db *SQLiteDB, logger arbor.ILogger) *RunStorage {
	return &RunStorage{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

func (s *RunStorage) Create(ctx context.Context, r *models.RunRecord) error {
	if r.ID == "" {
		return fmt.Errorf("run ID is required")
	}

	behaviors, err := json.Marshal(r.Behaviors)
	if err != nil {
		return fmt.Errorf("failed to encode behaviors: %w", err)
	}
	progress, err := encodeJSON(r.Progress)
	if err != nil {
		return err
	}
	results, err := encodeJSON(r.Results)
	if err != nil {
		return err
	}
	errRecord, err := encodeJSON(r.Error)
	if err != nil {
		return err
	}
	warning, err := encodeJSON(r.Warning)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO run_records (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.db.ExecContext(ctx, query,
		r.ID, r.SessionID, r.ResourceID, r.OwnerID, string(r.Mode), string(behaviors), string(r.Status),
		progress, results, errRecord, warning, r.PID, boolInt(r.StopRequested), r.EvidenceDir,
		r.CreatedAt.UnixNano(), timeArg(r.StartedAt), timeArg(r.EndedAt), r.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *RunStorage) Get(ctx context.Context, runID string) (*models.RunRecord, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM run_records WHERE id = ?`, runID)
	record, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return record, nil
}

func (s *RunStorage) Update(ctx context.Context, runID string, p models.RunPatch) (*models.RunRecord, error) {
	sets := make([]string, 0, 10)
	args := make([]any, 0, 11)

	if p.Status != nil {
		sets = append(sets, `status = CASE WHEN status IN `+terminalStatuses+` THEN status ELSE ? END`)
		args = append(args, string(*p.Status))
	}
	for _, field := range []struct {
		column string
		value  any
		set    bool
	}{
		{"progress", p.Progress, p.Progress != nil},
		{"results", p.Results, p.Results != nil},
		{"error", p.Error, p.Error != nil},
		{"warning", p.Warning, p.Warning != nil},
	} {
		if !field.set {
			continue
		}
		encoded, err := encodeJSON(field.value)
		if err != nil {
			return nil, err
		}
		sets = append(sets, field.column+" = ?")
		args = append(args, encoded)
	}
	if p.PID != nil {
		sets = append(sets, "pid = ?")
		args = append(args, *p.PID)
	}
	if p.StopRequested != nil {
		sets = append(sets, "stop_requested = ?")
		args = append(args, boolInt(*p.StopRequested))
	}
	if p.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, p.StartedAt.UnixNano())
	}
	if p.EndedAt != nil {
		sets = append(sets, "ended_at = COALESCE(ended_at, ?)")
		args = append(args, p.EndedAt.UnixNano())
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now().UnixNano(), runID)

	s.mu.Lock()
	result, err := s.db.db.ExecContext(ctx, `UPDATE run_records SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrRunNotFound, runID)
	}

	return s.Get(ctx, runID)
}

func (s *RunStorage) List(ctx context.Context, opts interfaces.RunListOptions) ([]*models.RunRecord, error) {
	where := make([]string, 0, 2)
	args := make([]any, 0, len(opts.Statuses)+2)

	if opts.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, opts.ResourceID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + runColumns + ` FROM run_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	records := make([]*models.RunRecord, 0)
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *RunStorage) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.RunRecord, error) {
	var (
		r                                     models.RunRecord
		mode, status, behaviors               string
		progress, results, errRecord, warning sql.NullString
		stopRequested                         int
		createdAt, updatedAt                  int64
		startedAt, endedAt                    sql.NullInt64
	)

	err := row.Scan(
		&r.ID, &r.SessionID, &r.ResourceID, &r.OwnerID, &mode, &behaviors, &status,
		&progress, &results, &errRecord, &warning, &r.PID, &stopRequested, &r.EvidenceDir,
		&createdAt, &startedAt, &endedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Mode = models.ExecutionMode(mode)
	r.Status = models.SessionState(status)
	r.StopRequested = stopRequested != 0
	r.CreatedAt = time.Unix(0, createdAt)
	r.UpdatedAt = time.Unix(0, updatedAt)
	r.StartedAt = timeValue(startedAt)
	r.EndedAt = timeValue(endedAt)

	if err := json.Unmarshal([]byte(behaviors), &r.Behaviors); err != nil {
		return nil, fmt.Errorf("decode behaviors: %w", err)
	}
	for _, field := range []struct {
		raw  sql.NullString
		into any
	}{
		{progress, &r.Progress},
		{results, &r.Results},
		{errRecord, &r.Error},
		{warning, &r.Warning},
	} {
		if !field.raw.Valid || field.raw.String == "" {
			continue
		}
		if err := json.Unmarshal([]byte(field.raw.String), field.into); err != nil {
			return nil, fmt.Errorf("decode run field: %w", err)
		}
	}
	return &r, nil
}

// encodeJSON returns nil (SQL NULL) for nil values
func encodeJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run field: %w", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(data), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeValue(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
