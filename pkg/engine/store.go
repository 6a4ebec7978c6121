package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/google/uuid"

	"github.com/runlane/runlane/pkg/enums"
	"github.com/runlane/runlane/pkg/runqueue"
)

var dialect = sq.Dialect("sqlite3")

// Timestamps are stored as unix milliseconds so ordering and comparison
// never depend on sqlite's text date handling.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	env_id TEXT NOT NULL,
	env_type TEXT NOT NULL,
	task_identifier TEXT NOT NULL,
	queue TEXT NOT NULL,
	worker_queue TEXT NOT NULL,
	concurrency_key TEXT NOT NULL DEFAULT '',
	queue_member TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_run_id ON snapshots (run_id, id);

CREATE TABLE IF NOT EXISTS waitpoints (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	completed INTEGER NOT NULL DEFAULT 0,
	output TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_waitpoints_run_id ON waitpoints (run_id);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs (status);
`

// Run is the durable record of one triggered task run.
type Run struct {
	ID             string
	OrgID          uuid.UUID
	ProjectID      uuid.UUID
	EnvID          uuid.UUID
	EnvType        enums.EnvironmentType
	TaskIdentifier string
	Queue          string
	WorkerQueue    string
	ConcurrencyKey string

	// QueueMember is the encoded member currently (or last) stored in the
	// run queue for this run; releasing concurrency requires the exact
	// string that was claimed.
	QueueMember string

	Status    enums.RunExecutionStatus
	Attempt   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Environment rebuilds the tenant descriptor stored on the run.
func (r Run) Environment() runqueue.Environment {
	return runqueue.Environment{
		ID:           r.EnvID,
		Type:         r.EnvType,
		Project:      runqueue.Project{ID: r.ProjectID},
		Organization: runqueue.Organization{ID: r.OrgID},
	}
}

// Snapshot is one append-only entry in a run's execution history. Snapshot
// ids are ulids, so ordering by id is ordering by creation.
type Snapshot struct {
	ID        string
	RunID     string
	Status    enums.RunExecutionStatus
	Reason    string
	CreatedAt time.Time
}

// Waitpoint blocks anything waiting on a run until it completes.
type Waitpoint struct {
	ID          string
	RunID       string
	Completed   bool
	Output      string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists runs, snapshots and waitpoints in sqlite.
type Store struct {
	db *sql.DB
	q  querier
}

// NewStore wraps an open database and applies the schema.
func NewStore(db *sql.DB) (*Store, error) {
	sq.SetDefaultPrepared(true)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("error applying schema: %w", err)
	}
	return &Store{db: db, q: db}, nil
}

func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// WithTx returns a view of the store that runs every query on tx.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: s.db, q: tx}
}

func (s *Store) InsertRun(ctx context.Context, r Run) error {
	query, args, err := dialect.
		Insert("runs").
		Rows(sq.Record{
			"id":              r.ID,
			"org_id":          r.OrgID.String(),
			"project_id":      r.ProjectID.String(),
			"env_id":          r.EnvID.String(),
			"env_type":        r.EnvType.String(),
			"task_identifier": r.TaskIdentifier,
			"queue":           r.Queue,
			"worker_queue":    r.WorkerQueue,
			"concurrency_key": r.ConcurrencyKey,
			"queue_member":    r.QueueMember,
			"status":          r.Status.String(),
			"attempt":         r.Attempt,
			"created_at":      r.CreatedAt.UnixMilli(),
			"updated_at":      r.UpdatedAt.UnixMilli(),
		}).
		ToSQL()
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, query, args...)
	return err
}

var runColumns = []any{
	"id", "org_id", "project_id", "env_id", "env_type",
	"task_identifier", "queue", "worker_queue", "concurrency_key",
	"queue_member", "status", "attempt", "created_at", "updated_at",
}

func scanRun(scan func(dest ...any) error) (Run, error) {
	var (
		r                        Run
		orgID, projectID, envID  string
		envType, status          string
		createdAtMS, updatedAtMS int64
	)
	err := scan(
		&r.ID, &orgID, &projectID, &envID, &envType,
		&r.TaskIdentifier, &r.Queue, &r.WorkerQueue, &r.ConcurrencyKey,
		&r.QueueMember, &status, &r.Attempt, &createdAtMS, &updatedAtMS,
	)
	if err != nil {
		return Run{}, err
	}

	if r.OrgID, err = uuid.Parse(orgID); err != nil {
		return Run{}, err
	}
	if r.ProjectID, err = uuid.Parse(projectID); err != nil {
		return Run{}, err
	}
	if r.EnvID, err = uuid.Parse(envID); err != nil {
		return Run{}, err
	}
	if r.EnvType, err = enums.EnvironmentTypeFromString(envType); err != nil {
		return Run{}, err
	}
	if r.Status, err = enums.RunExecutionStatusFromString(status); err != nil {
		return Run{}, err
	}
	r.CreatedAt = time.UnixMilli(createdAtMS)
	r.UpdatedAt = time.UnixMilli(updatedAtMS)
	return r, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	query, args, err := dialect.
		From("runs").
		Select(runColumns...).
		Where(sq.C("id").Eq(runID)).
		ToSQL()
	if err != nil {
		return Run{}, err
	}

	row := s.q.QueryRowContext(ctx, query, args...)
	r, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("error reading run: %w", err)
	}
	return r, nil
}

// UpdateRunState moves a run to a new status, attempt count and queue
// member in one statement.
func (s *Store) UpdateRunState(ctx context.Context, runID string, status enums.RunExecutionStatus, attempt int, queueMember string, now time.Time) error {
	query, args, err := dialect.
		Update("runs").
		Set(sq.Record{
			"status":       status.String(),
			"attempt":      attempt,
			"queue_member": queueMember,
			"updated_at":   now.UnixMilli(),
		}).
		Where(sq.C("id").Eq(runID)).
		ToSQL()
	if err != nil {
		return err
	}

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error updating run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func (s *Store) RunsByStatus(ctx context.Context, statuses ...enums.RunExecutionStatus) ([]Run, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = st.String()
	}

	query, args, err := dialect.
		From("runs").
		Select(runColumns...).
		Where(sq.C("status").In(names)).
		Order(sq.C("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) InsertSnapshot(ctx context.Context, snap Snapshot) error {
	query, args, err := dialect.
		Insert("snapshots").
		Rows(sq.Record{
			"id":         snap.ID,
			"run_id":     snap.RunID,
			"status":     snap.Status.String(),
			"reason":     snap.Reason,
			"created_at": snap.CreatedAt.UnixMilli(),
		}).
		ToSQL()
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, query, args...)
	return err
}

func scanSnapshot(scan func(dest ...any) error) (Snapshot, error) {
	var (
		snap        Snapshot
		status      string
		createdAtMS int64
	)
	if err := scan(&snap.ID, &snap.RunID, &status, &snap.Reason, &createdAtMS); err != nil {
		return Snapshot{}, err
	}

	var err error
	if snap.Status, err = enums.RunExecutionStatusFromString(status); err != nil {
		return Snapshot{}, err
	}
	snap.CreatedAt = time.UnixMilli(createdAtMS)
	return snap, nil
}

// LatestSnapshot returns the most recent snapshot for a run.
func (s *Store) LatestSnapshot(ctx context.Context, runID string) (Snapshot, error) {
	query, args, err := dialect.
		From("snapshots").
		Select("id", "run_id", "status", "reason", "created_at").
		Where(sq.C("run_id").Eq(runID)).
		Order(sq.C("id").Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return Snapshot{}, err
	}

	row := s.q.QueryRowContext(ctx, query, args...)
	snap, err := scanSnapshot(row.Scan)
	if err == sql.ErrNoRows {
		return Snapshot{}, fmt.Errorf("%w: run %s", ErrSnapshotNotFound, runID)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("error reading snapshot: %w", err)
	}
	return snap, nil
}

// Snapshots returns a run's full history, newest first.
func (s *Store) Snapshots(ctx context.Context, runID string) ([]Snapshot, error) {
	query, args, err := dialect.
		From("snapshots").
		Select("id", "run_id", "status", "reason", "created_at").
		Where(sq.C("run_id").Eq(runID)).
		Order(sq.C("id").Desc()).
		ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *Store) InsertWaitpoint(ctx context.Context, wp Waitpoint) error {
	query, args, err := dialect.
		Insert("waitpoints").
		Rows(sq.Record{
			"id":         wp.ID,
			"run_id":     wp.RunID,
			"completed":  wp.Completed,
			"output":     wp.Output,
			"created_at": wp.CreatedAt.UnixMilli(),
		}).
		ToSQL()
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, query, args...)
	return err
}

// CompleteWaitpointsForRun marks every open waitpoint on a run completed
// with the given output.
func (s *Store) CompleteWaitpointsForRun(ctx context.Context, runID, output string, now time.Time) error {
	query, args, err := dialect.
		Update("waitpoints").
		Set(sq.Record{
			"completed":    true,
			"output":       output,
			"completed_at": now.UnixMilli(),
		}).
		Where(sq.C("run_id").Eq(runID), sq.C("completed").Eq(false)).
		ToSQL()
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) WaitpointsForRun(ctx context.Context, runID string) ([]Waitpoint, error) {
	query, args, err := dialect.
		From("waitpoints").
		Select("id", "run_id", "completed", "output", "created_at", "completed_at").
		Where(sq.C("run_id").Eq(runID)).
		Order(sq.C("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing waitpoints: %w", err)
	}
	defer rows.Close()

	var wps []Waitpoint
	for rows.Next() {
		var (
			wp            Waitpoint
			createdAtMS   int64
			completedAtMS sql.NullInt64
		)
		if err := rows.Scan(&wp.ID, &wp.RunID, &wp.Completed, &wp.Output, &createdAtMS, &completedAtMS); err != nil {
			return nil, err
		}
		wp.CreatedAt = time.UnixMilli(createdAtMS)
		if completedAtMS.Valid {
			t := time.UnixMilli(completedAtMS.Int64)
			wp.CompletedAt = &t
		}
		wps = append(wps, wp)
	}
	return wps, rows.Err()
}
