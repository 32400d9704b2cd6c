package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/archivist/internal/domain"
	"github.com/phrazzld/archivist/internal/platform/logger"
	"github.com/phrazzld/archivist/internal/store"
)

// counterColumns maps task states to their job_counts column. Only these
// names are ever interpolated into SQL.
var counterColumns = map[domain.TaskState]string{
	domain.TaskStateWaiting: "tasks_waiting",
	domain.TaskStateQueued:  "tasks_queued",
	domain.TaskStateRunning: "tasks_running",
	domain.TaskStateSuccess: "tasks_success",
	domain.TaskStateFailure: "tasks_failure",
	domain.TaskStateSkipped: "tasks_skipped",
}

const taskColumns = `t.id, t.job_id, t.parent_id, t.depend_parent_id, t.depend_count, t.name,
	t.state, t.script, t.host, t.exit_status, t.created_at, t.started_at, t.stopped_at,
	t.state_changed_at`

const jobColumns = `j.id, j.name, j.type, j.principal_id, j.state, j.root_path, j.args, j.env,
	j.created_at, j.updated_at, j.finished_at, j.expired_at,
	c.tasks_total, c.tasks_waiting, c.tasks_queued, c.tasks_running, c.tasks_success,
	c.tasks_failure, c.tasks_skipped,
	c.assets_created, c.assets_updated, c.assets_replaced, c.assets_warnings,
	c.assets_errors, c.assets_total`

// lockJobCountsForTask takes the job's counter row lock before any task row
// is touched. Every multi-row unit of work acquires locks in this order.
const lockJobCountsForTask = `
	SELECT c.job_id FROM job_counts c
	JOIN tasks t ON t.job_id = c.job_id
	WHERE t.id = $1
	FOR UPDATE OF c`

// PostgresJobStore implements store.JobStore on PostgreSQL.
// Task state changes are conditional UPDATEs whose counter adjustments run
// in the same transaction.
type PostgresJobStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresJobStore creates a new PostgreSQL implementation of the JobStore interface.
// If logger is nil, a default logger will be used.
func NewPostgresJobStore(db *sql.DB, logger *slog.Logger) *PostgresJobStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresJobStore{
		db:     db,
		logger: logger.With(slog.String("component", "job_store")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ensure PostgresJobStore implements store.JobStore interface
var _ store.JobStore = (*PostgresJobStore)(nil)

// CreateJob implements store.JobStore.CreateJob
func (s *PostgresJobStore) CreateJob(ctx context.Context, spec domain.JobSpec) (*domain.Job, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	job, err := domain.NewJob(spec)
	if err != nil {
		log.Warn("job validation failed during create", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	var root *domain.Task
	if len(spec.Script) > 0 {
		root, err = domain.NewTask(job.ID, domain.TaskSpec{Name: "root", Script: spec.Script})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
		}
		job.Tasks.Total, job.Tasks.Waiting = 1, 1
	}

	args, err := marshalMap(job.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: args: %v", store.ErrInvalidEntity, err)
	}
	env, err := marshalMap(job.Env)
	if err != nil {
		return nil, fmt.Errorf("%w: env: %v", store.ErrInvalidEntity, err)
	}

	err = store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, name, type, principal_id, state, root_path, args, env, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
			job.ID, job.Name, string(job.Type), nullUUID(job.PrincipalID), string(job.State),
			job.RootPath, args, env, job.CreatedAt,
		)
		if err != nil {
			return MapError(err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO job_counts (job_id, tasks_total, tasks_waiting) VALUES ($1, $2, $3)`,
			job.ID, job.Tasks.Total, job.Tasks.Waiting,
		)
		if err != nil {
			return MapError(err)
		}

		if root != nil {
			return insertTask(ctx, tx, root)
		}
		return nil
	})
	if err != nil {
		log.Error("failed to create job",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
		return nil, err
	}

	log.Debug("job created",
		slog.String("job_id", job.ID.String()),
		slog.Bool("has_root", root != nil))
	return job, nil
}

// GetJob implements store.JobStore.GetJob
func (s *PostgresJobStore) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs j JOIN job_counts c ON c.job_id = j.id
		WHERE j.id = $1`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrJobNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	return job, nil
}

// ListJobs implements store.JobStore.ListJobs
func (s *PostgresJobStore) ListJobs(ctx context.Context, filter store.JobFilter) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs j JOIN job_counts c ON c.job_id = j.id
		WHERE ($1::text = '' OR j.state = $1::text)
		  AND ($2::uuid IS NULL OR j.principal_id = $2::uuid)
		ORDER BY j.created_at DESC
		LIMIT $3`,
		string(filter.State), nullUUID(filter.PrincipalID), limitOrDefault(filter.Limit),
	)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	jobs := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, MapError(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, MapError(rows.Err())
}

// SetJobState implements store.JobStore.SetJobState
func (s *PostgresJobStore) SetJobState(
	ctx context.Context,
	id uuid.UUID,
	state, expected domain.JobState,
) (bool, error) {
	if !domain.IsValidJobState(state) || !domain.IsValidJobState(expected) {
		return false, domain.ErrInvalidJobState
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			state = $2,
			updated_at = $4,
			finished_at = CASE
				WHEN $2::text = 'finished' THEN $4::timestamptz
				WHEN $2::text = 'active' THEN NULL
				ELSE finished_at END
		WHERE id = $1 AND state = $3`,
		id, string(state), string(expected), s.now(),
	)
	if err != nil {
		return false, MapError(err)
	}
	return s.casOutcome(ctx, result, "jobs", id, store.ErrJobNotFound)
}

// FinishJob implements store.JobStore.FinishJob
func (s *PostgresJobStore) FinishJob(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs j SET state = 'finished', finished_at = $2, updated_at = $2
		FROM job_counts c
		WHERE j.id = $1 AND c.job_id = j.id
		  AND j.state = 'active'
		  AND c.tasks_total > 0
		  AND c.tasks_total = c.tasks_success + c.tasks_skipped`,
		id, s.now(),
	)
	if err != nil {
		return false, MapError(err)
	}
	return s.casOutcome(ctx, result, "jobs", id, store.ErrJobNotFound)
}

// IncrementJobStats implements store.JobStore.IncrementJobStats
func (s *PostgresJobStore) IncrementJobStats(ctx context.Context, id uuid.UUID, delta domain.AssetCounts) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE job_counts SET
			assets_created = assets_created + $2,
			assets_updated = assets_updated + $3,
			assets_replaced = assets_replaced + $4,
			assets_warnings = assets_warnings + $5,
			assets_errors = assets_errors + $6,
			assets_total = assets_total + $7
		WHERE job_id = $1`,
		id, delta.Created, delta.Updated, delta.Replaced, delta.Warnings, delta.Errors, delta.Total,
	)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, store.ErrJobNotFound)
}

// ExpireJobs implements store.JobStore.ExpireJobs
func (s *PostgresJobStore) ExpireJobs(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	now := s.now()
	var expired, purged int
	err := s.db.QueryRowContext(ctx, `
		WITH expired AS (
			UPDATE jobs SET expired_at = $1
			WHERE id IN (
				SELECT id FROM jobs
				WHERE state = 'finished' AND expired_at IS NULL AND finished_at < $2
				ORDER BY finished_at
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id
		), purged AS (
			DELETE FROM tasks WHERE job_id IN (SELECT id FROM expired)
			RETURNING 1
		)
		SELECT (SELECT COUNT(*) FROM expired), (SELECT COUNT(*) FROM purged)`,
		now, now.Add(-olderThan), limitOrDefault(limit),
	).Scan(&expired, &purged)
	if err != nil {
		return 0, MapError(err)
	}

	if expired > 0 {
		logger.FromContextOrDefault(ctx, s.logger).Info("expired finished jobs",
			slog.Int("jobs", expired),
			slog.Int("tasks_purged", purged))
	}
	return expired, nil
}

// CreateTask implements store.JobStore.CreateTask
func (s *PostgresJobStore) CreateTask(ctx context.Context, jobID uuid.UUID, spec domain.TaskSpec) (*domain.Task, error) {
	task, err := domain.NewTask(jobID, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	err = store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE job_counts SET tasks_total = tasks_total + 1, tasks_waiting = tasks_waiting + 1
			WHERE job_id = $1`, jobID)
		if err != nil {
			return MapError(err)
		}
		if err := CheckRowsAffected(result, store.ErrJobNotFound); err != nil {
			return err
		}
		return insertTask(ctx, tx, task)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask implements store.JobStore.GetTask
func (s *PostgresJobStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	return task, nil
}

// ListTasks implements store.JobStore.ListTasks
func (s *PostgresJobStore) ListTasks(ctx context.Context, jobID uuid.UUID, filter store.TaskFilter) ([]*domain.Task, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).
		Scan(&exists); err != nil {
		return nil, MapError(err)
	}
	if !exists {
		return nil, store.ErrJobNotFound
	}

	query := `SELECT ` + taskColumns + ` FROM tasks t WHERE t.job_id = $1`
	args := []any{jobID}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			args = append(args, string(st))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += ` AND t.state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	args = append(args, limitOrDefault(filter.Limit))
	query += fmt.Sprintf(` ORDER BY t.seq LIMIT $%d`, len(args))

	return s.queryTasks(ctx, s.db, query, args...)
}

// SetTaskState implements store.JobStore.SetTaskState
//
// The transaction locks the job's counter row, performs the conditional
// task update, moves one unit between the per-state counters and, on entry
// into a terminal state, opens one slot on every waiting task gated on this
// task or its parent.
func (s *PostgresJobStore) SetTaskState(
	ctx context.Context,
	id uuid.UUID,
	state, expected domain.TaskState,
) (bool, error) {
	toCol, okTo := counterColumns[state]
	fromCol, okFrom := counterColumns[expected]
	if !okTo || !okFrom {
		return false, domain.ErrInvalidTaskState
	}

	now := s.now()
	var startedAt, stoppedAt *time.Time
	switch {
	case state == domain.TaskStateRunning:
		startedAt = &now
	case state.IsTerminal():
		stoppedAt = &now
	}

	won := false
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var jobID uuid.UUID
		err := tx.QueryRowContext(ctx, lockJobCountsForTask, id).Scan(&jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrTaskNotFound
		}
		if err != nil {
			return MapError(err)
		}

		var parentID uuid.NullUUID
		err = tx.QueryRowContext(ctx, `
			UPDATE tasks SET
				state = $2,
				state_changed_at = $4,
				started_at = COALESCE($5::timestamptz, started_at),
				stopped_at = COALESCE($6::timestamptz, stopped_at)
			WHERE id = $1 AND state = $3
			RETURNING parent_id`,
			id, string(state), string(expected), now, startedAt, stoppedAt,
		).Scan(&parentID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return MapError(err)
		}
		won = true

		if fromCol != toCol {
			// #nosec G201 -- column names come from counterColumns
			_, err = tx.ExecContext(ctx, fmt.Sprintf(
				`UPDATE job_counts SET %[1]s = %[1]s - 1, %[2]s = %[2]s + 1 WHERE job_id = $1`,
				fromCol, toCol), jobID)
			if err != nil {
				return MapError(err)
			}
		}

		if state.IsTerminal() && !expected.IsTerminal() {
			_, err = tx.ExecContext(ctx, `
				UPDATE tasks SET depend_count = GREATEST(depend_count - 1, 0)
				WHERE state = 'waiting'
				  AND (depend_parent_id = $1 OR depend_parent_id = $2)`,
				id, parentID,
			)
			if err != nil {
				return MapError(err)
			}
		}
		return nil
	})
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to set task state",
			slog.String("task_id", id.String()),
			slog.String("state", string(state)),
			slog.String("expected", string(expected)),
			slog.String("error", err.Error()))
		return false, err
	}
	return won, nil
}

// IncrementDependCount implements store.JobStore.IncrementDependCount
func (s *PostgresJobStore) IncrementDependCount(ctx context.Context, id uuid.UUID, delta int) error {
	return s.adjustGate(ctx, id, delta)
}

// DecrementDependCount implements store.JobStore.DecrementDependCount
func (s *PostgresJobStore) DecrementDependCount(ctx context.Context, id uuid.UUID, delta int) error {
	return s.adjustGate(ctx, id, -delta)
}

func (s *PostgresJobStore) adjustGate(ctx context.Context, id uuid.UUID, delta int) error {
	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var jobID uuid.UUID
		err := tx.QueryRowContext(ctx, lockJobCountsForTask, id).Scan(&jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrTaskNotFound
		}
		if err != nil {
			return MapError(err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET depend_count = GREATEST(depend_count + $2, 0)
			WHERE id = $1
			   OR id = (SELECT depend_parent_id FROM tasks WHERE id = $1)`,
			id, delta,
		)
		return MapError(err)
	})
}

// AdjustDependents implements store.JobStore.AdjustDependents
func (s *PostgresJobStore) AdjustDependents(ctx context.Context, id uuid.UUID, delta int) error {
	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var jobID uuid.UUID
		err := tx.QueryRowContext(ctx, lockJobCountsForTask, id).Scan(&jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrTaskNotFound
		}
		if err != nil {
			return MapError(err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET depend_count = GREATEST(depend_count + $2, 0)
			WHERE state = 'waiting' AND depend_parent_id = $1`,
			id, delta,
		)
		return MapError(err)
	})
}

// GetWaitingSchedulable implements store.JobStore.GetWaitingSchedulable
func (s *PostgresJobStore) GetWaitingSchedulable(ctx context.Context, limit int) ([]*domain.Task, error) {
	return s.queryTasks(ctx, s.db, `
		SELECT `+taskColumns+`
		FROM tasks t JOIN jobs j ON j.id = t.job_id
		WHERE t.state = 'waiting' AND t.depend_count = 0 AND j.state = 'active'
		ORDER BY t.seq
		LIMIT $1`, limitOrDefault(limit))
}

// GetOrphanTasks implements store.JobStore.GetOrphanTasks
func (s *PostgresJobStore) GetOrphanTasks(ctx context.Context, limit int, olderThan time.Duration) ([]*domain.Task, error) {
	return s.queryTasks(ctx, s.db, `
		SELECT `+taskColumns+`
		FROM tasks t
		WHERE t.state IN ('queued', 'running') AND t.state_changed_at < $1
		ORDER BY t.seq
		LIMIT $2`, s.now().Add(-olderThan), limitOrDefault(limit))
}

// SetHost implements store.JobStore.SetHost
func (s *PostgresJobStore) SetHost(ctx context.Context, id uuid.UUID, host string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE tasks SET host = $2 WHERE id = $1`, id, host)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, store.ErrTaskNotFound)
}

// SetExitStatus implements store.JobStore.SetExitStatus
func (s *PostgresJobStore) SetExitStatus(ctx context.Context, id uuid.UUID, code int) error {
	result, err := s.db.ExecContext(ctx, `UPDATE tasks SET exit_status = $2 WHERE id = $1`, id, code)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, store.ErrTaskNotFound)
}

// casOutcome turns the affected-row count of a conditional update into the
// (won, error) pair: zero rows is a lost race unless the row is missing.
func (s *PostgresJobStore) casOutcome(
	ctx context.Context,
	result sql.Result,
	table string,
	id uuid.UUID,
	notFound error,
) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	// #nosec G202 -- table is a constant supplied by callers
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, MapError(err)
	}
	if !exists {
		return false, notFound
	}
	return false, nil
}

func (s *PostgresJobStore) queryTasks(ctx context.Context, db store.Queryer, query string, args ...any) ([]*domain.Task, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	tasks := make([]*domain.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	return tasks, MapError(rows.Err())
}

func insertTask(ctx context.Context, db store.Queryer, t *domain.Task) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO tasks (id, job_id, parent_id, depend_parent_id, depend_count, name, state,
			script, created_at, state_changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		t.ID, t.JobID, t.ParentID, t.DependParentID, t.DependCount, t.Name, string(t.State),
		[]byte(t.Script), t.CreatedAt,
	)
	return MapError(err)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t          domain.Task
		script     []byte
		exitStatus sql.NullInt32
		startedAt  sql.NullTime
		stoppedAt  sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.JobID, &t.ParentID, &t.DependParentID, &t.DependCount, &t.Name,
		&t.State, &script, &t.Host, &exitStatus, &t.CreatedAt, &startedAt, &stoppedAt,
		&t.StateChangedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Script = script
	if exitStatus.Valid {
		v := int(exitStatus.Int32)
		t.ExitStatus = &v
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if stoppedAt.Valid {
		t.StoppedAt = &stoppedAt.Time
	}
	return &t, nil
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j          domain.Job
		principal  uuid.NullUUID
		args, env  []byte
		finishedAt sql.NullTime
		expiredAt  sql.NullTime
	)
	err := row.Scan(
		&j.ID, &j.Name, &j.Type, &principal, &j.State, &j.RootPath, &args, &env,
		&j.CreatedAt, &j.UpdatedAt, &finishedAt, &expiredAt,
		&j.Tasks.Total, &j.Tasks.Waiting, &j.Tasks.Queued, &j.Tasks.Running,
		&j.Tasks.Success, &j.Tasks.Failure, &j.Tasks.Skipped,
		&j.Assets.Created, &j.Assets.Updated, &j.Assets.Replaced, &j.Assets.Warnings,
		&j.Assets.Errors, &j.Assets.Total,
	)
	if err != nil {
		return nil, err
	}

	if principal.Valid {
		j.PrincipalID = principal.UUID
	}
	if err := unmarshalMap(args, &j.Args); err != nil {
		return nil, fmt.Errorf("failed to decode job args: %w", err)
	}
	if err := unmarshalMap(env, &j.Env); err != nil {
		return nil, fmt.Errorf("failed to decode job env: %w", err)
	}
	if finishedAt.Valid {
		j.FinishedAt = &finishedAt.Time
	}
	if expiredAt.Valid {
		j.ExpiredAt = &expiredAt.Time
	}
	return &j, nil
}

func marshalMap[M ~map[string]V, V any](m M) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap[M ~map[string]V, V any](data []byte, dst *M) error {
	if len(data) == 0 {
		return nil
	}
	var m M
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) > 0 {
		*dst = m
	}
	return nil
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return store.DefaultListLimit
	}
	return limit
}
