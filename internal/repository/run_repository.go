package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "tgbroadcast/internal/errors"
	"tgbroadcast/internal/model"
)

// RunCounters is the aggregate view recomputed from delivery rows.
type RunCounters struct {
	Pending int
	Sent    int
	Failed  int
	Unknown int
}

type RunRepositoryInterface interface {
	Create(run *model.BroadcastRun) error
	GetByID(id string) (*model.BroadcastRun, error)
	ListRuns(offset, limit int, status string) ([]*model.BroadcastRun, int, error)
	ListUnsettled() ([]*model.BroadcastRun, error)
	MarkRunning(id string, total int) error
	Cancel(id string) error
	AcquireLease(id, token string, leaseFor time.Duration) (bool, error)
	ReleaseLease(id, token string) error
	UpdateCounters(id string, c RunCounters, progressed bool) error
	Finish(id, token string, status model.RunStatus) (bool, error)
	Delete(id string) error
}

type RunRepository struct {
	DB *sql.DB
}

const runColumns = `id, message, target_mode, target_role, target_user_ids, status,
       total_recipients, pending_count, sent_count, failed_count, unknown_count,
       lock_token, lock_expires_at, created_at, started_at, finished_at, last_heartbeat_at`

// ====================== Run CRUD ======================

func (r *RunRepository) Create(run *model.BroadcastRun) error {
	run.CreatedAt = time.Now()
	if run.Status == "" {
		run.Status = model.RunQueued
	}
	query := `
        INSERT INTO broadcast_runs (id, message, target_mode, target_role, target_user_ids, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `
	// a nil slice serializes to SQL NULL; the column is NOT NULL
	userIDs := run.Target.UserIDs
	if userIDs == nil {
		userIDs = []int64{}
	}
	_, err := r.DB.Exec(query,
		run.ID, run.Message, string(run.Target.Mode), run.Target.Role,
		pq.Int64Array(userIDs), string(run.Status), run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (r *RunRepository) GetByID(id string) (*model.BroadcastRun, error) {
	query := `SELECT ` + runColumns + ` FROM broadcast_runs WHERE id=$1`
	run, err := scanRun(r.DB.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewRunNotFound(id)
		}
		return nil, err
	}
	return run, nil
}

func (r *RunRepository) ListRuns(offset, limit int, status string) ([]*model.BroadcastRun, int, error) {
	runs := []*model.BroadcastRun{}
	query := `SELECT ` + runColumns + ` FROM broadcast_runs WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	countQuery := `SELECT COUNT(*) FROM broadcast_runs WHERE 1=1`
	argsCount := []interface{}{}
	if status != "" {
		countQuery += " AND status=$1"
		argsCount = append(argsCount, status)
	}

	var total int
	if err := r.DB.QueryRow(countQuery, argsCount...).Scan(&total); err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// ListUnsettled returns runs the aggregator still needs to look at: running
// ones, queued ones whose launch may have been interrupted mid-population,
// and cancelled ones whose counters have not converged yet because in-flight
// deliveries were still resolving at cancel time.
func (r *RunRepository) ListUnsettled() ([]*model.BroadcastRun, error) {
	query := `SELECT ` + runColumns + ` FROM broadcast_runs
        WHERE status IN ('queued', 'running') OR (status='cancelled' AND pending_count > 0)
        ORDER BY created_at`
	rows, err := r.DB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list unsettled runs: %w", err)
	}
	defer rows.Close()

	runs := []*model.BroadcastRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ====================== Status machine ======================

// MarkRunning fixes totalRecipients and moves queued -> running. The status
// condition makes the transition a compare-and-swap: a second resolver racing
// on the same run updates zero rows and is treated as a no-op.
func (r *RunRepository) MarkRunning(id string, total int) error {
	query := `
        UPDATE broadcast_runs
        SET status='running', total_recipients=$2, pending_count=$2,
            started_at=NOW(), last_heartbeat_at=NOW()
        WHERE id=$1 AND status='queued'
    `
	_, err := r.DB.Exec(query, id, total)
	if err != nil {
		return fmt.Errorf("mark run %s running: %w", id, err)
	}
	return nil
}

// Cancel moves running -> cancelled and stamps finished_at. finished_at is
// set exactly once because only the running row matches.
func (r *RunRepository) Cancel(id string) error {
	query := `
        UPDATE broadcast_runs
        SET status='cancelled', finished_at=NOW()
        WHERE id=$1 AND status='running'
    `
	res, err := r.DB.Exec(query, id)
	if err != nil {
		return fmt.Errorf("cancel run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		run, err := r.GetByID(id)
		if err != nil {
			return err
		}
		return appErrors.NewRunNotCancellable(id, run.Status)
	}
	return nil
}

// AcquireLease takes the run-level lease so only one aggregator instance
// advances a given run at a time. The expiry is computed in SQL so the same
// clock governs both the grant and the eligibility comparison.
func (r *RunRepository) AcquireLease(id, token string, leaseFor time.Duration) (bool, error) {
	query := `
        UPDATE broadcast_runs
        SET lock_token=$2, lock_expires_at=NOW() + make_interval(secs => $3)
        WHERE id=$1 AND (lock_token IS NULL OR lock_expires_at <= NOW())
    `
	res, err := r.DB.Exec(query, id, token, leaseFor.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire lease on run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *RunRepository) ReleaseLease(id, token string) error {
	query := `UPDATE broadcast_runs SET lock_token=NULL, lock_expires_at=NULL WHERE id=$1 AND lock_token=$2`
	_, err := r.DB.Exec(query, id, token)
	return err
}

// UpdateCounters writes a recomputed aggregate. The heartbeat is refreshed
// only when the counters actually moved, which is what stall detection keys
// off.
func (r *RunRepository) UpdateCounters(id string, c RunCounters, progressed bool) error {
	query := `
        UPDATE broadcast_runs
        SET pending_count=$2, sent_count=$3, failed_count=$4, unknown_count=$5
    `
	if progressed {
		query += `, last_heartbeat_at=NOW()`
	}
	query += ` WHERE id=$1`
	_, err := r.DB.Exec(query, id, c.Pending, c.Sent, c.Failed, c.Unknown)
	if err != nil {
		return fmt.Errorf("update counters for run %s: %w", id, err)
	}
	return nil
}

// Finish moves a running run to its terminal classification under the run
// lease. Reports whether this call performed the transition.
func (r *RunRepository) Finish(id, token string, status model.RunStatus) (bool, error) {
	if !model.RunRunning.CanTransitionTo(status) || !status.Terminal() {
		return false, fmt.Errorf("illegal terminal transition to %q for run %s", status, id)
	}
	query := `
        UPDATE broadcast_runs
        SET status=$2, finished_at=NOW(), lock_token=NULL, lock_expires_at=NULL
        WHERE id=$1 AND status='running' AND lock_token=$3
    `
	res, err := r.DB.Exec(query, id, string(status), token)
	if err != nil {
		return false, fmt.Errorf("finish run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Delete is the administrative purge; delivery rows go with the run.
func (r *RunRepository) Delete(id string) error {
	tx, err := r.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM broadcast_deliveries WHERE run_id=$1`, id); err != nil {
		return fmt.Errorf("purge deliveries for run %s: %w", id, err)
	}
	res, err := tx.Exec(`DELETE FROM broadcast_runs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("purge run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.NewRunNotFound(id)
	}
	return tx.Commit()
}

func scanRun(row rowScanner) (*model.BroadcastRun, error) {
	var run model.BroadcastRun
	var mode, status string
	var role sql.NullString
	var userIDs pq.Int64Array
	var lockToken sql.NullString
	var lockExpiresAt, startedAt, finishedAt, lastHeartbeatAt sql.NullTime

	err := row.Scan(
		&run.ID, &run.Message, &mode, &role, &userIDs, &status,
		&run.TotalRecipients, &run.PendingCount, &run.SentCount, &run.FailedCount, &run.UnknownCount,
		&lockToken, &lockExpiresAt, &run.CreatedAt, &startedAt, &finishedAt, &lastHeartbeatAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = model.RunStatus(status)
	run.Target = model.TargetSpec{
		Mode:    model.TargetMode(mode),
		Role:    role.String,
		UserIDs: []int64(userIDs),
	}
	if lockToken.Valid {
		run.LockToken = &lockToken.String
	}
	if lockExpiresAt.Valid {
		run.LockExpiresAt = &lockExpiresAt.Time
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if lastHeartbeatAt.Valid {
		run.LastHeartbeatAt = &lastHeartbeatAt.Time
	}
	return &run, nil
}

var _ RunRepositoryInterface = (*RunRepository)(nil)
