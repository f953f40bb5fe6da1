package repository

import (
	"database/sql"
	"fmt"
	"time"

	appErrors "tgbroadcast/internal/errors"
	"tgbroadcast/internal/model"
)

// DeliveryOutcome carries everything a worker records when it releases a
// claimed delivery record.
type DeliveryOutcome struct {
	Status             model.DeliveryStatus
	AttemptCount       int
	NextAttemptAt      *time.Time
	LastAttemptAt      *time.Time
	SentAt             *time.Time
	TransportMessageID string
	LastError          string
}

type DeliveryRepositoryInterface interface {
	InsertBatch(runID string, recipients []model.Recipient) (int, error)
	ClaimBatch(runID string, limit int, leaseFor time.Duration, token string) ([]*model.BroadcastDelivery, error)
	Release(id int64, token string, out DeliveryOutcome) error
	CountByStatus(runID string) (map[model.DeliveryStatus]int, error)
	ListByRun(runID string, offset, limit int) ([]*model.BroadcastDelivery, int, error)
	ForceFailPending(runID, reason string) (int, error)
}

type DeliveryRepository struct {
	DB *sql.DB
}

const deliveryColumns = `id, run_id, chat_id, user_id, status, attempt_count, next_attempt_at,
       last_attempt_at, sent_at, transport_message_id, last_error, lock_token, lock_expires_at,
       created_at, updated_at`

// InsertBatch creates one delivery row per resolved recipient. The unique
// (run_id, chat_id) constraint makes this idempotent: re-resolving after a
// crash re-inserts nothing for rows that already exist. Returns the number of
// rows actually created.
func (r *DeliveryRepository) InsertBatch(runID string, recipients []model.Recipient) (int, error) {
	query := `
        INSERT INTO broadcast_deliveries (run_id, chat_id, user_id, status, attempt_count, created_at, updated_at)
        VALUES ($1, $2, $3, 'pending', 0, NOW(), NOW())
        ON CONFLICT (run_id, chat_id) DO NOTHING
    `
	inserted := 0
	for _, rec := range recipients {
		res, err := r.DB.Exec(query, runID, rec.ChatID, nullableInt64(rec.UserID))
		if err != nil {
			return inserted, fmt.Errorf("insert delivery for chat %d: %w", rec.ChatID, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	return inserted, nil
}

// ClaimBatch leases up to limit eligible records for the worker holding
// token. Eligible means pending, or failed_retryable whose next attempt is
// due, with no live lease. The claim is a single conditional UPDATE so two
// racing workers can never both win the same row, and no transaction stays
// open across the transport call. The lease expiry is computed in SQL:
// eligibility compares against the database's NOW(), so the grant must come
// from the same clock or host skew would shorten or stretch leases.
func (r *DeliveryRepository) ClaimBatch(runID string, limit int, leaseFor time.Duration, token string) ([]*model.BroadcastDelivery, error) {
	query := `
        UPDATE broadcast_deliveries
        SET lock_token=$1, lock_expires_at=NOW() + make_interval(secs => $2), updated_at=NOW()
        WHERE id IN (
            SELECT id FROM broadcast_deliveries
            WHERE run_id=$3
              AND (status='pending' OR (status='failed_retryable' AND next_attempt_at <= NOW()))
              AND (lock_token IS NULL OR lock_expires_at <= NOW())
            ORDER BY id
            LIMIT $4
            FOR UPDATE SKIP LOCKED
        )
        RETURNING ` + deliveryColumns
	rows, err := r.DB.Query(query, token, leaseFor.Seconds(), runID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch for run %s: %w", runID, err)
	}
	defer rows.Close()

	claimed := []*model.BroadcastDelivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, d)
	}
	return claimed, rows.Err()
}

// Release records the outcome of one attempt and clears the lease, but only
// if token still owns the record. A zero-row update means the lease expired
// and someone else re-claimed the row; the caller must drop its result.
func (r *DeliveryRepository) Release(id int64, token string, out DeliveryOutcome) error {
	query := `
        UPDATE broadcast_deliveries
        SET status=$1, attempt_count=$2, next_attempt_at=$3, last_attempt_at=$4, sent_at=$5,
            transport_message_id=$6, last_error=$7, lock_token=NULL, lock_expires_at=NULL, updated_at=NOW()
        WHERE id=$8 AND lock_token=$9
    `
	res, err := r.DB.Exec(query,
		string(out.Status), out.AttemptCount, nullableTime(out.NextAttemptAt), nullableTime(out.LastAttemptAt),
		nullableTime(out.SentAt), out.TransportMessageID, out.LastError, id, token,
	)
	if err != nil {
		return fmt.Errorf("release delivery %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.ErrStaleLease
	}
	return nil
}

// CountByStatus returns stored status counts for one run. Leased records keep
// their claimable status in storage, so callers treat pending and
// failed_retryable alike as still-pending work.
func (r *DeliveryRepository) CountByStatus(runID string) (map[model.DeliveryStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM broadcast_deliveries WHERE run_id=$1 GROUP BY status`
	rows, err := r.DB.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("count deliveries for run %s: %w", runID, err)
	}
	defer rows.Close()

	counts := map[model.DeliveryStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[model.DeliveryStatus(status)] = count
	}
	return counts, rows.Err()
}

// ListByRun returns one page of delivery records plus the total row count.
func (r *DeliveryRepository) ListByRun(runID string, offset, limit int) ([]*model.BroadcastDelivery, int, error) {
	query := `SELECT ` + deliveryColumns + `
        FROM broadcast_deliveries WHERE run_id=$1 ORDER BY id LIMIT $2 OFFSET $3`
	rows, err := r.DB.Query(query, runID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list deliveries for run %s: %w", runID, err)
	}
	defer rows.Close()

	deliveries := []*model.BroadcastDelivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, 0, err
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.DB.QueryRow(`SELECT COUNT(*) FROM broadcast_deliveries WHERE run_id=$1`, runID).Scan(&total); err != nil {
		return nil, 0, err
	}
	return deliveries, total, nil
}

// ForceFailPending moves every unclaimed retryable or pending record of a
// cancelled run to failed_permanent. Records with a live lease are left to
// finish naturally; cancellation never revokes an in-flight lease.
func (r *DeliveryRepository) ForceFailPending(runID, reason string) (int, error) {
	query := `
        UPDATE broadcast_deliveries
        SET status='failed_permanent', last_error=$2, lock_token=NULL, lock_expires_at=NULL, updated_at=NOW()
        WHERE run_id=$1
          AND status IN ('pending', 'failed_retryable')
          AND (lock_token IS NULL OR lock_expires_at <= NOW())
    `
	res, err := r.DB.Exec(query, runID, reason)
	if err != nil {
		return 0, fmt.Errorf("force-fail pending deliveries for run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDelivery(row rowScanner) (*model.BroadcastDelivery, error) {
	var d model.BroadcastDelivery
	var userID sql.NullInt64
	var nextAttemptAt, lastAttemptAt, sentAt, lockExpiresAt sql.NullTime
	var transportMessageID, lastError, lockToken sql.NullString
	var status string

	err := row.Scan(
		&d.ID, &d.RunID, &d.ChatID, &userID, &status, &d.AttemptCount, &nextAttemptAt,
		&lastAttemptAt, &sentAt, &transportMessageID, &lastError, &lockToken, &lockExpiresAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = model.DeliveryStatus(status)
	if userID.Valid {
		d.UserID = &userID.Int64
	}
	if nextAttemptAt.Valid {
		d.NextAttemptAt = &nextAttemptAt.Time
	}
	if lastAttemptAt.Valid {
		d.LastAttemptAt = &lastAttemptAt.Time
	}
	if sentAt.Valid {
		d.SentAt = &sentAt.Time
	}
	if lockExpiresAt.Valid {
		d.LockExpiresAt = &lockExpiresAt.Time
	}
	d.TransportMessageID = transportMessageID.String
	d.LastError = lastError.String
	if lockToken.Valid {
		d.LockToken = &lockToken.String
	}
	return &d, nil
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

var _ DeliveryRepositoryInterface = (*DeliveryRepository)(nil)
