package repository

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "tgbroadcast/internal/errors"
	"tgbroadcast/internal/model"
)

func deliveryRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "run_id", "chat_id", "user_id", "status", "attempt_count", "next_attempt_at",
		"last_attempt_at", "sent_at", "transport_message_id", "last_error", "lock_token",
		"lock_expires_at", "created_at", "updated_at",
	})
}

func TestInsertBatchIsIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := &DeliveryRepository{DB: db}

	userID := int64(1)
	recipients := []model.Recipient{
		{ChatID: 100, UserID: &userID},
		{ChatID: 200, UserID: nil},
	}

	mock.ExpectExec("INSERT INTO broadcast_deliveries").
		WithArgs("run-1", int64(100), userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// second row already exists, ON CONFLICT swallows it
	mock.ExpectExec("INSERT INTO broadcast_deliveries").
		WithArgs("run-1", int64(200), nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.InsertBatch("run-1", recipients)
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchReturnsClaimedRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := &DeliveryRepository{DB: db}

	now := time.Now()
	rows := deliveryRows().
		AddRow(int64(1), "run-1", int64(100), nil, "pending", 0, nil, nil, nil, "", "", "tok", now.Add(2*time.Minute), now, now).
		AddRow(int64(2), "run-1", int64(200), int64(5), "failed_retryable", 1, now.Add(-time.Minute), now.Add(-time.Hour), nil, "", "flood control", "tok", now.Add(2*time.Minute), now, now)

	// lease length travels as seconds; the expiry is computed in SQL so the
	// database clock governs both grant and eligibility
	mock.ExpectQuery("UPDATE broadcast_deliveries").
		WithArgs("tok", float64(120), "run-1", 20).
		WillReturnRows(rows)

	claimed, err := repo.ClaimBatch("run-1", 20, 2*time.Minute, "tok")
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	assert.Equal(t, model.DeliveryPending, claimed[0].Status)
	require.NotNil(t, claimed[0].LockToken)
	assert.Equal(t, "tok", *claimed[0].LockToken)
	assert.Nil(t, claimed[0].UserID)

	assert.Equal(t, model.DeliveryFailedRetryable, claimed[1].Status)
	assert.Equal(t, 1, claimed[1].AttemptCount)
	require.NotNil(t, claimed[1].UserID)
	assert.Equal(t, int64(5), *claimed[1].UserID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := &DeliveryRepository{DB: db}

	mock.ExpectQuery("UPDATE broadcast_deliveries").
		WithArgs("tok", float64(120), "run-1", 20).
		WillReturnRows(deliveryRows())

	claimed, err := repo.ClaimBatch("run-1", 20, 2*time.Minute, "tok")
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestReleaseRecordsOutcome(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := &DeliveryRepository{DB: db}

	now := time.Now()
	out := DeliveryOutcome{
		Status:             model.DeliverySent,
		AttemptCount:       1,
		LastAttemptAt:      &now,
		SentAt:             &now,
		TransportMessageID: "42",
	}

	mock.ExpectExec("UPDATE broadcast_deliveries").
		WithArgs("sent", 1, nil, now, now, "42", "", int64(7), "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Release(7, "tok", out))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseWithStaleTokenFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := &DeliveryRepository{DB: db}

	mock.ExpectExec("UPDATE broadcast_deliveries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	now := time.Now()
	err = repo.Release(7, "expired-token", DeliveryOutcome{Status: model.DeliverySent, LastAttemptAt: &now})
	assert.ErrorIs(t, err, appErrors.ErrStaleLease)
}

func TestCountByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := &DeliveryRepository{DB: db}

	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow("pending", 3).
		AddRow("sent", 5).
		AddRow("failed_permanent", 1)

	mock.ExpectQuery("SELECT status, COUNT").
		WithArgs("run-1").
		WillReturnRows(rows)

	counts, err := repo.CountByStatus("run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, counts[model.DeliveryPending])
	assert.Equal(t, 5, counts[model.DeliverySent])
	assert.Equal(t, 1, counts[model.DeliveryFailedPermanent])
	assert.Equal(t, 0, counts[model.DeliveryUnknown])
}

func TestForceFailPendingSkipsLeasedRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := &DeliveryRepository{DB: db}

	mock.ExpectExec("UPDATE broadcast_deliveries").
		WithArgs("run-1", "run cancelled").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.ForceFailPending("run-1", "run cancelled")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
