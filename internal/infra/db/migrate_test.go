package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drip-engine/internal/resilience/retry"
)

func probeRetry(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestMigrateUp_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	for _, table := range []string{"channels", "campaigns", "campaign_messages", "contacts", "subscribers", "delivery_logs"} {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + table + " ").
			WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_subscribers_campaign_status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_delivery_logs_campaign").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, MigrateUp(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateUp_StopsOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS channels").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS campaigns").
		WillReturnError(sql.ErrConnDone)

	err = MigrateUp(context.Background(), db)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sql.ErrConnDone))
	assert.Contains(t, err.Error(), "statement 2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitForSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("SELECT 1 FROM delivery_logs").WillReturnError(errors.New("relation does not exist"))
	mock.ExpectExec("SELECT 1 FROM delivery_logs").WillReturnResult(sqlmock.NewResult(0, 0))

	err = WaitForSchema(context.Background(), db, probeRetry(3))
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitForSchema_GivesUp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("SELECT 1 FROM delivery_logs").WillReturnError(errors.New("down"))
	mock.ExpectExec("SELECT 1 FROM delivery_logs").WillReturnError(errors.New("down"))

	err = WaitForSchema(context.Background(), db, probeRetry(2))
	assert.ErrorContains(t, err, "schema not ready")
	assert.ErrorContains(t, err, "max retry attempts (2)")
}

func TestWaitForSchema_StopsOnCancel(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = WaitForSchema(ctx, db, probeRetry(5))
	assert.ErrorIs(t, err, context.Canceled)
}
