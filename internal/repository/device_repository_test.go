package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/auth-core-api/internal/models"
)

func TestFindByFingerprint(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewDeviceRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "user_id", "fingerprint", "name", "user_agent", "trusted", "last_seen_at", "created_at"}).
		AddRow("d1", "u1", "fp", "Laptop", "ua", false, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + deviceColumns + " FROM devices WHERE fingerprint = $1 LIMIT 1")).
		WithArgs("fp").
		WillReturnRows(rows)

	device, err := repo.FindByFingerprint(context.Background(), "fp")
	require.NoError(t, err)
	assert.Equal(t, "u1", device.UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDeviceDefaultsTimestamps(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewDeviceRepository(db)

	mock.ExpectExec("INSERT INTO devices").WillReturnResult(sqlmock.NewResult(1, 1))

	device := &models.Device{UserID: "u1", Fingerprint: "fp", Name: "Phone"}
	require.NoError(t, repo.Create(context.Background(), device))
	assert.NotEmpty(t, device.ID)
	assert.Equal(t, device.CreatedAt, device.LastSeenAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchDevice(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewDeviceRepository(db)

	mock.ExpectExec("UPDATE devices SET last_seen_at").
		WithArgs("d1", sqlmock.AnyArg(), "ua").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Touch(context.Background(), "d1", "ua", time.Now()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
