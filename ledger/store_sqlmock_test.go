package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagate-io/metagate/errors"
)

// Driver-level failures that an in-memory database cannot produce.

func TestCreateAttemptSurfacesDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO startup_attempts").
		WillReturnError(errors.New("database is locked"))

	_, err = New(db).CreateAttempt(context.Background(), OpenParams{
		PrincipalKey: "P1", ComponentKey: "memorygate_main", SLA: time.Minute,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create startup attempt")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkReadySurfacesDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE startup_attempts").
		WillReturnError(errors.New("disk I/O error"))

	_, err = New(db).MarkReady(context.Background(), "a-1", "P1", nil)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "invalid transition")
	assert.NoError(t, mock.ExpectationsWereMet())
}
