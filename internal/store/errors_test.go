package store_test

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/syncd/errors"
	"github.com/teranos/syncd/internal/store"
)

func TestIsDatabaseClosedNilAndUnrelatedErrors(t *testing.T) {
	assert.False(t, store.IsDatabaseClosed(nil))
	assert.False(t, store.IsDatabaseClosed(errors.New("some other failure")))
}

func TestIsDatabaseClosedWrappedSentinel(t *testing.T) {
	wrapped := errors.Wrap(store.ErrDatabaseClosed, "lease_due")
	assert.True(t, store.IsDatabaseClosed(wrapped))
}

// TestIsDatabaseClosedRawDriverError exercises the string-matching fallback:
// a raw sql/driver error that never passed through this package's own
// wrapping, which is what a query against a pool closed out from under it
// actually returns.
func TestIsDatabaseClosedRawDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectClose()
	require.NoError(t, db.Close())

	_, queryErr := db.Query("SELECT 1")
	require.Error(t, queryErr)
	assert.True(t, store.IsDatabaseClosed(queryErr))
}
