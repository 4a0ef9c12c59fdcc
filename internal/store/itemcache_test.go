package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/syncd/internal/store"
	"github.com/teranos/syncd/internal/testutil"
)

func TestItemCacheRoundTrip(t *testing.T) {
	db := testutil.CreateTestDB(t)
	s := store.New(db)

	_, found, _, err := s.GetItemCache("lan", "/mnt/x.mkv")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.PutItemCache("lan", "/mnt/x.mkv", "I-lan-17"))

	id, found, stale, err := s.GetItemCache("lan", "/mnt/x.mkv")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, stale)
	assert.Equal(t, "I-lan-17", id)
}

func TestItemCacheInvalidate(t *testing.T) {
	db := testutil.CreateTestDB(t)
	s := store.New(db)

	require.NoError(t, s.PutItemCache("lan", "/mnt/x.mkv", "I-lan-17"))
	require.NoError(t, s.InvalidateItem("lan", "/mnt/x.mkv"))

	_, found, _, err := s.GetItemCache("lan", "/mnt/x.mkv")
	require.NoError(t, err)
	assert.False(t, found)
}
