package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/syncd/internal/store"
	"github.com/teranos/syncd/internal/testutil"
)

func TestUserMappingRoundTrip(t *testing.T) {
	db := testutil.CreateTestDB(t)
	s := store.New(db)

	_, found, err := s.GetUserMapping("alice", "lan")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.PutUserMapping("alice", "lan", "U-lan-2"))

	id, found, err := s.GetUserMapping("ALICE", "lan")
	require.NoError(t, err)
	require.True(t, found, "username match is case-insensitive")
	assert.Equal(t, "U-lan-2", id)
}

func TestUserMappingInvalidate(t *testing.T) {
	db := testutil.CreateTestDB(t)
	s := store.New(db)

	require.NoError(t, s.PutUserMapping("alice", "lan", "U-lan-2"))
	require.NoError(t, s.PutUserMapping("alice", "wan", "U-wan-1"))

	require.NoError(t, s.InvalidateUser("alice"))

	_, found, err := s.GetUserMapping("alice", "lan")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.GetUserMapping("alice", "wan")
	require.NoError(t, err)
	assert.False(t, found)
}
