package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/syncd/internal/domain"
	"github.com/teranos/syncd/internal/store"
	"github.com/teranos/syncd/internal/testutil"
)

func intentFor(t time.Time, position int64) store.EventIntent {
	return store.EventIntent{
		DedupKey:   "progress|wan|alice|/mnt/x.mkv|lan",
		EventType:  domain.EventProgress,
		SourceNode: "wan",
		TargetNode: "lan",
		Payload: domain.Payload{
			Username: "alice",
			Item:     domain.ItemDescriptor{Path: "/mnt/x.mkv"},
			Fields: domain.FieldValue{
				PositionTicks: &position,
			},
			SourceTimestamp: t,
		},
	}
}

func TestEnqueueInsertsNewRow(t *testing.T) {
	db := testutil.CreateTestDB(t)
	s := store.New(db)

	id, err := s.Enqueue(intentFor(time.Now().UTC(), 6000000000))
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	events, err := s.ListPending(domain.StatePending, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(6000000000), *events[0].Payload.Fields.PositionTicks)
}

func TestEnqueueCoalescesOnDedupKey(t *testing.T) {
	db := testutil.CreateTestDB(t)
	s := store.New(db)

	base := time.Now().UTC()
	first, err := s.Enqueue(intentFor(base, 6000000000))
	require.NoError(t, err)

	second, err := s.Enqueue(intentFor(base.Add(20*time.Second), 12000000000))
	require.NoError(t, err)
	assert.Equal(t, first, second, "coalesced enqueue must reuse the same row id")

	events, err := s.ListPending(domain.StatePending, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1, "only one pending row for the dedup_key")
	assert.Equal(t, int64(12000000000), *events[0].Payload.Fields.PositionTicks)
}

func TestEnqueueOlderTimestampDoesNotRegressPosition(t *testing.T) {
	db := testutil.CreateTestDB(t)
	s := store.New(db)

	base := time.Now().UTC()
	_, err := s.Enqueue(intentFor(base, 12000000000))
	require.NoError(t, err)

	_, err = s.Enqueue(intentFor(base.Add(-5*time.Second), 6000000000))
	require.NoError(t, err)

	events, err := s.ListPending(domain.StatePending, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(12000000000), *events[0].Payload.Fields.PositionTicks,
		"an older source timestamp must not clobber a newer value")
}

func TestLeaseDueTransitionsToProcessing(t *testing.T) {
	db := testutil.CreateTestDB(t)
	s := store.New(db)

	_, err := s.Enqueue(intentFor(time.Now().UTC(), 1000))
	require.NoError(t, err)

	leased, err := s.LeaseDue(10, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, domain.StateProcessing, leased[0].State)

	// A second lease attempt must not pick up the same row again.
	leasedAgain, err := s.LeaseDue(10, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, leasedAgain)
}

func TestLeaseDueRespectsNextRetryAt(t *testing.T) {
	db := testutil.CreateTestDB(t)
	s := store.New(db)

	_, err := s.Enqueue(intentFor(time.Now().UTC(), 1000))
	require.NoError(t, err)

	leased, err := s.LeaseDue(10, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, leased, "a future next_retry_at should not be leased")
}

func TestFinalizeAppliedRemovesRowAndLogs(t *testing.T) {
	db := testutil.CreateTestDB(t)
	s := store.New(db)

	_, err := s.Enqueue(intentFor(time.Now().UTC(), 1000))
	require.NoError(t, err)
	leased, err := s.LeaseDue(10, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, leased, 1)

	err = s.Finalize(leased[0].ID, domain.Outcome{
		Kind:        domain.OutcomeApplied,
		SyncedValue: "position=00:10:00",
	}, leased[0])
	require.NoError(t, err)

	remaining, err := s.ListPending(domain.StatePending, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	logEntries, err := s.QuerySyncLog(store.SyncLogFilter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, logEntries, 1)
	assert.True(t, logEntries[0].Success)
}

func TestFinalizeRetryReschedules(t *testing.T) {
	db := testutil.CreateTestDB(t)
	s := store.New(db)

	_, err := s.Enqueue(intentFor(time.Now().UTC(), 1000))
	require.NoError(t, err)
	leased, err := s.LeaseDue(10, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)

	err = s.Finalize(leased[0].ID, domain.Outcome{
		Kind:   domain.OutcomeRetry,
		Delay:  time.Hour,
		Reason: "connection refused",
	}, leased[0])
	require.NoError(t, err)

	// Not due yet under the new next_retry_at.
	leasedAgain, err := s.LeaseDue(10, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, leasedAgain)

	pending, err := s.ListPending(domain.StatePending, 10, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
}

func TestFinalizeWaitItemIncrementsCounter(t *testing.T) {
	db := testutil.CreateTestDB(t)
	s := store.New(db)

	_, err := s.Enqueue(intentFor(time.Now().UTC(), 1000))
	require.NoError(t, err)
	leased, err := s.LeaseDue(10, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)

	err = s.Finalize(leased[0].ID, domain.Outcome{
		Kind:   domain.OutcomeWaitItem,
		Delay:  10 * time.Minute,
		Reason: "item not found",
	}, leased[0])
	require.NoError(t, err)

	waiting, err := s.ListPending(domain.StateWaitingItem, 10, 0)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, 1, waiting[0].ItemNotFoundCount)
}

func TestReapOrphansReturnsProcessingToPending(t *testing.T) {
	db := testutil.CreateTestDB(t)
	s := store.New(db)

	_, err := s.Enqueue(intentFor(time.Now().UTC(), 1000))
	require.NoError(t, err)
	_, err = s.LeaseDue(10, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)

	n, err := s.ReapOrphans()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := s.ListPending(domain.StatePending, 10, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
