package ingest_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/syncd/errors"
	"github.com/teranos/syncd/internal/domain"
	"github.com/teranos/syncd/internal/ingest"
	"github.com/teranos/syncd/internal/store"
)

type fakeStore struct {
	nextID  int64
	byDedup map[string]*domain.PendingEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{byDedup: map[string]*domain.PendingEvent{}}
}

func (f *fakeStore) Enqueue(intent store.EventIntent) (int64, error) {
	if existing, ok := f.byDedup[intent.DedupKey]; ok {
		existing.Payload = intent.Payload
		return existing.ID, nil
	}
	f.nextID++
	event := &domain.PendingEvent{
		ID:         f.nextID,
		DedupKey:   intent.DedupKey,
		EventType:  intent.EventType,
		SourceNode: intent.SourceNode,
		TargetNode: intent.TargetNode,
		Payload:    intent.Payload,
		State:      domain.StatePending,
	}
	f.byDedup[intent.DedupKey] = event
	return event.ID, nil
}

func (f *fakeStore) FindPendingByDedupKey(dedupKey string) (*domain.PendingEvent, error) {
	return f.byDedup[dedupKey], nil
}

func testNodes() []ingest.NodeInfo {
	return []ingest.NodeInfo{
		{Name: "wan", Passwordless: false},
		{Name: "lan", Passwordless: true},
	}
}

func TestIngestUnknownSource(t *testing.T) {
	s := newFakeStore()
	ig := ingest.New(s, ingest.Config{Nodes: testNodes()})

	_, err := ig.Ingest("unknown", ingest.WebhookPayload{NotificationUsername: "alice"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownSource))
}

func TestIngestMalformedPayload(t *testing.T) {
	s := newFakeStore()
	ig := ingest.New(s, ingest.Config{Nodes: testNodes()})

	_, err := ig.Ingest("wan", ingest.WebhookPayload{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMalformedPayload))
}

func TestIngestProgressFansOutToOtherNodes(t *testing.T) {
	s := newFakeStore()
	ig := ingest.New(s, ingest.Config{Nodes: testNodes()})

	result, err := ig.Ingest("wan", ingest.WebhookPayload{
		NotificationType:      ingest.NotificationPlaybackProgress,
		NotificationUsername:  "alice",
		Path:                  "/mnt/nfs/movies/x.mkv",
		PlaybackPositionTicks: 6000000000,
	})
	require.NoError(t, err)
	assert.Len(t, result.IntentIDs, 1, "only one other node (lan) configured")
	assert.Len(t, s.byDedup, 1)
}

func TestIngestCoalescesProgressWithinDebounceWindow(t *testing.T) {
	s := newFakeStore()
	ig := ingest.New(s, ingest.Config{Nodes: testNodes(), ProgressDebounceSec: 30})

	_, err := ig.Ingest("wan", ingest.WebhookPayload{
		NotificationType:      ingest.NotificationPlaybackProgress,
		NotificationUsername:  "alice",
		Path:                  "/mnt/nfs/movies/x.mkv",
		PlaybackPositionTicks: 6000000000,
	})
	require.NoError(t, err)

	_, err = ig.Ingest("wan", ingest.WebhookPayload{
		NotificationType:      ingest.NotificationPlaybackProgress,
		NotificationUsername:  "alice",
		Path:                  "/mnt/nfs/movies/x.mkv",
		PlaybackPositionTicks: 6200000000,
	})
	require.NoError(t, err)

	assert.Len(t, s.byDedup, 1, "same dedup_key should coalesce into a single row")
	for _, e := range s.byDedup {
		assert.Equal(t, int64(6200000000), *e.Payload.Fields.PositionTicks)
	}
}

func TestIngestPlaybackStopWithCompletionEnqueuesWatched(t *testing.T) {
	s := newFakeStore()
	ig := ingest.New(s, ingest.Config{Nodes: testNodes()})

	result, err := ig.Ingest("wan", ingest.WebhookPayload{
		NotificationType:      ingest.NotificationPlaybackStop,
		NotificationUsername:  "alice",
		Path:                  "/mnt/nfs/movies/x.mkv",
		PlayedToCompletion:    true,
		PlaybackPositionTicks: 72000000000,
	})
	require.NoError(t, err)
	require.Len(t, result.IntentIDs, 1)

	event := s.byDedup[firstKey(s.byDedup)]
	assert.Equal(t, domain.EventWatched, event.EventType)
	assert.True(t, *event.Payload.Fields.Played)
}

func TestIngestUserCreatedFansOutWithPasswords(t *testing.T) {
	s := newFakeStore()
	ig := ingest.New(s, ingest.Config{Nodes: testNodes()})

	result, err := ig.Ingest("wan", ingest.WebhookPayload{
		NotificationType:     ingest.NotificationUserCreated,
		NotificationUsername: "bob",
	})
	require.NoError(t, err)
	require.Len(t, result.IntentIDs, 1)
	// lan is passwordless, so no generated password for it.
	assert.Empty(t, result.GeneratedPasswords["lan"])
}

func TestIngestUserDeletedFansOutToAllOthers(t *testing.T) {
	s := newFakeStore()
	nodes := []ingest.NodeInfo{{Name: "wan"}, {Name: "lan"}, {Name: "third"}}
	ig := ingest.New(s, ingest.Config{Nodes: nodes})

	result, err := ig.Ingest("wan", ingest.WebhookPayload{
		NotificationType:     ingest.NotificationUserDeleted,
		NotificationUsername: "bob",
	})
	require.NoError(t, err)
	assert.Len(t, result.IntentIDs, 2)
}

func TestIngestUserDataSavedSplitsIntoFieldIntents(t *testing.T) {
	s := newFakeStore()
	ig := ingest.New(s, ingest.Config{Nodes: testNodes()})

	fav := true
	rating := 8.5
	result, err := ig.Ingest("wan", ingest.WebhookPayload{
		NotificationType:      ingest.NotificationUserDataSaved,
		NotificationUsername:  "alice",
		Path:                  "/mnt/nfs/movies/x.mkv",
		IsFavorite:            &fav,
		Rating:                &rating,
	})
	require.NoError(t, err)
	assert.Len(t, result.IntentIDs, 2, "favorite and rating intents, no watched (Played unset)")
}

func TestIngestPlaylistChangeFansOutWithPlaylistName(t *testing.T) {
	s := newFakeStore()
	ig := ingest.New(s, ingest.Config{Nodes: testNodes()})

	added := true
	result, err := ig.Ingest("wan", ingest.WebhookPayload{
		NotificationType:      ingest.NotificationPlaylistChange,
		NotificationUsername:  "alice",
		Path:                  "/mnt/nfs/movies/x.mkv",
		PlaylistName:          "Favorites",
		ItemAddedToPlaylist:   &added,
	})
	require.NoError(t, err)
	require.Len(t, result.IntentIDs, 1)

	event := s.byDedup[firstKey(s.byDedup)]
	assert.Equal(t, domain.EventPlaylistChange, event.EventType)
	assert.Equal(t, "Favorites", event.Payload.PlaylistName)
	require.NotNil(t, event.Payload.Fields.PlaylistMembership)
	assert.True(t, *event.Payload.Fields.PlaylistMembership)
}

func TestIngestPlaylistChangeRejectsMissingPlaylistName(t *testing.T) {
	s := newFakeStore()
	ig := ingest.New(s, ingest.Config{Nodes: testNodes()})

	added := true
	_, err := ig.Ingest("wan", ingest.WebhookPayload{
		NotificationType:      ingest.NotificationPlaylistChange,
		NotificationUsername:  "alice",
		ItemAddedToPlaylist:   &added,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMalformedPayload))
}

func TestIngestSkipsDisabledProgress(t *testing.T) {
	s := newFakeStore()
	ig := ingest.New(s, ingest.Config{Nodes: testNodes(), Toggles: ingest.Toggles{DisableProgress: true}})

	result, err := ig.Ingest("wan", ingest.WebhookPayload{
		NotificationType:      ingest.NotificationPlaybackProgress,
		NotificationUsername:  "alice",
		Path:                  "/mnt/nfs/movies/x.mkv",
		PlaybackPositionTicks: 6000000000,
	})
	require.NoError(t, err)
	assert.Empty(t, result.IntentIDs)
	assert.Empty(t, s.byDedup)
}

func TestIngestSkipsDisabledFavorites(t *testing.T) {
	s := newFakeStore()
	ig := ingest.New(s, ingest.Config{Nodes: testNodes(), Toggles: ingest.Toggles{DisableFavorites: true}})

	fav := true
	rating := 8.5
	result, err := ig.Ingest("wan", ingest.WebhookPayload{
		NotificationType:      ingest.NotificationUserDataSaved,
		NotificationUsername:  "alice",
		Path:                  "/mnt/nfs/movies/x.mkv",
		IsFavorite:            &fav,
		Rating:                &rating,
	})
	require.NoError(t, err)
	assert.Len(t, result.IntentIDs, 1, "only the rating intent, favorite is disabled")
	for _, e := range s.byDedup {
		assert.Equal(t, domain.EventRating, e.EventType)
	}
}

func TestIngestSkipsPlaylistChangeWhenPlaylistsDisabled(t *testing.T) {
	s := newFakeStore()
	ig := ingest.New(s, ingest.Config{Nodes: testNodes(), Toggles: ingest.Toggles{DisablePlaylists: true}})

	added := true
	result, err := ig.Ingest("wan", ingest.WebhookPayload{
		NotificationType:     ingest.NotificationPlaylistChange,
		NotificationUsername: "alice",
		PlaylistName:         "Favorites",
		ItemAddedToPlaylist:  &added,
	})
	require.NoError(t, err, "disabled playlists should no-op rather than validate the payload")
	assert.Empty(t, result.IntentIDs)
	assert.Empty(t, s.byDedup)
}

func TestIngestSkipsWatchedOnPlaybackStopWhenDisabled(t *testing.T) {
	s := newFakeStore()
	ig := ingest.New(s, ingest.Config{Nodes: testNodes(), Toggles: ingest.Toggles{DisableWatched: true}})

	result, err := ig.Ingest("wan", ingest.WebhookPayload{
		NotificationType:      ingest.NotificationPlaybackStop,
		NotificationUsername:  "alice",
		Path:                  "/mnt/nfs/movies/x.mkv",
		PlayedToCompletion:    true,
		PlaybackPositionTicks: 72000000000,
	})
	require.NoError(t, err)
	assert.Empty(t, result.IntentIDs)
	assert.Empty(t, s.byDedup)
}

func TestIngestUserLifecycleEventsIgnoreToggles(t *testing.T) {
	s := newFakeStore()
	ig := ingest.New(s, ingest.Config{
		Nodes: testNodes(),
		Toggles: ingest.Toggles{
			DisableProgress: true, DisableWatched: true, DisableFavorites: true,
			DisableRatings: true, DisablePlaylists: true,
		},
	})

	result, err := ig.Ingest("wan", ingest.WebhookPayload{
		NotificationType:     ingest.NotificationUserCreated,
		NotificationUsername: "bob",
	})
	require.NoError(t, err)
	assert.Len(t, result.IntentIDs, 1, "user lifecycle events are never toggled off")
}

func firstKey(m map[string]*domain.PendingEvent) string {
	for k := range m {
		return k
	}
	return ""
}
