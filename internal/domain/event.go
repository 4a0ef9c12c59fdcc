// Package domain holds the types shared across syncd's event pipeline:
// the store, the identity resolver, the node client, and the worker all
// speak these shapes rather than passing raw maps or JSON around.
package domain

import "time"

// EventType is the kind of user-state change a webhook reports.
type EventType string

const (
	EventProgress       EventType = "progress"
	EventWatched        EventType = "watched"
	EventFavorite       EventType = "favorite"
	EventRating         EventType = "rating"
	EventUserCreated    EventType = "user_created"
	EventUserDeleted    EventType = "user_deleted"
	EventPlaylistChange EventType = "playlist_change"
)

// ItemDescriptor identifies a media item independent of any one node's
// internal id: a normalized file path and/or a set of external provider ids.
type ItemDescriptor struct {
	Path  string       `json:"path,omitempty"`
	Providers ProviderIDs `json:"providers,omitempty"`
}

// ProviderIDs carries external identifiers in the order they should be
// tried when resolving an item by provider (imdb, then tmdb, then tvdb).
type ProviderIDs struct {
	IMDB string `json:"imdb,omitempty"`
	TMDB string `json:"tmdb,omitempty"`
	TVDB string `json:"tvdb,omitempty"`
}

// Empty reports whether no provider id is set.
func (p ProviderIDs) Empty() bool {
	return p.IMDB == "" && p.TMDB == "" && p.TVDB == ""
}

// FieldValue is one field=value pair carried in an event payload, along
// with the wall-clock time the source node reported it. Last-write-wins
// comparisons at apply time key off SourceTimestamp.
type FieldValue struct {
	Played              *bool    `json:"played,omitempty"`
	PositionTicks       *int64   `json:"position_ticks,omitempty"`
	Favorite            *bool    `json:"favorite,omitempty"`
	Rating              *float64 `json:"rating,omitempty"`
	PlayedToCompletion  bool     `json:"played_to_completion,omitempty"`
	// PlaylistMembership is non-nil only for EventPlaylistChange: true means
	// the item was added to PlaylistName, false means it was removed.
	PlaylistMembership *bool `json:"playlist_membership,omitempty"`
}

// Payload is the normalized, opaque (to the store) snapshot carried by a
// pending event: enough to resolve identities and apply the effect.
type Payload struct {
	Username        string          `json:"username"`
	Item            ItemDescriptor  `json:"item"`
	Fields          FieldValue      `json:"fields"`
	SourceTimestamp time.Time       `json:"source_timestamp"`
	// NewPassword is set only for UserCreated intents targeting a
	// passwordful node, and is surfaced back to the webhook caller.
	NewPassword string `json:"new_password,omitempty"`
	// PlaylistName is set only for EventPlaylistChange intents.
	PlaylistName string `json:"playlist_name,omitempty"`
}

// EventState is the pending_events lifecycle state.
type EventState string

const (
	StatePending     EventState = "pending"
	StateProcessing  EventState = "processing"
	StateWaitingItem EventState = "waiting_item"
	StateFailed      EventState = "failed"
)

// PendingEvent is a row of the durable queue.
type PendingEvent struct {
	ID                 int64
	DedupKey           string
	EventType          EventType
	SourceNode         string
	TargetNode         string
	Payload            Payload
	State              EventState
	Attempts           int
	ItemNotFoundCount  int
	ItemNotFoundMax    int
	NextRetryAt        time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastError          string
}

// SyncLogEntry is an append-only record of a terminal outcome.
type SyncLogEntry struct {
	ID          int64
	CreatedAt   time.Time
	EventType   EventType
	SourceNode  string
	TargetNode  string
	Username    string
	ItemName    string
	SyncedValue string
	Success     bool
	Message     string
}
