// Package ingest implements the Event Ingestor (spec §4.5): it accepts a
// raw webhook payload from an origin node, normalizes it into zero or more
// event intents (one per target node), and atomically enqueues them.
package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/teranos/syncd/errors"
	"github.com/teranos/syncd/internal/debounce"
	"github.com/teranos/syncd/internal/domain"
	"github.com/teranos/syncd/internal/secret"
	"github.com/teranos/syncd/internal/store"
	"github.com/teranos/syncd/internal/util"
)

// NodeInfo is the subset of a configured node's static data the Ingestor
// needs to fan out correctly.
type NodeInfo struct {
	Name         string
	Passwordless bool
}

// Store is the subset of internal/store.Store the Ingestor writes through.
type Store interface {
	Enqueue(intent store.EventIntent) (int64, error)
	FindPendingByDedupKey(dedupKey string) (*domain.PendingEvent, error)
}

// Ingestor normalizes webhooks into pending events.
type Ingestor struct {
	store           Store
	nodes           map[string]NodeInfo // by name, includes the origin itself
	debounceBuffer  *debounce.Buffer
	debounceWindow  time.Duration
	itemNotFoundMax int
	toggles         Toggles
}

// Toggles controls which event classes the Ingestor actually enqueues,
// mirroring §6's sync{} options. Fields are named negatively so the zero
// value enables every class — the common case in tests and anywhere no
// explicit policy is wired.
type Toggles struct {
	DisableProgress  bool
	DisableWatched   bool
	DisableFavorites bool
	DisableRatings   bool
	DisablePlaylists bool
}

// Config configures an Ingestor's fan-out behavior.
type Config struct {
	Nodes               []NodeInfo
	ProgressDebounceSec int
	ItemNotFoundMax     int // forwarded onto enqueued Progress/etc rows; policy decides the real budget later
	Toggles             Toggles
}

// New builds an Ingestor.
func New(s Store, cfg Config) *Ingestor {
	window := time.Duration(cfg.ProgressDebounceSec) * time.Second
	if window <= 0 {
		window = debounce.Default
	}
	nodes := make(map[string]NodeInfo, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		nodes[n.Name] = n
	}
	return &Ingestor{
		store:           s,
		nodes:           nodes,
		debounceBuffer:  debounce.New(window),
		debounceWindow:  window,
		itemNotFoundMax: cfg.ItemNotFoundMax,
		toggles:         cfg.Toggles,
	}
}

// enabled reports whether t's event class is configured to sync. User
// lifecycle events (UserCreated/UserDeleted) are never toggled off — they
// are account provisioning, not replicated media state.
func (ig *Ingestor) enabled(t domain.EventType) bool {
	switch t {
	case domain.EventProgress:
		return !ig.toggles.DisableProgress
	case domain.EventWatched:
		return !ig.toggles.DisableWatched
	case domain.EventFavorite:
		return !ig.toggles.DisableFavorites
	case domain.EventRating:
		return !ig.toggles.DisableRatings
	case domain.EventPlaylistChange:
		return !ig.toggles.DisablePlaylists
	default:
		return true
	}
}

// Result is returned to the webhook caller: the ids of every intent
// enqueued, and any generated passwords for UserCreated fan-out (§9).
type Result struct {
	IntentIDs         []int64
	GeneratedPasswords map[string]string // node name -> password
}

// Ingest normalizes one webhook and atomically enqueues its intents.
func (ig *Ingestor) Ingest(originNode string, payload WebhookPayload) (Result, error) {
	if _, ok := ig.nodes[originNode]; !ok {
		return Result{}, errors.WithDetailf(errors.ErrUnknownSource, "node=%s", originNode)
	}
	if payload.NotificationUsername == "" {
		return Result{}, errors.WithDetail(errors.ErrMalformedPayload, "missing NotificationUsername")
	}

	sourceTimestamp := parseTimestamp(payload.UtcTimestamp)
	item := domain.ItemDescriptor{
		Path: payload.Path,
		Providers: domain.ProviderIDs{
			IMDB: payload.ProviderIMDB,
			TMDB: payload.ProviderTMDB,
			TVDB: payload.ProviderTVDB,
		},
	}

	targets := ig.otherNodes(originNode)
	result := Result{GeneratedPasswords: map[string]string{}}

	switch payload.NotificationType {
	case NotificationUserCreated:
		for _, target := range targets {
			password := ""
			if !ig.nodes[target].Passwordless {
				var err error
				password, err = secret.GeneratePassword()
				if err != nil {
					return Result{}, errors.Wrap(err, "ingest: generate password")
				}
				result.GeneratedPasswords[target] = password
			}
			id, err := ig.enqueueSimple(domain.EventUserCreated, originNode, target, payload.NotificationUsername, item, sourceTimestamp, domain.FieldValue{}, password)
			if err != nil {
				return Result{}, err
			}
			result.IntentIDs = append(result.IntentIDs, id)
		}
		return result, nil

	case NotificationUserDeleted:
		for _, target := range targets {
			id, err := ig.enqueueSimple(domain.EventUserDeleted, originNode, target, payload.NotificationUsername, item, sourceTimestamp, domain.FieldValue{}, "")
			if err != nil {
				return Result{}, err
			}
			result.IntentIDs = append(result.IntentIDs, id)
		}
		return result, nil

	case NotificationPlaybackProgress:
		if !ig.enabled(domain.EventProgress) {
			return result, nil
		}
		for _, target := range targets {
			id, err := ig.enqueueProgress(originNode, target, payload, item, sourceTimestamp)
			if err != nil {
				return Result{}, err
			}
			if id != 0 {
				result.IntentIDs = append(result.IntentIDs, id)
			}
		}
		return result, nil

	case NotificationPlaybackStop:
		for _, target := range targets {
			if payload.PlayedToCompletion {
				if !ig.enabled(domain.EventWatched) {
					continue
				}
				id, err := ig.enqueueSimple(domain.EventWatched, originNode, target, payload.NotificationUsername, item, sourceTimestamp,
					domain.FieldValue{Played: util.Ptr(true), PlayedToCompletion: true}, "")
				if err != nil {
					return Result{}, err
				}
				result.IntentIDs = append(result.IntentIDs, id)
				continue
			}
			if !ig.enabled(domain.EventProgress) {
				continue
			}
			id, err := ig.enqueueProgress(originNode, target, payload, item, sourceTimestamp)
			if err != nil {
				return Result{}, err
			}
			if id != 0 {
				result.IntentIDs = append(result.IntentIDs, id)
			}
		}
		return result, nil

	case NotificationUserDataSaved:
		for _, target := range targets {
			ids, err := ig.enqueueUserDataSaved(originNode, target, payload, item, sourceTimestamp)
			if err != nil {
				return Result{}, err
			}
			result.IntentIDs = append(result.IntentIDs, ids...)
		}
		return result, nil

	case NotificationPlaylistChange:
		if !ig.enabled(domain.EventPlaylistChange) {
			return result, nil
		}
		if payload.PlaylistName == "" || payload.ItemAddedToPlaylist == nil {
			return Result{}, errors.WithDetail(errors.ErrMalformedPayload, "missing PlaylistName or ItemAddedToPlaylist")
		}
		for _, target := range targets {
			id, err := ig.enqueuePlaylistChange(originNode, target, payload, item, sourceTimestamp)
			if err != nil {
				return Result{}, err
			}
			result.IntentIDs = append(result.IntentIDs, id)
		}
		return result, nil

	default:
		return Result{}, errors.WithDetailf(errors.ErrMalformedPayload, "unknown NotificationType=%s", payload.NotificationType)
	}
}

func (ig *Ingestor) enqueueUserDataSaved(originNode, target string, payload WebhookPayload, item domain.ItemDescriptor, sourceTimestamp time.Time) ([]int64, error) {
	var ids []int64
	if payload.Played != nil && ig.enabled(domain.EventWatched) {
		id, err := ig.enqueueSimple(domain.EventWatched, originNode, target, payload.NotificationUsername, item, sourceTimestamp,
			domain.FieldValue{Played: payload.Played}, "")
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if payload.IsFavorite != nil && ig.enabled(domain.EventFavorite) {
		id, err := ig.enqueueSimple(domain.EventFavorite, originNode, target, payload.NotificationUsername, item, sourceTimestamp,
			domain.FieldValue{Favorite: payload.IsFavorite}, "")
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if payload.Rating != nil && ig.enabled(domain.EventRating) {
		id, err := ig.enqueueSimple(domain.EventRating, originNode, target, payload.NotificationUsername, item, sourceTimestamp,
			domain.FieldValue{Rating: payload.Rating}, "")
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// enqueueProgress implements §4.5's ingest-side debounce through
// Store.Enqueue's dedup_key upsert, which coalesces a repeated Progress
// intent into the existing row. The value is also recorded in the in-memory
// debounce.Buffer, but its result does not decide whether the intent is
// written: every call enqueues.
func (ig *Ingestor) enqueueProgress(originNode, target string, payload WebhookPayload, item domain.ItemDescriptor, sourceTimestamp time.Time) (int64, error) {
	key := debounce.Key{
		SourceNode: originNode,
		SourceUser: payload.NotificationUsername,
		ItemKey:    lookupKeyFor(item),
		TargetNode: target,
	}
	ig.debounceBuffer.Observe(key, payload.PlaybackPositionTicks)

	dedupKey := buildDedupKey(domain.EventProgress, originNode, payload.NotificationUsername, item, target)
	position := payload.PlaybackPositionTicks
	intent := store.EventIntent{
		DedupKey:   dedupKey,
		EventType:  domain.EventProgress,
		SourceNode: originNode,
		TargetNode: target,
		Payload: domain.Payload{
			Username:        payload.NotificationUsername,
			Item:            item,
			Fields:          domain.FieldValue{PositionTicks: &position},
			SourceTimestamp: sourceTimestamp,
		},
		ItemNotFoundMax: ig.itemNotFoundMax,
	}
	id, err := ig.store.Enqueue(intent)
	if err != nil {
		return 0, errors.Wrap(err, "ingest: enqueue progress")
	}
	return id, nil
}

func (ig *Ingestor) enqueueSimple(eventType domain.EventType, originNode, target, username string, item domain.ItemDescriptor, sourceTimestamp time.Time, fields domain.FieldValue, newPassword string) (int64, error) {
	dedupKey := buildDedupKey(eventType, originNode, username, item, target)
	intent := store.EventIntent{
		DedupKey:   dedupKey,
		EventType:  eventType,
		SourceNode: originNode,
		TargetNode: target,
		Payload: domain.Payload{
			Username:        username,
			Item:            item,
			Fields:          fields,
			SourceTimestamp: sourceTimestamp,
			NewPassword:     newPassword,
		},
		ItemNotFoundMax: ig.itemNotFoundMax,
	}
	id, err := ig.store.Enqueue(intent)
	if err != nil {
		return 0, errors.Wrap(err, "ingest: enqueue")
	}
	return id, nil
}

// enqueuePlaylistChange carries the playlist name alongside the toggled
// item so the Worker can reconcile one playlist's membership without
// having to diff an entire cross-node playlist listing (§9 design note).
func (ig *Ingestor) enqueuePlaylistChange(originNode, target string, payload WebhookPayload, item domain.ItemDescriptor, sourceTimestamp time.Time) (int64, error) {
	dedupKey := buildDedupKey(domain.EventPlaylistChange, originNode, payload.NotificationUsername, item, target) + "|" + payload.PlaylistName
	intent := store.EventIntent{
		DedupKey:   dedupKey,
		EventType:  domain.EventPlaylistChange,
		SourceNode: originNode,
		TargetNode: target,
		Payload: domain.Payload{
			Username:        payload.NotificationUsername,
			Item:            item,
			Fields:          domain.FieldValue{PlaylistMembership: payload.ItemAddedToPlaylist},
			SourceTimestamp: sourceTimestamp,
			PlaylistName:    payload.PlaylistName,
		},
		ItemNotFoundMax: ig.itemNotFoundMax,
	}
	id, err := ig.store.Enqueue(intent)
	if err != nil {
		return 0, errors.Wrap(err, "ingest: enqueue playlist change")
	}
	return id, nil
}

func (ig *Ingestor) otherNodes(origin string) []string {
	var others []string
	for name := range ig.nodes {
		if name != origin {
			others = append(others, name)
		}
	}
	return others
}

func lookupKeyFor(item domain.ItemDescriptor) string {
	if item.Path != "" {
		return item.Path
	}
	switch {
	case item.Providers.IMDB != "":
		return "imdb:" + item.Providers.IMDB
	case item.Providers.TMDB != "":
		return "tmdb:" + item.Providers.TMDB
	case item.Providers.TVDB != "":
		return "tvdb:" + item.Providers.TVDB
	default:
		return ""
	}
}

// buildDedupKey fingerprints (event_type, source_node, source_user,
// item_key, target_node) per spec §3.
func buildDedupKey(eventType domain.EventType, sourceNode, username string, item domain.ItemDescriptor, target string) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", eventType, sourceNode, strings.ToLower(username), lookupKeyFor(item), target)
}

func parseTimestamp(utc string) time.Time {
	if utc == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339, utc)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

