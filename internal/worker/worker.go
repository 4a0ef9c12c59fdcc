// Package worker implements the Sync Worker (spec §4.6): a single
// cooperative loop that leases due events from the Store, resolves
// identities, checks cooldown, invokes the Node Client, and finalizes each
// event as applied, skipped, retried, waiting-on-item, or failed.
//
// The scheduling shape — graceful startup via orphan recovery, a fixed
// tick interval, per-tick batch leasing, and a context-aware shutdown that
// requeues whatever is still in flight — is grounded on the teacher's
// worker pool ticker loop, adapted from a generic job queue to the fixed
// pending-event state machine this spec requires.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/syncd/errors"
	"github.com/teranos/syncd/internal/cooldown"
	"github.com/teranos/syncd/internal/domain"
	"github.com/teranos/syncd/internal/nodeapi"
	"github.com/teranos/syncd/internal/policy"
	"github.com/teranos/syncd/internal/store"
	"github.com/teranos/syncd/internal/util"
)

const ticksPerSecond = 10_000_000 // Jellyfin/Emby tick = 100ns

// progressThreshold is the §4.6 step 4 "already set" tolerance for
// playback position comparisons.
const progressThreshold = 10 * ticksPerSecond

// Store is the subset of internal/store.Store the Worker drives.
type Store interface {
	LeaseDue(limit int, now time.Time) ([]domain.PendingEvent, error)
	Finalize(eventID int64, outcome domain.Outcome, event domain.PendingEvent) error
	ReapOrphans() (int64, error)
}

// MappingStore is the subset the Worker needs for user-lifecycle events.
type MappingStore interface {
	PutUserMapping(username, nodeName, remoteUserID string) error
	InvalidateUser(username string) error
}

// Resolver is the subset of internal/resolver.Resolver the Worker consults.
type Resolver interface {
	ResolveUserByUsername(ctx context.Context, username, targetNode string) (string, error)
	ResolveItem(ctx context.Context, item domain.ItemDescriptor, targetNode string) (string, error)
}

// NodeClient is the subset of internal/nodeapi.Client the Worker invokes.
// It is satisfied directly by *nodeapi.Client; defined here so the Worker
// can be exercised against fakes in tests without an HTTP server.
type NodeClient interface {
	GetUserItemData(ctx context.Context, userID, itemID string) (nodeapi.UserItemData, error)
	MarkPlayed(ctx context.Context, userID, itemID string, at time.Time) error
	MarkUnplayed(ctx context.Context, userID, itemID string) error
	SetFavorite(ctx context.Context, userID, itemID string, favorite bool) error
	SetRating(ctx context.Context, userID, itemID string, rating *float64) error
	SetProgress(ctx context.Context, userID, itemID string, positionTicks int64) error
	CreateUser(ctx context.Context, username, password string) (string, error)
	DeleteUser(ctx context.Context, remoteID string) error
	ListPlaylists(ctx context.Context, userID string) ([]nodeapi.Playlist, error)
	CreatePlaylist(ctx context.Context, userID, name string, itemIDs []string) (string, error)
	AddPlaylistItem(ctx context.Context, playlistID, userID, itemID string) error
	RemovePlaylistItem(ctx context.Context, playlistID, itemID string) error
}

// Config tunes the Worker's scheduling and retry behavior (§4.6, §6).
type Config struct {
	Interval   time.Duration // default 5s
	BatchSize  int           // default 32
	MaxRetries int           // default 5

	// OnUnauthorized is invoked whenever a node rejects a call as
	// unauthorized, letting the Supervisor degrade that node's readiness
	// (§7, §4.2).
	OnUnauthorized func(node string)
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Second, BatchSize: 32, MaxRetries: 5}
}

// Worker runs the single cooperative sync loop.
type Worker struct {
	store    Store
	resolver Resolver
	policy   *policy.Engine
	cooldown *cooldown.Set
	mappings MappingStore
	nodes    map[string]NodeClient
	cfg      Config
	log      *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Worker. nodes must contain a client for every configured
// node, keyed by node name; every apply step, PlaylistChange included, goes
// through the event's target node client.
func New(parentCtx context.Context, store Store, resolver Resolver, policyEngine *policy.Engine, cooldownSet *cooldown.Set, mappings MappingStore, nodes map[string]NodeClient, cfg Config, log *zap.SugaredLogger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	ctx, cancel := context.WithCancel(parentCtx)
	return &Worker{
		store:    store,
		resolver: resolver,
		policy:   policyEngine,
		cooldown: cooldownSet,
		mappings: mappings,
		nodes:    nodes,
		cfg:      cfg,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start recovers orphaned rows from a crashed prior run and begins ticking.
func (w *Worker) Start() error {
	if n, err := w.store.ReapOrphans(); err != nil {
		return errors.Wrap(err, "worker: start: reap orphans")
	} else if n > 0 {
		w.log.Infow("recovered orphaned events", "count", n)
	}
	w.wg.Add(1)
	go w.run()
	w.log.Infow("worker started", "interval", w.cfg.Interval, "batch_size", w.cfg.BatchSize)
	return nil
}

// Stop cancels the loop and waits for the in-flight tick to finish
// requeuing, bounded by ctx (the Supervisor's drain timeout, §5).
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Worker) tick() {
	events, err := w.store.LeaseDue(w.cfg.BatchSize, time.Now().UTC())
	if err != nil {
		if store.IsDatabaseClosed(err) {
			// Expected when Stop closed the database out from under an
			// in-flight tick; not a store fault worth an error log.
			w.log.Debugw("lease_due: database closed during shutdown")
			return
		}
		// StoreError is fatal for this tick only (§7): log and back off
		// one interval rather than crash the loop.
		w.log.Errorw("lease_due failed, backing off one tick", "error", err)
		return
	}

	for i, event := range events {
		select {
		case <-w.ctx.Done():
			w.requeueRemaining(events[i:])
			return
		default:
		}

		outcome := w.processEvent(w.ctx, event)
		if err := w.store.Finalize(event.ID, outcome, event); err != nil && !store.IsDatabaseClosed(err) {
			w.log.Errorw("finalize failed", "event_id", event.ID, "error", err)
		}
	}
}

// requeueRemaining implements §4.6's cancellation contract: every event
// still leased when shutdown begins goes back to pending immediately.
func (w *Worker) requeueRemaining(events []domain.PendingEvent) {
	for _, event := range events {
		outcome := domain.Outcome{Kind: domain.OutcomeRetry, Delay: 0, Reason: "shutdown"}
		if err := w.store.Finalize(event.ID, outcome, event); err != nil && !store.IsDatabaseClosed(err) {
			w.log.Errorw("finalize (shutdown requeue) failed", "event_id", event.ID, "error", err)
		}
	}
}

// processEvent runs the per-event pipeline (§4.6 steps 1-7) and returns the
// disposition for Store.Finalize to apply.
func (w *Worker) processEvent(ctx context.Context, event domain.PendingEvent) domain.Outcome {
	switch event.EventType {
	case domain.EventUserCreated, domain.EventUserDeleted:
		return w.applyUserLifecycle(ctx, event)
	case domain.EventPlaylistChange:
		return w.applyPlaylistChange(ctx, event)
	}

	client, ok := w.nodes[event.TargetNode]
	if !ok {
		return domain.Outcome{Kind: domain.OutcomeFailed, Reason: fmt.Sprintf("no client configured for node %q", event.TargetNode)}
	}

	targetUserID, err := w.resolver.ResolveUserByUsername(ctx, event.Payload.Username, event.TargetNode)
	if err != nil {
		if errors.Is(err, errors.ErrNoMatchingUser) {
			return domain.Outcome{Kind: domain.OutcomeFailed, Reason: err.Error()}
		}
		return w.classifyNodeError(event, err)
	}

	itemID, err := w.resolver.ResolveItem(ctx, event.Payload.Item, event.TargetNode)
	if err != nil {
		if errors.Is(err, errors.ErrItemAbsent) {
			return w.handleItemAbsent(event)
		}
		return w.classifyNodeError(event, err)
	}

	// The cooldown key needs resolved target ids, so the check happens here
	// rather than strictly before resolution; the observable effect (an
	// echoed write within the window is suppressed before it reaches the
	// node) is the same either way.
	key := cooldown.Key{TargetNode: event.TargetNode, UserID: targetUserID, ItemID: itemID, Field: cooldownField(event.EventType)}
	if w.cooldown.Active(key) {
		return domain.Outcome{Kind: domain.OutcomeSkipped, Reason: "cooldown"}
	}

	current, err := client.GetUserItemData(ctx, targetUserID, itemID)
	if err != nil {
		return w.classifyNodeError(event, err)
	}

	if skip, reason := compareState(event, current); skip {
		return domain.Outcome{Kind: domain.OutcomeSkipped, Reason: reason}
	}

	syncedValue, err := w.apply(ctx, client, event, targetUserID, itemID)
	if err != nil {
		return w.classifyNodeError(event, err)
	}

	w.cooldown.Set(key)
	return domain.Outcome{Kind: domain.OutcomeApplied, SyncedValue: syncedValue}
}

func cooldownField(eventType domain.EventType) string {
	switch eventType {
	case domain.EventProgress:
		return "position"
	case domain.EventWatched:
		return "played"
	case domain.EventFavorite:
		return "favorite"
	case domain.EventRating:
		return "rating"
	default:
		return string(eventType)
	}
}

// handleItemAbsent implements §4.6 step 3's policy consultation.
func (w *Worker) handleItemAbsent(event domain.PendingEvent) domain.Outcome {
	decision := w.policy.Decide(event.Payload.Item.Path)
	if decision.MaxAttempts == 0 {
		return domain.Outcome{Kind: domain.OutcomeFailed, Reason: "item not found"}
	}
	nextCount := event.ItemNotFoundCount + 1
	if decision.MaxAttempts != -1 && nextCount > decision.MaxAttempts {
		return domain.Outcome{Kind: domain.OutcomeFailed, Reason: "item not found"}
	}
	return domain.Outcome{
		Kind:   domain.OutcomeWaitItem,
		Delay:  time.Duration(decision.DelaySeconds) * time.Second,
		Reason: "item not found",
	}
}

// compareState implements §4.6 step 4's last-write-wins comparisons.
func compareState(event domain.PendingEvent, current nodeapi.UserItemData) (skip bool, reason string) {
	fields := event.Payload.Fields
	switch event.EventType {
	case domain.EventProgress:
		if fields.PositionTicks == nil {
			return true, "no position in payload"
		}
		source := *fields.PositionTicks
		diff := util.AbsFloat64(float64(current.PositionTicks - source))
		if diff < float64(progressThreshold) {
			return true, "already set"
		}
		if current.PositionTicks > source && current.LastPlayedAt != nil && current.LastPlayedAt.After(event.Payload.SourceTimestamp) {
			return true, "target newer"
		}
		return false, ""

	case domain.EventWatched:
		played := fields.Played != nil && *fields.Played
		if current.Played == played {
			return true, "already set"
		}
		return false, ""

	case domain.EventFavorite:
		favorite := fields.Favorite != nil && *fields.Favorite
		if current.Favorite == favorite {
			return true, "already set"
		}
		return false, ""

	case domain.EventRating:
		if fields.Rating == nil && current.Rating == nil {
			return true, "already set"
		}
		if fields.Rating != nil && current.Rating != nil && *fields.Rating == *current.Rating {
			return true, "already set"
		}
		return false, ""

	default:
		return false, ""
	}
}

// apply implements §4.6 step 5, dispatching to the Node Client operation
// matching the event type.
func (w *Worker) apply(ctx context.Context, client NodeClient, event domain.PendingEvent, userID, itemID string) (syncedValue string, err error) {
	fields := event.Payload.Fields
	switch event.EventType {
	case domain.EventProgress:
		position := *fields.PositionTicks
		if err := client.SetProgress(ctx, userID, itemID, position); err != nil {
			return "", err
		}
		return "position=" + formatTicks(position), nil

	case domain.EventWatched:
		played := fields.Played != nil && *fields.Played
		if played {
			if err := client.MarkPlayed(ctx, userID, itemID, event.Payload.SourceTimestamp); err != nil {
				return "", err
			}
		} else if err := client.MarkUnplayed(ctx, userID, itemID); err != nil {
			return "", err
		}
		return fmt.Sprintf("played=%v", played), nil

	case domain.EventFavorite:
		favorite := fields.Favorite != nil && *fields.Favorite
		if err := client.SetFavorite(ctx, userID, itemID, favorite); err != nil {
			return "", err
		}
		return fmt.Sprintf("favorite=%v", favorite), nil

	case domain.EventRating:
		if err := client.SetRating(ctx, userID, itemID, fields.Rating); err != nil {
			return "", err
		}
		if fields.Rating == nil {
			return "rating=cleared", nil
		}
		return fmt.Sprintf("rating=%v", *fields.Rating), nil

	default:
		return "", errors.Newf("worker: unsupported apply for event type %q", event.EventType)
	}
}

// applyUserLifecycle implements §4.6 step 7.
func (w *Worker) applyUserLifecycle(ctx context.Context, event domain.PendingEvent) domain.Outcome {
	client, ok := w.nodes[event.TargetNode]
	if !ok {
		return domain.Outcome{Kind: domain.OutcomeFailed, Reason: fmt.Sprintf("no client configured for node %q", event.TargetNode)}
	}

	switch event.EventType {
	case domain.EventUserCreated:
		remoteID, err := client.CreateUser(ctx, event.Payload.Username, event.Payload.NewPassword)
		if err != nil {
			return w.classifyNodeError(event, err)
		}
		if err := w.mappings.PutUserMapping(event.Payload.Username, event.TargetNode, remoteID); err != nil {
			w.log.Errorw("user mapping cache population failed", "username", event.Payload.Username, "error", err)
		}
		return domain.Outcome{Kind: domain.OutcomeApplied, SyncedValue: "created"}

	case domain.EventUserDeleted:
		targetUserID, err := w.resolver.ResolveUserByUsername(ctx, event.Payload.Username, event.TargetNode)
		if err != nil {
			if errors.Is(err, errors.ErrNoMatchingUser) {
				return domain.Outcome{Kind: domain.OutcomeSkipped, Reason: "user already absent"}
			}
			return w.classifyNodeError(event, err)
		}
		if err := client.DeleteUser(ctx, targetUserID); err != nil {
			return w.classifyNodeError(event, err)
		}
		if err := w.mappings.InvalidateUser(event.Payload.Username); err != nil {
			w.log.Errorw("mapping invalidation failed", "username", event.Payload.Username, "error", err)
		}
		return domain.Outcome{Kind: domain.OutcomeApplied, SyncedValue: "deleted"}

	default:
		return domain.Outcome{Kind: domain.OutcomeFailed, Reason: "not a user-lifecycle event"}
	}
}

// applyPlaylistChange implements the §9 open-question resolution: reconcile
// one item's membership in one named playlist, rather than diffing an
// entire cross-node playlist listing (the minimal Node Client has no
// primitive to translate a foreign playlist's item ids back into
// descriptors, so a full diff cannot be done safely).
func (w *Worker) applyPlaylistChange(ctx context.Context, event domain.PendingEvent) domain.Outcome {
	client, ok := w.nodes[event.TargetNode]
	if !ok {
		return domain.Outcome{Kind: domain.OutcomeFailed, Reason: fmt.Sprintf("no client configured for node %q", event.TargetNode)}
	}
	if event.Payload.Fields.PlaylistMembership == nil || event.Payload.PlaylistName == "" {
		return domain.Outcome{Kind: domain.OutcomeFailed, Reason: "malformed playlist change payload"}
	}

	targetUserID, err := w.resolver.ResolveUserByUsername(ctx, event.Payload.Username, event.TargetNode)
	if err != nil {
		if errors.Is(err, errors.ErrNoMatchingUser) {
			return domain.Outcome{Kind: domain.OutcomeFailed, Reason: err.Error()}
		}
		return w.classifyNodeError(event, err)
	}

	itemID, err := w.resolver.ResolveItem(ctx, event.Payload.Item, event.TargetNode)
	if err != nil {
		if errors.Is(err, errors.ErrItemAbsent) {
			return w.handleItemAbsent(event)
		}
		return w.classifyNodeError(event, err)
	}

	key := cooldown.Key{TargetNode: event.TargetNode, UserID: targetUserID, ItemID: itemID, Field: "playlist:" + event.Payload.PlaylistName}
	if w.cooldown.Active(key) {
		return domain.Outcome{Kind: domain.OutcomeSkipped, Reason: "cooldown"}
	}

	playlists, err := client.ListPlaylists(ctx, targetUserID)
	if err != nil {
		return w.classifyNodeError(event, err)
	}
	var playlist *nodeapi.Playlist
	for i := range playlists {
		if playlists[i].Name == event.Payload.PlaylistName {
			playlist = &playlists[i]
			break
		}
	}

	adding := *event.Payload.Fields.PlaylistMembership
	if adding {
		if playlist == nil {
			if _, err := client.CreatePlaylist(ctx, targetUserID, event.Payload.PlaylistName, []string{itemID}); err != nil {
				return w.classifyNodeError(event, err)
			}
		} else if contains(playlist.ItemIDs, itemID) {
			return domain.Outcome{Kind: domain.OutcomeSkipped, Reason: "already set"}
		} else if err := client.AddPlaylistItem(ctx, playlist.RemoteID, targetUserID, itemID); err != nil {
			return w.classifyNodeError(event, err)
		}
	} else {
		if playlist == nil || !contains(playlist.ItemIDs, itemID) {
			return domain.Outcome{Kind: domain.OutcomeSkipped, Reason: "already set"}
		}
		if err := client.RemovePlaylistItem(ctx, playlist.RemoteID, itemID); err != nil {
			return w.classifyNodeError(event, err)
		}
	}

	w.cooldown.Set(key)
	return domain.Outcome{Kind: domain.OutcomeApplied, SyncedValue: fmt.Sprintf("playlist=%s added=%v", event.Payload.PlaylistName, adding)}
}

func contains(items []string, id string) bool {
	for _, item := range items {
		if item == id {
			return true
		}
	}
	return false
}

// classifyNodeError implements §4.6 step 6's failure-taxonomy dispatch.
func (w *Worker) classifyNodeError(event domain.PendingEvent, err error) domain.Outcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.Outcome{Kind: domain.OutcomeRetry, Delay: 0, Reason: "shutdown"}
	}

	switch {
	case errors.Is(err, errors.ErrPermanentNode), errors.Is(err, errors.ErrNoMatchingUser):
		return domain.Outcome{Kind: domain.OutcomeFailed, Reason: err.Error()}

	case errors.Is(err, errors.ErrUnauthorized):
		if w.cfg.OnUnauthorized != nil {
			w.cfg.OnUnauthorized(event.TargetNode)
		}
		return domain.Outcome{Kind: domain.OutcomeFailed, Reason: err.Error()}

	default:
		// Transient and any other unclassified node/resolver error share
		// the same bounded-backoff retry budget (§4.6 step 6).
		next := event.Attempts + 1
		if next >= w.cfg.MaxRetries {
			return domain.Outcome{Kind: domain.OutcomeFailed, Reason: err.Error()}
		}
		return domain.Outcome{Kind: domain.OutcomeRetry, Delay: backoff(next), Reason: err.Error()}
	}
}

// backoff implements §4.6 step 6: min(60s * 2^(attempts-1), 600s).
func backoff(attempts int) time.Duration {
	delay := 60 * time.Second
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= 600*time.Second {
			return 600 * time.Second
		}
	}
	return delay
}

func formatTicks(ticks int64) string {
	d := time.Duration(ticks*100) * time.Nanosecond
	total := int(d.Seconds())
	h, m, s := total/3600, (total%3600)/60, total%60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
