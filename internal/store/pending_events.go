package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teranos/syncd/errors"
	"github.com/teranos/syncd/internal/domain"
)

// Store is the durable home for pending events, identity mappings, item
// cache entries and the sync log. One writer (the Ingestor's enqueue calls
// and the Worker's lease/finalize calls) mutates pending_events; readers
// (the dashboard, readiness probe) only ever see committed snapshots
// because SQLite's WAL mode isolates them from in-flight writes.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened, already-migrated database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EventIntent is what the Ingestor hands to Enqueue: a not-yet-persisted
// pending event, before a dedup_key collision has been resolved.
type EventIntent struct {
	DedupKey        string
	EventType       domain.EventType
	SourceNode      string
	TargetNode      string
	Payload         domain.Payload
	ItemNotFoundMax int
}

// Enqueue performs the WAL-coalesce upsert: if a row with this dedup_key
// already exists in a non-terminal state, its payload is merged in place
// (newer field timestamps win) and next_retry_at resets to now, preserving
// retry counters. Otherwise a fresh row is inserted in state "pending".
// Returns the row id (new or existing).
func (s *Store) Enqueue(intent EventIntent) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "enqueue: begin tx")
	}
	defer tx.Rollback()

	var (
		id               int64
		existingState    string
		existingPayload  []byte
		existingTS       time.Time
	)
	err = tx.QueryRow(`
		SELECT id, state, payload, updated_at FROM pending_events WHERE dedup_key = ?
	`, intent.DedupKey).Scan(&id, &existingState, &existingPayload, &existingTS)

	switch {
	case err == sql.ErrNoRows:
		payloadJSON, merr := json.Marshal(intent.Payload)
		if merr != nil {
			return 0, errors.Wrap(merr, "enqueue: marshal payload")
		}
		now := time.Now().UTC()
		res, ierr := tx.Exec(`
			INSERT INTO pending_events
				(dedup_key, event_type, source_node, target_node, payload, state,
				 attempts, item_not_found_count, item_not_found_max, next_retry_at,
				 created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'pending', 0, 0, ?, ?, ?, ?)
		`, intent.DedupKey, intent.EventType, intent.SourceNode, intent.TargetNode,
			payloadJSON, intent.ItemNotFoundMax, now, now, now)
		if ierr != nil {
			return 0, errors.Wrapf(ierr, "enqueue: insert dedup_key=%s", intent.DedupKey)
		}
		id, ierr = res.LastInsertId()
		if ierr != nil {
			return 0, errors.Wrap(ierr, "enqueue: last insert id")
		}

	case err != nil:
		return 0, errors.Wrapf(err, "enqueue: lookup dedup_key=%s", intent.DedupKey)

	case existingState == string(domain.StateFailed):
		// A terminal row should already have been deleted; if it is still
		// here (e.g. finalize raced), merge into it and put it back to
		// pending; its retry counters are kept.
		fallthrough
	default:
		var existing domain.Payload
		if uerr := json.Unmarshal(existingPayload, &existing); uerr != nil {
			return 0, errors.Wrap(uerr, "enqueue: unmarshal existing payload")
		}
		merged := mergePayload(existing, intent.Payload)
		payloadJSON, merr := json.Marshal(merged)
		if merr != nil {
			return 0, errors.Wrap(merr, "enqueue: marshal merged payload")
		}
		now := time.Now().UTC()
		_, uerr := tx.Exec(`
			UPDATE pending_events
			SET payload = ?, updated_at = ?, next_retry_at = ?,
			    state = CASE WHEN state = 'failed' THEN 'pending' ELSE state END
			WHERE id = ?
		`, payloadJSON, now, now, id)
		if uerr != nil {
			return 0, errors.Wrapf(uerr, "enqueue: coalesce id=%d", id)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "enqueue: commit")
	}
	return id, nil
}

// mergePayload applies last-write-wins by source timestamp: an older incoming
// payload changes no field, a newer one replaces the stored snapshot, and one
// with the same timestamp overrides only the fields it sets. In every case
// an empty item path or provider set is filled from the other payload.
func mergePayload(existing, incoming domain.Payload) domain.Payload {
	if incoming.SourceTimestamp.Before(existing.SourceTimestamp) {
		// Incoming is strictly older than what's already stored: none of
		// its field values may overwrite the newer snapshot (§8 "monotone
		// progress"). Only backfill item-descriptor gaps, never a field.
		merged := existing
		if merged.Item.Path == "" {
			merged.Item.Path = incoming.Item.Path
		}
		if merged.Item.Providers.Empty() {
			merged.Item.Providers = incoming.Item.Providers
		}
		return merged
	}
	if incoming.SourceTimestamp.Equal(existing.SourceTimestamp) {
		// Same instant, most likely a different field subset of the same
		// event type arriving in a second request; let explicitly-set
		// fields through individually.
		merged := existing
		if incoming.Fields.Played != nil {
			merged.Fields.Played = incoming.Fields.Played
		}
		if incoming.Fields.PositionTicks != nil {
			merged.Fields.PositionTicks = incoming.Fields.PositionTicks
		}
		if incoming.Fields.Favorite != nil {
			merged.Fields.Favorite = incoming.Fields.Favorite
		}
		if incoming.Fields.Rating != nil {
			merged.Fields.Rating = incoming.Fields.Rating
		}
		merged.Fields.PlayedToCompletion = merged.Fields.PlayedToCompletion || incoming.Fields.PlayedToCompletion
		if merged.Item.Path == "" {
			merged.Item.Path = incoming.Item.Path
		}
		if merged.Item.Providers.Empty() {
			merged.Item.Providers = incoming.Item.Providers
		}
		return merged
	}
	merged := incoming
	if merged.Item.Path == "" {
		merged.Item.Path = existing.Item.Path
	}
	if merged.Item.Providers.Empty() {
		merged.Item.Providers = existing.Item.Providers
	}
	return merged
}

// LeaseDue selects up to limit rows in {pending, waiting_item} whose
// next_retry_at has passed, transitions them to processing, and returns
// them ordered by next_retry_at. Single transaction: a crash between select
// and update cannot split a row across two workers.
func (s *Store) LeaseDue(limit int, now time.Time) ([]domain.PendingEvent, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "lease_due: begin tx")
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, dedup_key, event_type, source_node, target_node, payload,
		       state, attempts, item_not_found_count, item_not_found_max,
		       next_retry_at, created_at, updated_at, last_error
		FROM pending_events
		WHERE state IN ('pending', 'waiting_item') AND next_retry_at <= ?
		ORDER BY next_retry_at ASC
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "lease_due: select")
	}

	events, err := scanPendingEvents(rows)
	rows.Close()
	if err != nil {
		return nil, errors.Wrap(err, "lease_due: scan")
	}
	if len(events) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]interface{}, len(events))
	placeholders := ""
	for i := range events {
		ids[i] = events[i].ID
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
	}
	query := fmt.Sprintf(`UPDATE pending_events SET state = 'processing', updated_at = ? WHERE id IN (%s)`, placeholders)
	args := append([]interface{}{now}, ids...)
	if _, err := tx.Exec(query, args...); err != nil {
		return nil, errors.Wrap(err, "lease_due: transition to processing")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "lease_due: commit")
	}

	for i := range events {
		events[i].State = domain.StateProcessing
	}
	return events, nil
}

// Finalize applies an outcome to a previously-leased event. applied,
// skipped and failed are terminal: the row is deleted and a sync_log entry
// is appended. retry and wait_item reschedule the row.
func (s *Store) Finalize(eventID int64, outcome domain.Outcome, event domain.PendingEvent) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "finalize: begin tx")
	}
	defer tx.Rollback()

	switch outcome.Kind {
	case domain.OutcomeApplied, domain.OutcomeSkipped, domain.OutcomeFailed:
		if _, err := tx.Exec(`DELETE FROM pending_events WHERE id = ?`, eventID); err != nil {
			return errors.Wrapf(err, "finalize: delete id=%d", eventID)
		}
		success := outcome.Kind != domain.OutcomeFailed
		if err := appendSyncLogTx(tx, domain.SyncLogEntry{
			EventType:   event.EventType,
			SourceNode:  event.SourceNode,
			TargetNode:  event.TargetNode,
			Username:    event.Payload.Username,
			ItemName:    event.Payload.Item.Path,
			SyncedValue: outcome.SyncedValue,
			Success:     success,
			Message:     outcome.Reason,
		}); err != nil {
			return errors.Wrap(err, "finalize: append sync log")
		}

	case domain.OutcomeRetry:
		now := time.Now().UTC()
		nextRetry := now.Add(outcome.Delay)
		payload := event.Payload
		if outcome.Payload != nil {
			payload = *outcome.Payload
		}
		payloadJSON, merr := json.Marshal(payload)
		if merr != nil {
			return errors.Wrap(merr, "finalize: marshal payload")
		}
		if _, err := tx.Exec(`
			UPDATE pending_events
			SET state = 'pending', attempts = attempts + 1, next_retry_at = ?,
			    updated_at = ?, last_error = ?, payload = ?
			WHERE id = ?
		`, nextRetry, now, outcome.Reason, payloadJSON, eventID); err != nil {
			return errors.Wrapf(err, "finalize: retry id=%d", eventID)
		}

	case domain.OutcomeWaitItem:
		now := time.Now().UTC()
		nextRetry := now.Add(outcome.Delay)
		itemNotFoundCount := event.ItemNotFoundCount
		if !outcome.ResetItemNotFound {
			itemNotFoundCount++
		} else {
			itemNotFoundCount = 0
		}
		if _, err := tx.Exec(`
			UPDATE pending_events
			SET state = 'waiting_item', item_not_found_count = ?, next_retry_at = ?,
			    updated_at = ?, last_error = ?
			WHERE id = ?
		`, itemNotFoundCount, nextRetry, now, outcome.Reason, eventID); err != nil {
			return errors.Wrapf(err, "finalize: wait_item id=%d", eventID)
		}

	default:
		return errors.Newf("finalize: unknown outcome kind %q", outcome.Kind)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "finalize: commit")
	}
	return nil
}

// ReapOrphans returns any row stuck in "processing" (a worker crashed
// mid-event) back to "pending" so the next tick picks it up. Called once at
// startup before the worker begins leasing.
func (s *Store) ReapOrphans() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE pending_events
		SET state = 'pending', updated_at = ?
		WHERE state = 'processing'
	`, time.Now().UTC())
	if err != nil {
		return 0, errors.Wrap(err, "reap_orphans")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "reap_orphans: rows affected")
	}
	return n, nil
}

// FindPendingByDedupKey looks up an existing non-terminal row by dedup_key.
// It is part of the Ingestor's Store interface, but the Ingestor's enqueue
// paths do not call it; repeated intents coalesce inside Enqueue.
func (s *Store) FindPendingByDedupKey(dedupKey string) (*domain.PendingEvent, error) {
	row := s.db.QueryRow(`
		SELECT id, dedup_key, event_type, source_node, target_node, payload,
		       state, attempts, item_not_found_count, item_not_found_max,
		       next_retry_at, created_at, updated_at, last_error
		FROM pending_events WHERE dedup_key = ? AND state IN ('pending', 'waiting_item')
	`, dedupKey)
	event, err := scanPendingEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find_pending_by_dedup_key")
	}
	return &event, nil
}

// ListPending returns rows in the given state for dashboard projections.
func (s *Store) ListPending(state domain.EventState, limit, offset int) ([]domain.PendingEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, dedup_key, event_type, source_node, target_node, payload,
		       state, attempts, item_not_found_count, item_not_found_max,
		       next_retry_at, created_at, updated_at, last_error
		FROM pending_events WHERE state = ?
		ORDER BY created_at ASC LIMIT ? OFFSET ?
	`, state, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list_pending")
	}
	defer rows.Close()
	return scanPendingEvents(rows)
}

func scanPendingEvents(rows *sql.Rows) ([]domain.PendingEvent, error) {
	var events []domain.PendingEvent
	for rows.Next() {
		event, err := scanPendingEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPendingEvent(row rowScanner) (domain.PendingEvent, error) {
	return scanPendingEventRow(row)
}

func scanPendingEventRow(row rowScanner) (domain.PendingEvent, error) {
	var (
		e           domain.PendingEvent
		payloadJSON []byte
		lastError   sql.NullString
	)
	err := row.Scan(&e.ID, &e.DedupKey, &e.EventType, &e.SourceNode, &e.TargetNode,
		&payloadJSON, &e.State, &e.Attempts, &e.ItemNotFoundCount, &e.ItemNotFoundMax,
		&e.NextRetryAt, &e.CreatedAt, &e.UpdatedAt, &lastError)
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
		return e, errors.Wrap(err, "unmarshal payload")
	}
	e.LastError = lastError.String
	return e, nil
}
