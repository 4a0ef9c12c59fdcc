package store

import (
	"database/sql"

	"github.com/teranos/syncd/errors"
	"github.com/teranos/syncd/internal/domain"
)

// appendSyncLogTx appends within an existing transaction (used by Finalize
// so the pending_events delete and the sync_log insert are atomic).
func appendSyncLogTx(tx *sql.Tx, entry domain.SyncLogEntry) error {
	_, err := tx.Exec(`
		INSERT INTO sync_log
			(event_type, source_node, target_node, username, item_name, synced_value, success, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.EventType, entry.SourceNode, entry.TargetNode, entry.Username,
		entry.ItemName, entry.SyncedValue, entry.Success, entry.Message)
	return err
}

// AppendSyncLog appends a standalone entry outside of Finalize's transaction
// (e.g. for events that never reach pending_events, like a rejected
// webhook that the caller still wants observable).
func (s *Store) AppendSyncLog(entry domain.SyncLogEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_log
			(event_type, source_node, target_node, username, item_name, synced_value, success, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.EventType, entry.SourceNode, entry.TargetNode, entry.Username,
		entry.ItemName, entry.SyncedValue, entry.Success, entry.Message)
	if err != nil {
		return errors.Wrap(err, "append_sync_log")
	}
	return nil
}

// SyncLogFilter narrows QuerySyncLog results.
type SyncLogFilter struct {
	SourceNode string
	TargetNode string
	Username   string
	Success    *bool
}

// QuerySyncLog returns log entries newest-first, matching all set filters.
func (s *Store) QuerySyncLog(filter SyncLogFilter, limit, offset int) ([]domain.SyncLogEntry, error) {
	query := `
		SELECT id, created_at, event_type, source_node, target_node, username,
		       item_name, synced_value, success, message
		FROM sync_log WHERE 1=1
	`
	var args []interface{}
	if filter.SourceNode != "" {
		query += " AND source_node = ?"
		args = append(args, filter.SourceNode)
	}
	if filter.TargetNode != "" {
		query += " AND target_node = ?"
		args = append(args, filter.TargetNode)
	}
	if filter.Username != "" {
		query += " AND username = ?"
		args = append(args, filter.Username)
	}
	if filter.Success != nil {
		query += " AND success = ?"
		args = append(args, *filter.Success)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query_sync_log")
	}
	defer rows.Close()

	var entries []domain.SyncLogEntry
	for rows.Next() {
		var e domain.SyncLogEntry
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.EventType, &e.SourceNode, &e.TargetNode,
			&e.Username, &e.ItemName, &e.SyncedValue, &e.Success, &e.Message); err != nil {
			return nil, errors.Wrap(err, "query_sync_log: scan")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
