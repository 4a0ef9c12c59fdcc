package store

import (
	"database/sql"
	"time"

	"github.com/teranos/syncd/errors"
)

// ItemCacheTTL is how long a resolved item id is trusted before the worker
// re-queries the node rather than use the cache (§3: "24h").
const ItemCacheTTL = 24 * time.Hour

// GetItemCache returns the cached remote item id for (nodeName, lookupKey).
// stale reports whether fetched_at is older than ItemCacheTTL; callers
// should refresh on use even when a stale hit is returned.
func (s *Store) GetItemCache(nodeName, lookupKey string) (remoteItemID string, found bool, stale bool, err error) {
	var fetchedAt time.Time
	err = s.db.QueryRow(`
		SELECT remote_item_id, fetched_at FROM item_cache WHERE node_name = ? AND lookup_key = ?
	`, nodeName, lookupKey).Scan(&remoteItemID, &fetchedAt)
	if err == sql.ErrNoRows {
		return "", false, false, nil
	}
	if err != nil {
		return "", false, false, errors.Wrapf(err, "get_item_cache node=%s key=%s", nodeName, lookupKey)
	}
	stale = time.Since(fetchedAt) > ItemCacheTTL
	return remoteItemID, true, stale, nil
}

// PutItemCache stores a positive resolution. Negative results are never
// cached (§4.3.3): the item may appear later.
func (s *Store) PutItemCache(nodeName, lookupKey, remoteItemID string) error {
	_, err := s.db.Exec(`
		INSERT INTO item_cache (node_name, lookup_key, remote_item_id, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (node_name, lookup_key) DO UPDATE SET
			remote_item_id = excluded.remote_item_id,
			fetched_at = excluded.fetched_at
	`, nodeName, lookupKey, remoteItemID, time.Now().UTC())
	if err != nil {
		return errors.Wrapf(err, "put_item_cache node=%s key=%s", nodeName, lookupKey)
	}
	return nil
}

// InvalidateItem drops a single cache entry, e.g. when a target node
// reports the item no longer resolves.
func (s *Store) InvalidateItem(nodeName, lookupKey string) error {
	_, err := s.db.Exec(`DELETE FROM item_cache WHERE node_name = ? AND lookup_key = ?`, nodeName, lookupKey)
	if err != nil {
		return errors.Wrapf(err, "invalidate_item node=%s key=%s", nodeName, lookupKey)
	}
	return nil
}
