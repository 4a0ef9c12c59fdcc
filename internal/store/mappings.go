package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/syncd/errors"
)

// GetUserMapping returns the remote user id for username on node_name, or
// ("", false, nil) on a cache miss. Username comparison is case-insensitive.
func (s *Store) GetUserMapping(username, nodeName string) (string, bool, error) {
	var remoteID string
	err := s.db.QueryRow(`
		SELECT remote_user_id FROM user_mappings WHERE username_key = ? AND node_name = ?
	`, strings.ToLower(username), nodeName).Scan(&remoteID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "get_user_mapping username=%s node=%s", username, nodeName)
	}
	return remoteID, true, nil
}

// GetUsernameByRemoteID reverse-looks-up the username for a remote user id
// on nodeName, used to resolve the source username before translating to
// each target node (§4.3 step 1).
func (s *Store) GetUsernameByRemoteID(nodeName, remoteUserID string) (string, bool, error) {
	var username string
	err := s.db.QueryRow(`
		SELECT username FROM user_mappings WHERE node_name = ? AND remote_user_id = ?
	`, nodeName, remoteUserID).Scan(&username)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "get_username_by_remote_id node=%s remote_id=%s", nodeName, remoteUserID)
	}
	return username, true, nil
}

// PutUserMapping populates the cache on a successful lookup.
func (s *Store) PutUserMapping(username, nodeName, remoteUserID string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO user_mappings (username_key, node_name, username, remote_user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (username_key, node_name) DO UPDATE SET
			remote_user_id = excluded.remote_user_id,
			username = excluded.username,
			updated_at = excluded.updated_at
	`, strings.ToLower(username), nodeName, username, remoteUserID, now, now)
	if err != nil {
		return errors.Wrapf(err, "put_user_mapping username=%s node=%s", username, nodeName)
	}
	return nil
}

// InvalidateUser removes every node's mapping for username, called on
// UserDeleted.
func (s *Store) InvalidateUser(username string) error {
	_, err := s.db.Exec(`DELETE FROM user_mappings WHERE username_key = ?`, strings.ToLower(username))
	if err != nil {
		return errors.Wrapf(err, "invalidate_user username=%s", username)
	}
	return nil
}
