package store

import (
	"database/sql"
	"time"
)

const userCols = `local_id, remote_id, display_name, avatar_url, is_online, last_seen,
	sync_status, last_sync_attempt, sync_retry_count, server_timestamp`

// UpsertUser inserts or updates a user profile (idempotent on local_id).
func (db *DB) UpsertUser(u *User) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO users (`+userCols+`, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			remote_id = CASE WHEN users.remote_id = '' THEN excluded.remote_id ELSE users.remote_id END,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			is_online = excluded.is_online,
			last_seen = excluded.last_seen,
			sync_status = excluded.sync_status,
			last_sync_attempt = excluded.last_sync_attempt,
			sync_retry_count = excluded.sync_retry_count,
			server_timestamp = excluded.server_timestamp`,
		u.LocalID, u.RemoteID, u.DisplayName, u.AvatarURL, u.IsOnline, u.LastSeen,
		string(u.SyncStatus), u.LastSyncAttempt, u.SyncRetryCount, u.ServerTimestamp, now)
	if err != nil {
		return err
	}
	db.notify(EntityUser, u.LocalID)
	return nil
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var syncStatus string
	err := row.Scan(&u.LocalID, &u.RemoteID, &u.DisplayName, &u.AvatarURL, &u.IsOnline, &u.LastSeen,
		&syncStatus, &u.LastSyncAttempt, &u.SyncRetryCount, &u.ServerTimestamp)
	if err != nil {
		return nil, err
	}
	u.SyncStatus = SyncStatus(syncStatus)
	return &u, nil
}

// GetUser returns a user by local ID, or nil if absent.
func (db *DB) GetUser(localID string) (*User, error) {
	u, err := scanUser(db.QueryRow(`SELECT `+userCols+` FROM users WHERE local_id = ?`, localID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// GetUserByRemoteID returns a user by remote identity, or nil if absent.
func (db *DB) GetUserByRemoteID(remoteID string) (*User, error) {
	if remoteID == "" {
		return nil, nil
	}
	u, err := scanUser(db.QueryRow(`SELECT `+userCols+` FROM users WHERE remote_id = ?`, remoteID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// DeleteUserByRemoteID removes a user profile deleted remotely.
func (db *DB) DeleteUserByRemoteID(remoteID string) (bool, error) {
	if remoteID == "" {
		return false, nil
	}
	var localID string
	err := db.QueryRow(`SELECT local_id FROM users WHERE remote_id = ?`, remoteID).Scan(&localID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := db.Exec(`DELETE FROM users WHERE local_id = ?`, localID); err != nil {
		return false, err
	}
	db.notify(EntityUser, localID)
	return true, nil
}

// PendingUsers returns user profiles awaiting a push, oldest last_seen first.
func (db *DB) PendingUsers() ([]*User, error) {
	rows, err := db.Query(`SELECT `+userCols+` FROM users
		WHERE sync_status IN (?, ?) ORDER BY last_seen ASC`,
		string(StatusPending), string(StatusFailed))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
