package store

import (
	"database/sql"
	"time"
)

const conversationCols = `local_id, remote_id, name, participants,
	last_message_text, last_message_sender_id, last_message_at, updated_at,
	sync_status, last_sync_attempt, sync_retry_count, server_timestamp`

// UpsertConversation inserts or updates a conversation (idempotent on local_id).
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (`+conversationCols+`, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			remote_id = CASE WHEN conversations.remote_id = '' THEN excluded.remote_id ELSE conversations.remote_id END,
			name = excluded.name,
			participants = excluded.participants,
			last_message_text = excluded.last_message_text,
			last_message_sender_id = excluded.last_message_sender_id,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at,
			sync_status = excluded.sync_status,
			last_sync_attempt = excluded.last_sync_attempt,
			sync_retry_count = excluded.sync_retry_count,
			server_timestamp = excluded.server_timestamp`,
		c.LocalID, c.RemoteID, c.Name, encodeSet(c.Participants),
		c.LastMessageText, c.LastMessageSenderID, c.LastMessageAt, c.UpdatedAt,
		string(c.SyncStatus), c.LastSyncAttempt, c.SyncRetryCount, c.ServerTimestamp, now)
	if err != nil {
		return err
	}
	db.notify(EntityConversation, c.LocalID)
	return nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var participants, syncStatus string
	err := row.Scan(&c.LocalID, &c.RemoteID, &c.Name, &participants,
		&c.LastMessageText, &c.LastMessageSenderID, &c.LastMessageAt, &c.UpdatedAt,
		&syncStatus, &c.LastSyncAttempt, &c.SyncRetryCount, &c.ServerTimestamp)
	if err != nil {
		return nil, err
	}
	c.Participants = decodeSet(participants)
	c.SyncStatus = SyncStatus(syncStatus)
	return &c, nil
}

// GetConversation returns a conversation by local ID, or nil if absent.
func (db *DB) GetConversation(localID string) (*Conversation, error) {
	c, err := scanConversation(db.QueryRow(`SELECT `+conversationCols+` FROM conversations WHERE local_id = ?`, localID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetConversationByRemoteID returns a conversation by remote identity, or nil if absent.
func (db *DB) GetConversationByRemoteID(remoteID string) (*Conversation, error) {
	if remoteID == "" {
		return nil, nil
	}
	c, err := scanConversation(db.QueryRow(`SELECT `+conversationCols+` FROM conversations WHERE remote_id = ?`, remoteID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// DeleteConversationByRemoteID removes a conversation deleted remotely.
func (db *DB) DeleteConversationByRemoteID(remoteID string) (bool, error) {
	if remoteID == "" {
		return false, nil
	}
	var localID string
	err := db.QueryRow(`SELECT local_id FROM conversations WHERE remote_id = ?`, remoteID).Scan(&localID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := db.Exec(`DELETE FROM conversations WHERE local_id = ?`, localID); err != nil {
		return false, err
	}
	db.notify(EntityConversation, localID)
	return true, nil
}

// PendingConversations returns conversations awaiting a push, oldest
// updated_at first.
func (db *DB) PendingConversations() ([]*Conversation, error) {
	rows, err := db.Query(`SELECT `+conversationCols+` FROM conversations
		WHERE sync_status IN (?, ?) ORDER BY updated_at ASC`,
		string(StatusPending), string(StatusFailed))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// ListConversations returns conversations sorted by most recent activity.
func (db *DB) ListConversations(limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`SELECT `+conversationCols+` FROM conversations
		ORDER BY last_message_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// ConversationRemoteIDs returns the remote identities of every conversation
// the user currently holds. The feed manager diffs its active message feeds
// against this set.
func (db *DB) ConversationRemoteIDs() ([]string, error) {
	rows, err := db.Query(`SELECT remote_id FROM conversations WHERE remote_id != ''`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BumpConversationActivity advances a conversation's denormalized
// last-message snapshot. The snapshot only moves forward in time; stale
// bumps (out-of-order feed delivery) are ignored.
func (db *DB) BumpConversationActivity(conversationID, senderID, text string, at int64) error {
	if conversationID == "" {
		return nil
	}
	res, err := db.Exec(`
		UPDATE conversations SET
			last_message_text = ?,
			last_message_sender_id = ?,
			last_message_at = ?
		WHERE (remote_id = ? OR local_id = ?) AND last_message_at < ?`,
		text, senderID, at, conversationID, conversationID, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		var localID string
		if err := db.QueryRow(`SELECT local_id FROM conversations WHERE remote_id = ? OR local_id = ?`,
			conversationID, conversationID).Scan(&localID); err == nil {
			db.notify(EntityConversation, localID)
		}
	}
	return nil
}
