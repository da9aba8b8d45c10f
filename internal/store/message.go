package store

import (
	"database/sql"
	"time"
)

const messageCols = `local_id, remote_id, conversation_id, sender_id, sender_name, body,
	read_by, delivered_to, status, timestamp,
	sync_status, last_sync_attempt, sync_retry_count, server_timestamp`

// UpsertMessage inserts or updates a message (idempotent on local_id).
// The remote identity is write-once: an existing non-empty remote_id is kept.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (`+messageCols+`, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			remote_id = CASE WHEN messages.remote_id = '' THEN excluded.remote_id ELSE messages.remote_id END,
			sender_name = excluded.sender_name,
			body = excluded.body,
			read_by = excluded.read_by,
			delivered_to = excluded.delivered_to,
			status = excluded.status,
			timestamp = excluded.timestamp,
			sync_status = excluded.sync_status,
			last_sync_attempt = excluded.last_sync_attempt,
			sync_retry_count = excluded.sync_retry_count,
			server_timestamp = excluded.server_timestamp`,
		m.LocalID, m.RemoteID, m.ConversationID, m.SenderID, m.SenderName, m.Text,
		encodeSet(m.ReadBy), encodeSet(m.DeliveredTo), string(m.Status), m.Timestamp,
		string(m.SyncStatus), m.LastSyncAttempt, m.SyncRetryCount, m.ServerTimestamp, now)
	if err != nil {
		return err
	}
	db.notify(EntityMessage, m.LocalID)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var readBy, deliveredTo, status, syncStatus string
	err := row.Scan(&m.LocalID, &m.RemoteID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Text,
		&readBy, &deliveredTo, &status, &m.Timestamp,
		&syncStatus, &m.LastSyncAttempt, &m.SyncRetryCount, &m.ServerTimestamp)
	if err != nil {
		return nil, err
	}
	m.ReadBy = decodeSet(readBy)
	m.DeliveredTo = decodeSet(deliveredTo)
	m.Status = MessageStatus(status)
	m.SyncStatus = SyncStatus(syncStatus)
	return &m, nil
}

// GetMessage returns a message by local ID, or nil if absent.
func (db *DB) GetMessage(localID string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageCols+` FROM messages WHERE local_id = ?`, localID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// GetMessageByRemoteID returns a message by its remote identity, or nil if absent.
func (db *DB) GetMessageByRemoteID(remoteID string) (*Message, error) {
	if remoteID == "" {
		return nil, nil
	}
	m, err := scanMessage(db.QueryRow(`SELECT `+messageCols+` FROM messages WHERE remote_id = ?`, remoteID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// DeleteMessageByRemoteID removes a message deleted remotely. Returns whether
// a row was deleted.
func (db *DB) DeleteMessageByRemoteID(remoteID string) (bool, error) {
	if remoteID == "" {
		return false, nil
	}
	var localID string
	err := db.QueryRow(`SELECT local_id FROM messages WHERE remote_id = ?`, remoteID).Scan(&localID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := db.Exec(`DELETE FROM messages WHERE local_id = ?`, localID); err != nil {
		return false, err
	}
	db.notify(EntityMessage, localID)
	return true, nil
}

// PendingMessages returns messages awaiting a push, in timestamp order so a
// conversation's messages go out causally.
func (db *DB) PendingMessages() ([]*Message, error) {
	rows, err := db.Query(`SELECT `+messageCols+` FROM messages
		WHERE sync_status IN (?, ?) ORDER BY timestamp ASC`,
		string(StatusPending), string(StatusFailed))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListMessages returns a conversation's messages using keyset pagination
// by timestamp.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`SELECT `+messageCols+` FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of stored messages for a conversation.
func (db *DB) CountMessages(conversationID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}
