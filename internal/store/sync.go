package store

// MarkSynced records a successful push: the remote identity is stored
// (write-once), the retry counter resets, and the remote-confirmed write
// time is stamped.
func (db *DB) MarkSynced(e Entity, localID, remoteID string, serverTs int64) error {
	table := tableFor(e)
	_, err := db.Exec(`
		UPDATE `+table+` SET
			remote_id = CASE WHEN remote_id = '' THEN ? ELSE remote_id END,
			sync_status = ?,
			sync_retry_count = 0,
			server_timestamp = ?
		WHERE local_id = ?`,
		remoteID, string(StatusSynced), serverTs, localID)
	if err != nil {
		return err
	}
	db.notify(e, localID)
	return nil
}

// MarkSyncFailed records a failed push: status moves to failed, the attempt
// time is stamped, and the retry counter advances.
func (db *DB) MarkSyncFailed(e Entity, localID string, attemptedAt int64) error {
	table := tableFor(e)
	_, err := db.Exec(`
		UPDATE `+table+` SET
			sync_status = ?,
			last_sync_attempt = ?,
			sync_retry_count = sync_retry_count + 1
		WHERE local_id = ?`,
		string(StatusFailed), attemptedAt, localID)
	if err != nil {
		return err
	}
	db.notify(e, localID)
	return nil
}

// ResetRetry re-arms a record that exhausted its retry budget. Callers
// surface failed records to the user and invoke this for a manual retry.
func (db *DB) ResetRetry(e Entity, localID string) error {
	table := tableFor(e)
	_, err := db.Exec(`
		UPDATE `+table+` SET
			sync_status = ?,
			sync_retry_count = 0,
			last_sync_attempt = 0
		WHERE local_id = ?`,
		string(StatusPending), localID)
	if err != nil {
		return err
	}
	db.notify(e, localID)
	return nil
}

// FailedRecords returns the sync metadata of every failed record of a type,
// oldest attempt first. Callers surface these to the user; pair with
// ResetRetry to re-arm one.
func (db *DB) FailedRecords(e Entity) ([]SyncMeta, error) {
	table := tableFor(e)
	rows, err := db.Query(`
		SELECT local_id, remote_id, sync_status, last_sync_attempt, sync_retry_count, server_timestamp
		FROM `+table+` WHERE sync_status = ? ORDER BY last_sync_attempt ASC`,
		string(StatusFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SyncMeta
	for rows.Next() {
		var m SyncMeta
		var status string
		if err := rows.Scan(&m.LocalID, &m.RemoteID, &status, &m.LastSyncAttempt, &m.SyncRetryCount, &m.ServerTimestamp); err != nil {
			return nil, err
		}
		m.SyncStatus = SyncStatus(status)
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountByStatus returns how many records of a type are in the given sync state.
func (db *DB) CountByStatus(e Entity, status SyncStatus) (int, error) {
	table := tableFor(e)
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE sync_status = ?`, string(status)).Scan(&n)
	return n, err
}
