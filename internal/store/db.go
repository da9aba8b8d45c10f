package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/matheus3301/driftsync/internal/bus"
)

// DB wraps the SQLite connection holding the local replica. Every committed
// mutation publishes a store.changed event on the bus, which drives the
// coordinator's debounced re-sync and feed reconciliation.
type DB struct {
	*sql.DB
	bus *bus.Bus
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// The bus may be nil (no change notifications).
func Open(path string, b *bus.Bus) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, bus: b}, nil
}

// notify publishes a store.changed event for a committed mutation.
func (db *DB) notify(e Entity, localID string) {
	if db.bus == nil {
		return
	}
	db.bus.Publish(bus.Event{
		Kind:      bus.KindStoreChanged,
		Timestamp: time.Now(),
		Payload:   bus.RecordRef{Entity: string(e), LocalID: localID},
	})
}

func tableFor(e Entity) string {
	switch e {
	case EntityMessage:
		return "messages"
	case EntityConversation:
		return "conversations"
	case EntityUser:
		return "users"
	}
	return ""
}

func encodeSet(s []string) string {
	if len(s) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(s)
	return string(data)
}

func decodeSet(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var s []string
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil
	}
	return s
}
