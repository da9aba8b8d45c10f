package bus

import "time"

// Event kinds published by the sync engine. Subscribers filter by
// namespace prefix (e.g. "store." or "record.").
const (
	// KindStoreChanged fires after every committed local-store mutation.
	KindStoreChanged = "store.changed"
	// KindRecordApplied fires when a remote feed event mutated a local record.
	KindRecordApplied = "record.applied"
	// KindRecordPushed fires when a local record was confirmed by the remote.
	KindRecordPushed = "record.pushed"
	// KindSyncCycle carries a CycleSummary after each push cycle.
	KindSyncCycle = "sync.cycle"
	// KindFeedDegraded fires when a feed kind exhausts its restart budget.
	KindFeedDegraded = "feed.degraded"
	// KindNetOnline and KindNetOffline report remote transport transitions.
	KindNetOnline  = "net.online"
	KindNetOffline = "net.offline"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// RecordRef identifies a local record in store and sync events.
type RecordRef struct {
	Entity  string
	LocalID string
}

// CycleSummary is the payload for sync.cycle events.
type CycleSummary struct {
	Pushed  int
	Failed  int
	Skipped int
}
