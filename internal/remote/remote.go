// Package remote defines the client surface of the multi-tenant document
// service the engine replicates against: point writes with array-union
// patch semantics, point reads, and live change feeds.
package remote

import "context"

// Collection names on the document service.
const (
	CollMessages      = "messages"
	CollConversations = "conversations"
	CollUsers         = "users"
)

// Document is a remote record as delivered by the service.
type Document struct {
	ID         string
	Collection string
	Timestamp  int64 // server write time, unix ms
	Fields     map[string]any
}

// Patch is a targeted partial write. Set overwrites individual fields;
// Union appends to array fields server-side without clobbering elements
// written concurrently by other clients.
type Patch struct {
	Set   map[string]any
	Union map[string][]string
}

// ChangeType classifies a feed event.
type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

// FeedEvent is one document change delivered on a feed.
type FeedEvent struct {
	Type ChangeType
	Doc  Document
}

// Query selects the documents a feed observes. A zero Field matches the
// whole collection.
type Query struct {
	Collection string
	Field      string
	Op         string // "==" or "array-contains"
	Value      any
}

// Subscription is a live, cancellable change feed.
type Subscription interface {
	// Updates delivers event batches until the feed fails or is cancelled,
	// then is closed.
	Updates() <-chan []FeedEvent
	// Err reports why Updates closed. Nil means the feed was cancelled.
	Err() error
	// Cancel detaches the feed. Safe to call more than once.
	Cancel()
}

// Store is the document service client consumed by the sync engine.
type Store interface {
	// Create writes a new document and returns its assigned identity.
	Create(ctx context.Context, collection string, fields map[string]any) (string, error)
	// Patch applies a targeted partial write to an existing document.
	Patch(ctx context.Context, collection, id string, p Patch) error
	// Get fetches a single document. Returns ErrNotFound if absent.
	Get(ctx context.Context, collection, id string) (*Document, error)
	// Subscribe opens a change feed for the documents matching q.
	Subscribe(ctx context.Context, q Query) (Subscription, error)
	// Online reports whether the transport currently reaches the service.
	Online() bool
}
