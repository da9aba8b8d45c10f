package store

import (
	"slices"

	"github.com/google/uuid"
)

// SyncStatus tracks where a record stands relative to the remote replica.
type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusPending SyncStatus = "pending"
	StatusFailed  SyncStatus = "failed"
	// StatusConflict only exists while a resolution is in flight; it is
	// never written to the store.
	StatusConflict SyncStatus = "conflict"
)

// Entity names a replicated record type.
type Entity string

const (
	EntityMessage      Entity = "message"
	EntityConversation Entity = "conversation"
	EntityUser         Entity = "user"
)

// SyncMeta is the sync bookkeeping shared by every replicated record.
type SyncMeta struct {
	LocalID         string     // client-assigned, immutable, unique
	RemoteID        string     // remote-assigned, write-once; empty until first create
	SyncStatus      SyncStatus
	LastSyncAttempt int64 // unix ms of the last failed push, 0 = never attempted
	SyncRetryCount  int
	ServerTimestamp int64 // unix ms of the last remote-confirmed write, 0 = unconfirmed
}

// NeedsSync reports whether the record still has unconfirmed local changes.
func (m SyncMeta) NeedsSync() bool { return m.SyncStatus != StatusSynced }

// Confirmed reports whether the remote has assigned this record an identity.
func (m SyncMeta) Confirmed() bool { return m.RemoteID != "" }

// NewLocalID mints a client-side record identity.
func NewLocalID() string { return uuid.NewString() }

// MessageStatus is the delivery state of a message. Total order:
// failed < sending < sent < delivered < read.
type MessageStatus string

const (
	MessageFailed    MessageStatus = "failed"
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

var statusRank = map[MessageStatus]int{
	MessageFailed:    0,
	MessageSending:   1,
	MessageSent:      2,
	MessageDelivered: 3,
	MessageRead:      4,
}

// Rank returns the position of s in the delivery order. Unknown statuses
// rank alongside failed.
func (s MessageStatus) Rank() int { return statusRank[s] }

// StatusFromSets derives the delivery status implied by the append-only
// delivery sets.
func StatusFromSets(deliveredTo, readBy int) MessageStatus {
	switch {
	case readBy > 0:
		return MessageRead
	case deliveredTo > 0:
		return MessageDelivered
	default:
		return MessageSent
	}
}

// Message is a replicated chat message.
type Message struct {
	SyncMeta
	ConversationID string
	SenderID       string
	SenderName     string
	Text           string
	ReadBy         []string // append-only
	DeliveredTo    []string // append-only
	Status         MessageStatus
	Timestamp      int64 // client event time, unix ms
}

// EffectiveTimestamp prefers the remote-confirmed write time over the
// client event time.
func (m *Message) EffectiveTimestamp() int64 {
	if m.ServerTimestamp != 0 {
		return m.ServerTimestamp
	}
	return m.Timestamp
}

// Conversation is a replicated conversation with a denormalized snapshot
// of its most recent message.
type Conversation struct {
	SyncMeta
	Name                string
	Participants        []string
	LastMessageText     string
	LastMessageSenderID string
	LastMessageAt       int64 // monotonic
	UpdatedAt           int64 // monotonic, client event time
}

// EffectiveTimestamp prefers the remote-confirmed write time over UpdatedAt.
func (c *Conversation) EffectiveTimestamp() int64 {
	if c.ServerTimestamp != 0 {
		return c.ServerTimestamp
	}
	return c.UpdatedAt
}

// User is a replicated user profile. IsOnline and LastSeen are presence
// fields owned by the server; the resolver always takes them from the
// remote side.
type User struct {
	SyncMeta
	DisplayName string
	AvatarURL   string
	IsOnline    bool
	LastSeen    int64 // unix ms, doubles as the profile's event time
}

// EffectiveTimestamp prefers the remote-confirmed write time over LastSeen.
func (u *User) EffectiveTimestamp() int64 {
	if u.ServerTimestamp != 0 {
		return u.ServerTimestamp
	}
	return u.LastSeen
}

// MergeSet returns the sorted union of two append-only string sets.
func MergeSet(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}
