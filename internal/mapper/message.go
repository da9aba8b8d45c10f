package mapper

import (
	"github.com/matheus3301/driftsync/internal/remote"
	"github.com/matheus3301/driftsync/internal/store"
)

// MessageFields builds the full document payload for a first-time create.
// The local identity rides along so other replicas of the same user can
// reconcile their optimistic copy.
func MessageFields(m *store.Message) map[string]any {
	return map[string]any{
		FieldLocalID:        m.LocalID,
		FieldConversationID: m.ConversationID,
		FieldSenderID:       m.SenderID,
		FieldSenderName:     m.SenderName,
		FieldText:           m.Text,
		FieldReadBy:         append([]string(nil), m.ReadBy...),
		FieldDeliveredTo:    append([]string(nil), m.DeliveredTo...),
		FieldStatus:         string(m.Status),
		FieldTimestamp:      m.Timestamp,
	}
}

// MessagePatch builds the targeted write for an already-confirmed message:
// set-union for the append-only delivery sets and a status recomputed from
// them. Never a full overwrite, so concurrent remote-side changes to other
// fields survive.
func MessagePatch(m *store.Message) remote.Patch {
	status := store.StatusFromSets(len(m.DeliveredTo), len(m.ReadBy))
	if m.Status.Rank() > status.Rank() {
		status = m.Status
	}
	return remote.Patch{
		Set: map[string]any{
			FieldStatus: string(status),
		},
		Union: map[string][]string{
			FieldReadBy:      append([]string(nil), m.ReadBy...),
			FieldDeliveredTo: append([]string(nil), m.DeliveredTo...),
		},
	}
}

// MessageFromDoc converts a feed document into a local record marked synced.
// If the document carries no localId (written by a client that predates the
// field), a fresh one is minted.
func MessageFromDoc(doc *remote.Document) *store.Message {
	localID := asString(doc.Fields[FieldLocalID])
	if localID == "" {
		localID = store.NewLocalID()
	}
	return &store.Message{
		SyncMeta: store.SyncMeta{
			LocalID:         localID,
			RemoteID:        doc.ID,
			SyncStatus:      store.StatusSynced,
			ServerTimestamp: doc.Timestamp,
		},
		ConversationID: asString(doc.Fields[FieldConversationID]),
		SenderID:       asString(doc.Fields[FieldSenderID]),
		SenderName:     asString(doc.Fields[FieldSenderName]),
		Text:           asString(doc.Fields[FieldText]),
		ReadBy:         asStringSlice(doc.Fields[FieldReadBy]),
		DeliveredTo:    asStringSlice(doc.Fields[FieldDeliveredTo]),
		Status:         store.MessageStatus(asString(doc.Fields[FieldStatus])),
		Timestamp:      asInt64(doc.Fields[FieldTimestamp]),
	}
}

// MessagesQuery selects a conversation's message stream.
func MessagesQuery(conversationRemoteID string) remote.Query {
	return remote.Query{
		Collection: remote.CollMessages,
		Field:      FieldConversationID,
		Op:         "==",
		Value:      conversationRemoteID,
	}
}
