package mapper

import (
	"github.com/matheus3301/driftsync/internal/remote"
	"github.com/matheus3301/driftsync/internal/store"
)

// ConversationFields builds the full document payload for a first-time create.
func ConversationFields(c *store.Conversation) map[string]any {
	return map[string]any{
		FieldLocalID:             c.LocalID,
		FieldName:                c.Name,
		FieldParticipants:        append([]string(nil), c.Participants...),
		FieldLastMessageText:     c.LastMessageText,
		FieldLastMessageSenderID: c.LastMessageSenderID,
		FieldLastMessageAt:       c.LastMessageAt,
		FieldUpdatedAt:           c.UpdatedAt,
	}
}

// ConversationPatch builds the targeted write for a confirmed conversation:
// participants grow by set-union, the rest of the mutable fields are set.
func ConversationPatch(c *store.Conversation) remote.Patch {
	return remote.Patch{
		Set: map[string]any{
			FieldName:                c.Name,
			FieldLastMessageText:     c.LastMessageText,
			FieldLastMessageSenderID: c.LastMessageSenderID,
			FieldLastMessageAt:       c.LastMessageAt,
			FieldUpdatedAt:           c.UpdatedAt,
		},
		Union: map[string][]string{
			FieldParticipants: append([]string(nil), c.Participants...),
		},
	}
}

// ConversationFromDoc converts a feed document into a local record marked synced.
func ConversationFromDoc(doc *remote.Document) *store.Conversation {
	localID := asString(doc.Fields[FieldLocalID])
	if localID == "" {
		localID = store.NewLocalID()
	}
	return &store.Conversation{
		SyncMeta: store.SyncMeta{
			LocalID:         localID,
			RemoteID:        doc.ID,
			SyncStatus:      store.StatusSynced,
			ServerTimestamp: doc.Timestamp,
		},
		Name:                asString(doc.Fields[FieldName]),
		Participants:        asStringSlice(doc.Fields[FieldParticipants]),
		LastMessageText:     asString(doc.Fields[FieldLastMessageText]),
		LastMessageSenderID: asString(doc.Fields[FieldLastMessageSenderID]),
		LastMessageAt:       asInt64(doc.Fields[FieldLastMessageAt]),
		UpdatedAt:           asInt64(doc.Fields[FieldUpdatedAt]),
	}
}

// MembershipQuery selects the conversations the user participates in.
func MembershipQuery(userID string) remote.Query {
	return remote.Query{
		Collection: remote.CollConversations,
		Field:      FieldParticipants,
		Op:         "array-contains",
		Value:      userID,
	}
}
