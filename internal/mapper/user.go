package mapper

import (
	"github.com/matheus3301/driftsync/internal/remote"
	"github.com/matheus3301/driftsync/internal/store"
)

// UserFields builds the full document payload for a first-time create.
func UserFields(u *store.User) map[string]any {
	return map[string]any{
		FieldLocalID:     u.LocalID,
		FieldDisplayName: u.DisplayName,
		FieldAvatarURL:   u.AvatarURL,
		FieldIsOnline:    u.IsOnline,
		FieldLastSeen:    u.LastSeen,
	}
}

// UserPatch builds the targeted write for a confirmed user profile. Presence
// fields are server-owned and never pushed from here.
func UserPatch(u *store.User) remote.Patch {
	return remote.Patch{
		Set: map[string]any{
			FieldDisplayName: u.DisplayName,
			FieldAvatarURL:   u.AvatarURL,
		},
	}
}

// UserFromDoc converts a feed document into a local record marked synced.
func UserFromDoc(doc *remote.Document) *store.User {
	localID := asString(doc.Fields[FieldLocalID])
	if localID == "" {
		localID = store.NewLocalID()
	}
	return &store.User{
		SyncMeta: store.SyncMeta{
			LocalID:         localID,
			RemoteID:        doc.ID,
			SyncStatus:      store.StatusSynced,
			ServerTimestamp: doc.Timestamp,
		},
		DisplayName: asString(doc.Fields[FieldDisplayName]),
		AvatarURL:   asString(doc.Fields[FieldAvatarURL]),
		IsOnline:    asBool(doc.Fields[FieldIsOnline]),
		LastSeen:    asInt64(doc.Fields[FieldLastSeen]),
	}
}

// PresenceQuery selects the user/presence stream.
func PresenceQuery() remote.Query {
	return remote.Query{Collection: remote.CollUsers}
}
