// Package resolve decides, for a local and a remote version of the same
// record, which side wins and what the persisted result looks like. All
// functions are pure: the caller persists the returned record.
//
// The rule is whole-record Last-Write-Wins with two overrides: writes that
// land within the same-write window with identical payload content are
// compared on their monotonic fields instead of their timestamps, and user
// presence is always taken from the remote side because the server owns it.
package resolve

import (
	"time"

	"github.com/matheus3301/driftsync/internal/store"
)

// Winner names the side whose version prevails.
type Winner int

const (
	UseRemote Winner = iota
	UseLocal
)

func (w Winner) String() string {
	if w == UseLocal {
		return "local"
	}
	return "remote"
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

func withinWindow(a, b int64, window time.Duration) bool {
	return absDiff(a, b) < window.Milliseconds()
}

// Message resolves two versions of a message. The window is the same-write
// threshold: versions closer than it with identical text and sender are the
// same logical write racing its own status updates, so the monotonic fields
// decide. The delivery sets never shrink regardless of the winner.
//
// A local win is returned pending: the local side holds state the remote has
// not seen yet and must push it back. A remote win is returned synced.
func Message(local, remote *store.Message, window time.Duration) (*store.Message, Winner) {
	readBy := store.MergeSet(local.ReadBy, remote.ReadBy)
	delivered := store.MergeSet(local.DeliveredTo, remote.DeliveredTo)

	localTs := local.EffectiveTimestamp()
	remoteTs := remote.EffectiveTimestamp()

	var w Winner
	switch {
	case withinWindow(localTs, remoteTs, window) && local.Text == remote.Text && local.SenderID == remote.SenderID:
		// Same write, racing status updates. Concurrent edits with
		// differing content inside the window fall through to plain LWW.
		w = compareMessageMonotonic(local, remote)
	case localTs > remoteTs:
		w = UseLocal
	default:
		// Exact ties favor remote.
		w = UseRemote
	}

	var out store.Message
	if w == UseLocal {
		out = *local
		out.SyncStatus = store.StatusPending
		if out.RemoteID == "" {
			out.RemoteID = remote.RemoteID
		}
	} else {
		out = *remote
		out.LocalID = local.LocalID
		out.SyncStatus = store.StatusSynced
		if out.RemoteID == "" {
			out.RemoteID = local.RemoteID
		}
	}
	out.ReadBy = readBy
	out.DeliveredTo = delivered
	return &out, w
}

// compareMessageMonotonic orders two versions of the same write by status
// rank, then readBy size, then deliveredTo size. Equal on all counts means
// the remote version is authoritative.
func compareMessageMonotonic(local, remote *store.Message) Winner {
	if lr, rr := local.Status.Rank(), remote.Status.Rank(); lr != rr {
		if lr > rr {
			return UseLocal
		}
		return UseRemote
	}
	if len(local.ReadBy) != len(remote.ReadBy) {
		if len(local.ReadBy) > len(remote.ReadBy) {
			return UseLocal
		}
		return UseRemote
	}
	if len(local.DeliveredTo) != len(remote.DeliveredTo) {
		if len(local.DeliveredTo) > len(remote.DeliveredTo) {
			return UseLocal
		}
		return UseRemote
	}
	return UseRemote
}

// Conversation resolves two versions of a conversation. Later updatedAt wins
// (ties favor remote); the participant set only grows and the last-message
// snapshot keeps whichever side saw the more recent message.
func Conversation(local, remote *store.Conversation, window time.Duration) (*store.Conversation, Winner) {
	participants := store.MergeSet(local.Participants, remote.Participants)

	localTs := local.EffectiveTimestamp()
	remoteTs := remote.EffectiveTimestamp()

	var w Winner
	switch {
	case withinWindow(localTs, remoteTs, window) && local.Name == remote.Name:
		w = compareConversationMonotonic(local, remote)
	case localTs > remoteTs:
		w = UseLocal
	default:
		w = UseRemote
	}

	var out store.Conversation
	loser := remote
	if w == UseLocal {
		out = *local
		out.SyncStatus = store.StatusPending
		if out.RemoteID == "" {
			out.RemoteID = remote.RemoteID
		}
	} else {
		out = *remote
		out.LocalID = local.LocalID
		out.SyncStatus = store.StatusSynced
		if out.RemoteID == "" {
			out.RemoteID = local.RemoteID
		}
		loser = local
	}
	out.Participants = participants
	if loser.LastMessageAt > out.LastMessageAt {
		out.LastMessageText = loser.LastMessageText
		out.LastMessageSenderID = loser.LastMessageSenderID
		out.LastMessageAt = loser.LastMessageAt
	}
	return &out, w
}

func compareConversationMonotonic(local, remote *store.Conversation) Winner {
	if local.UpdatedAt != remote.UpdatedAt {
		if local.UpdatedAt > remote.UpdatedAt {
			return UseLocal
		}
		return UseRemote
	}
	if local.LastMessageAt > remote.LastMessageAt {
		return UseLocal
	}
	return UseRemote
}

// User resolves two versions of a profile. Profile fields follow LWW, but
// presence (isOnline, lastSeen) is server-owned and always taken from the
// remote version, whichever side wins.
func User(local, remote *store.User, window time.Duration) (*store.User, Winner) {
	localTs := local.EffectiveTimestamp()
	remoteTs := remote.EffectiveTimestamp()

	var w Winner
	switch {
	case withinWindow(localTs, remoteTs, window) && local.DisplayName == remote.DisplayName && local.AvatarURL == remote.AvatarURL:
		// Presence-only update; the remote copy is authoritative.
		w = UseRemote
	case localTs > remoteTs:
		w = UseLocal
	default:
		w = UseRemote
	}

	var out store.User
	if w == UseLocal {
		out = *local
		out.SyncStatus = store.StatusPending
		if out.RemoteID == "" {
			out.RemoteID = remote.RemoteID
		}
	} else {
		out = *remote
		out.LocalID = local.LocalID
		out.SyncStatus = store.StatusSynced
		if out.RemoteID == "" {
			out.RemoteID = local.RemoteID
		}
	}
	out.IsOnline = remote.IsOnline
	out.LastSeen = remote.LastSeen
	return &out, w
}
