package sync

import (
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/driftsync/internal/bus"
	"github.com/matheus3301/driftsync/internal/feed"
	"github.com/matheus3301/driftsync/internal/mapper"
	"github.com/matheus3301/driftsync/internal/remote"
	"github.com/matheus3301/driftsync/internal/resolve"
	"github.com/matheus3301/driftsync/internal/store"
)

// handleFeed is the pull path: inbound feed events are applied to the local
// store. Every branch is idempotent and safe under duplicate or out-of-order
// delivery. Feed pumps run concurrently with the push cycle; both funnel
// through applyMu.
func (c *Coordinator) handleFeed(kind feed.Kind, _ string, events []remote.FeedEvent) {
	for _, evt := range events {
		switch kind {
		case feed.KindMessages:
			c.applyMessage(evt)
		case feed.KindMembership:
			c.applyConversation(evt)
		case feed.KindPresence:
			c.applyUser(evt)
		}
	}
}

func (c *Coordinator) notifyApplied(e store.Entity, localID string) {
	c.bus.Publish(bus.Event{
		Kind:      bus.KindRecordApplied,
		Timestamp: time.Now(),
		Payload:   bus.RecordRef{Entity: string(e), LocalID: localID},
	})
}

func absMs(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

func (c *Coordinator) applyMessage(evt remote.FeedEvent) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	switch evt.Type {
	case remote.Added:
		c.applyMessageAdded(&evt.Doc)
	case remote.Modified:
		c.applyMessageModified(&evt.Doc)
	case remote.Removed:
		deleted, err := c.db.DeleteMessageByRemoteID(evt.Doc.ID)
		if err != nil {
			c.logger.Error("delete message failed", zap.String("remote_id", evt.Doc.ID), zap.Error(err))
		} else if deleted {
			c.logger.Debug("message removed by feed", zap.String("remote_id", evt.Doc.ID))
		}
	}
}

// applyMessageAdded inserts a remotely created message, or reconciles it
// with an optimistic local write carrying the same local identity.
func (c *Coordinator) applyMessageAdded(doc *remote.Document) {
	existing, err := c.db.GetMessageByRemoteID(doc.ID)
	if err != nil {
		c.logger.Error("message lookup failed", zap.String("remote_id", doc.ID), zap.Error(err))
		return
	}
	if existing != nil {
		// Duplicate delivery.
		return
	}

	rm := mapper.MessageFromDoc(doc)
	local, err := c.db.GetMessage(rm.LocalID)
	if err != nil {
		c.logger.Error("message lookup failed", zap.String("local_id", rm.LocalID), zap.Error(err))
		return
	}
	if local != nil {
		// Our own optimistic write confirmed by the feed before the push
		// response landed: adopt the remote identity, keep the sets growing.
		local.RemoteID = doc.ID
		local.ServerTimestamp = doc.Timestamp
		local.SyncStatus = store.StatusSynced
		local.SyncRetryCount = 0
		local.ReadBy = store.MergeSet(local.ReadBy, rm.ReadBy)
		local.DeliveredTo = store.MergeSet(local.DeliveredTo, rm.DeliveredTo)
		if rm.Status.Rank() > local.Status.Rank() {
			local.Status = rm.Status
		}
		if err := c.db.UpsertMessage(local); err != nil {
			c.logger.Error("message reconcile failed", zap.String("local_id", local.LocalID), zap.Error(err))
			return
		}
		c.bumpConversation(local)
		c.notifyApplied(store.EntityMessage, local.LocalID)
		return
	}

	if err := c.db.UpsertMessage(rm); err != nil {
		c.logger.Error("message insert failed", zap.String("remote_id", doc.ID), zap.Error(err))
		return
	}
	c.bumpConversation(rm)
	c.notifyApplied(store.EntityMessage, rm.LocalID)
}

func (c *Coordinator) applyMessageModified(doc *remote.Document) {
	local, err := c.db.GetMessageByRemoteID(doc.ID)
	if err != nil {
		c.logger.Error("message lookup failed", zap.String("remote_id", doc.ID), zap.Error(err))
		return
	}
	if local == nil {
		c.applyMessageAdded(doc)
		return
	}

	rm := mapper.MessageFromDoc(doc)
	if c.isMessageEcho(local, rm) {
		// The feed echoing back a write this coordinator just pushed.
		// Skipping here is what breaks the push -> pull -> reapply loop.
		return
	}

	resolved, winner := resolve.Message(local, rm, c.tun.SameWriteWindow)
	if err := c.db.UpsertMessage(resolved); err != nil {
		c.logger.Error("message resolve apply failed", zap.String("local_id", local.LocalID), zap.Error(err))
		return
	}
	c.bumpConversation(resolved)
	c.logger.Debug("message conflict resolved",
		zap.String("local_id", local.LocalID),
		zap.String("winner", winner.String()))
	c.notifyApplied(store.EntityMessage, local.LocalID)
}

// isMessageEcho detects the feed reflection of a write this client made:
// the record is clean, the write times sit inside the same-write window,
// and no monotonic field moved.
func (c *Coordinator) isMessageEcho(local, rm *store.Message) bool {
	if local.SyncStatus != store.StatusSynced {
		return false
	}
	if absMs(local.EffectiveTimestamp(), rm.EffectiveTimestamp()) >= c.tun.SameWriteWindow.Milliseconds() {
		return false
	}
	return local.Status.Rank() == rm.Status.Rank() &&
		len(local.ReadBy) == len(rm.ReadBy) &&
		len(local.DeliveredTo) == len(rm.DeliveredTo)
}

func (c *Coordinator) bumpConversation(m *store.Message) {
	if err := c.db.BumpConversationActivity(m.ConversationID, m.SenderID, m.Text, m.Timestamp); err != nil {
		c.logger.Error("conversation activity bump failed",
			zap.String("conversation", m.ConversationID), zap.Error(err))
	}
}

func (c *Coordinator) applyConversation(evt remote.FeedEvent) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	switch evt.Type {
	case remote.Added:
		c.applyConversationAdded(&evt.Doc)
	case remote.Modified:
		c.applyConversationModified(&evt.Doc)
	case remote.Removed:
		deleted, err := c.db.DeleteConversationByRemoteID(evt.Doc.ID)
		if err != nil {
			c.logger.Error("delete conversation failed", zap.String("remote_id", evt.Doc.ID), zap.Error(err))
			return
		}
		if deleted {
			c.feeds.RemoveConversation(evt.Doc.ID)
		}
	}
}

func (c *Coordinator) applyConversationAdded(doc *remote.Document) {
	existing, err := c.db.GetConversationByRemoteID(doc.ID)
	if err != nil {
		c.logger.Error("conversation lookup failed", zap.String("remote_id", doc.ID), zap.Error(err))
		return
	}
	if existing != nil {
		return
	}

	rc := mapper.ConversationFromDoc(doc)
	local, err := c.db.GetConversation(rc.LocalID)
	if err != nil {
		c.logger.Error("conversation lookup failed", zap.String("local_id", rc.LocalID), zap.Error(err))
		return
	}
	if local != nil {
		local.RemoteID = doc.ID
		local.ServerTimestamp = doc.Timestamp
		local.SyncStatus = store.StatusSynced
		local.SyncRetryCount = 0
		local.Participants = store.MergeSet(local.Participants, rc.Participants)
		if err := c.db.UpsertConversation(local); err != nil {
			c.logger.Error("conversation reconcile failed", zap.String("local_id", local.LocalID), zap.Error(err))
			return
		}
		c.notifyApplied(store.EntityConversation, local.LocalID)
		return
	}

	if err := c.db.UpsertConversation(rc); err != nil {
		c.logger.Error("conversation insert failed", zap.String("remote_id", doc.ID), zap.Error(err))
		return
	}
	c.notifyApplied(store.EntityConversation, rc.LocalID)
}

func (c *Coordinator) applyConversationModified(doc *remote.Document) {
	local, err := c.db.GetConversationByRemoteID(doc.ID)
	if err != nil {
		c.logger.Error("conversation lookup failed", zap.String("remote_id", doc.ID), zap.Error(err))
		return
	}
	if local == nil {
		c.applyConversationAdded(doc)
		return
	}

	rc := mapper.ConversationFromDoc(doc)
	if c.isConversationEcho(local, rc) {
		return
	}

	resolved, winner := resolve.Conversation(local, rc, c.tun.SameWriteWindow)
	if err := c.db.UpsertConversation(resolved); err != nil {
		c.logger.Error("conversation resolve apply failed", zap.String("local_id", local.LocalID), zap.Error(err))
		return
	}
	c.logger.Debug("conversation conflict resolved",
		zap.String("local_id", local.LocalID),
		zap.String("winner", winner.String()))
	c.notifyApplied(store.EntityConversation, local.LocalID)
}

func (c *Coordinator) isConversationEcho(local, rc *store.Conversation) bool {
	if local.SyncStatus != store.StatusSynced {
		return false
	}
	if absMs(local.EffectiveTimestamp(), rc.EffectiveTimestamp()) >= c.tun.SameWriteWindow.Milliseconds() {
		return false
	}
	return local.UpdatedAt == rc.UpdatedAt &&
		local.LastMessageAt == rc.LastMessageAt &&
		len(local.Participants) == len(rc.Participants)
}

func (c *Coordinator) applyUser(evt remote.FeedEvent) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	switch evt.Type {
	case remote.Added:
		c.applyUserAdded(&evt.Doc)
	case remote.Modified:
		c.applyUserModified(&evt.Doc)
	case remote.Removed:
		if _, err := c.db.DeleteUserByRemoteID(evt.Doc.ID); err != nil {
			c.logger.Error("delete user failed", zap.String("remote_id", evt.Doc.ID), zap.Error(err))
		}
	}
}

func (c *Coordinator) applyUserAdded(doc *remote.Document) {
	existing, err := c.db.GetUserByRemoteID(doc.ID)
	if err != nil {
		c.logger.Error("user lookup failed", zap.String("remote_id", doc.ID), zap.Error(err))
		return
	}
	if existing != nil {
		return
	}

	ru := mapper.UserFromDoc(doc)
	local, err := c.db.GetUser(ru.LocalID)
	if err != nil {
		c.logger.Error("user lookup failed", zap.String("local_id", ru.LocalID), zap.Error(err))
		return
	}
	if local != nil {
		local.RemoteID = doc.ID
		local.ServerTimestamp = doc.Timestamp
		local.SyncStatus = store.StatusSynced
		local.SyncRetryCount = 0
		// Presence is server-owned.
		local.IsOnline = ru.IsOnline
		local.LastSeen = ru.LastSeen
		if err := c.db.UpsertUser(local); err != nil {
			c.logger.Error("user reconcile failed", zap.String("local_id", local.LocalID), zap.Error(err))
			return
		}
		c.notifyApplied(store.EntityUser, local.LocalID)
		return
	}

	if err := c.db.UpsertUser(ru); err != nil {
		c.logger.Error("user insert failed", zap.String("remote_id", doc.ID), zap.Error(err))
		return
	}
	c.notifyApplied(store.EntityUser, ru.LocalID)
}

func (c *Coordinator) applyUserModified(doc *remote.Document) {
	local, err := c.db.GetUserByRemoteID(doc.ID)
	if err != nil {
		c.logger.Error("user lookup failed", zap.String("remote_id", doc.ID), zap.Error(err))
		return
	}
	if local == nil {
		c.applyUserAdded(doc)
		return
	}

	ru := mapper.UserFromDoc(doc)
	if c.isUserEcho(local, ru) {
		return
	}

	resolved, winner := resolve.User(local, ru, c.tun.SameWriteWindow)
	if err := c.db.UpsertUser(resolved); err != nil {
		c.logger.Error("user resolve apply failed", zap.String("local_id", local.LocalID), zap.Error(err))
		return
	}
	c.logger.Debug("user conflict resolved",
		zap.String("local_id", local.LocalID),
		zap.String("winner", winner.String()))
	c.notifyApplied(store.EntityUser, local.LocalID)
}

func (c *Coordinator) isUserEcho(local, ru *store.User) bool {
	if local.SyncStatus != store.StatusSynced {
		return false
	}
	if absMs(local.EffectiveTimestamp(), ru.EffectiveTimestamp()) >= c.tun.SameWriteWindow.Milliseconds() {
		return false
	}
	return local.DisplayName == ru.DisplayName &&
		local.AvatarURL == ru.AvatarURL &&
		local.IsOnline == ru.IsOnline &&
		local.LastSeen == ru.LastSeen
}
