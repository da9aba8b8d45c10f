package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/driftsync/internal/bus"
	"github.com/matheus3301/driftsync/internal/mapper"
	"github.com/matheus3301/driftsync/internal/remote"
	"github.com/matheus3301/driftsync/internal/store"
)

// performSyncCycle pushes every record that needs it, one entity type at a
// time, sequentially within each type so a conversation's messages go out in
// causal order and nothing races the denormalized last-message snapshot.
// Failures are contained as record state; the cycle itself never errors.
func (c *Coordinator) performSyncCycle(ctx context.Context) bus.CycleSummary {
	var sum bus.CycleSummary
	if ctx.Err() != nil {
		return sum
	}
	if !c.remote.Online() {
		return sum
	}

	msgs, err := c.db.PendingMessages()
	if err != nil {
		c.logger.Error("pending messages query failed", zap.Error(err))
	}
	for _, m := range msgs {
		if ctx.Err() != nil {
			return sum
		}
		c.pushMessage(ctx, m, &sum)
	}

	convs, err := c.db.PendingConversations()
	if err != nil {
		c.logger.Error("pending conversations query failed", zap.Error(err))
	}
	for _, cv := range convs {
		if ctx.Err() != nil {
			return sum
		}
		c.pushConversation(ctx, cv, &sum)
	}

	users, err := c.db.PendingUsers()
	if err != nil {
		c.logger.Error("pending users query failed", zap.Error(err))
	}
	for _, u := range users {
		if ctx.Err() != nil {
			return sum
		}
		c.pushUser(ctx, u, &sum)
	}

	if sum.Pushed > 0 || sum.Failed > 0 {
		c.logger.Info("sync cycle complete",
			zap.Int("pushed", sum.Pushed),
			zap.Int("failed", sum.Failed),
			zap.Int("skipped", sum.Skipped))
		c.bus.Publish(bus.Event{Kind: bus.KindSyncCycle, Timestamp: time.Now(), Payload: sum})
	}
	return sum
}

func (c *Coordinator) pushMessage(ctx context.Context, m *store.Message, sum *bus.CycleSummary) {
	c.applyMu.Lock()
	fresh, err := c.db.GetMessage(m.LocalID)
	c.applyMu.Unlock()
	if err != nil || fresh == nil {
		sum.Skipped++
		return
	}
	// A feed event may have reconciled this record since the cycle's query.
	if fresh.SyncStatus == store.StatusSynced {
		sum.Skipped++
		return
	}
	if !c.tun.EntityPolicy.EligibleMeta(fresh.SyncMeta, c.now()) {
		sum.Skipped++
		return
	}

	var pushErr error
	if !fresh.Confirmed() {
		id, err := c.remote.Create(ctx, remote.CollMessages, mapper.MessageFields(fresh))
		if err == nil {
			c.confirmPush(ctx, store.EntityMessage, fresh.LocalID, id, sum)
			return
		}
		pushErr = err
	} else {
		if err := c.remote.Patch(ctx, remote.CollMessages, fresh.RemoteID, mapper.MessagePatch(fresh)); err == nil {
			c.confirmPush(ctx, store.EntityMessage, fresh.LocalID, fresh.RemoteID, sum)
			return
		} else {
			pushErr = err
		}
	}
	c.failPush(ctx, store.EntityMessage, fresh.LocalID, pushErr, sum)
}

func (c *Coordinator) pushConversation(ctx context.Context, cv *store.Conversation, sum *bus.CycleSummary) {
	c.applyMu.Lock()
	fresh, err := c.db.GetConversation(cv.LocalID)
	c.applyMu.Unlock()
	if err != nil || fresh == nil {
		sum.Skipped++
		return
	}
	if fresh.SyncStatus == store.StatusSynced {
		sum.Skipped++
		return
	}
	if !c.tun.EntityPolicy.EligibleMeta(fresh.SyncMeta, c.now()) {
		sum.Skipped++
		return
	}

	var pushErr error
	if !fresh.Confirmed() {
		id, err := c.remote.Create(ctx, remote.CollConversations, mapper.ConversationFields(fresh))
		if err == nil {
			c.confirmPush(ctx, store.EntityConversation, fresh.LocalID, id, sum)
			return
		}
		pushErr = err
	} else {
		if err := c.remote.Patch(ctx, remote.CollConversations, fresh.RemoteID, mapper.ConversationPatch(fresh)); err == nil {
			c.confirmPush(ctx, store.EntityConversation, fresh.LocalID, fresh.RemoteID, sum)
			return
		} else {
			pushErr = err
		}
	}
	c.failPush(ctx, store.EntityConversation, fresh.LocalID, pushErr, sum)
}

func (c *Coordinator) pushUser(ctx context.Context, u *store.User, sum *bus.CycleSummary) {
	c.applyMu.Lock()
	fresh, err := c.db.GetUser(u.LocalID)
	c.applyMu.Unlock()
	if err != nil || fresh == nil {
		sum.Skipped++
		return
	}
	if fresh.SyncStatus == store.StatusSynced {
		sum.Skipped++
		return
	}
	if !c.tun.EntityPolicy.EligibleMeta(fresh.SyncMeta, c.now()) {
		sum.Skipped++
		return
	}

	var pushErr error
	if !fresh.Confirmed() {
		id, err := c.remote.Create(ctx, remote.CollUsers, mapper.UserFields(fresh))
		if err == nil {
			c.confirmPush(ctx, store.EntityUser, fresh.LocalID, id, sum)
			return
		}
		pushErr = err
	} else {
		if err := c.remote.Patch(ctx, remote.CollUsers, fresh.RemoteID, mapper.UserPatch(fresh)); err == nil {
			c.confirmPush(ctx, store.EntityUser, fresh.LocalID, fresh.RemoteID, sum)
			return
		} else {
			pushErr = err
		}
	}
	c.failPush(ctx, store.EntityUser, fresh.LocalID, pushErr, sum)
}

// confirmPush applies a successful push result: the record becomes synced
// with its remote identity, a zeroed retry counter, and a freshly stamped
// server timestamp. Results arriving after Stop are discarded.
func (c *Coordinator) confirmPush(ctx context.Context, e store.Entity, localID, remoteID string, sum *bus.CycleSummary) {
	if ctx.Err() != nil {
		return
	}
	c.applyMu.Lock()
	err := c.db.MarkSynced(e, localID, remoteID, c.now().UnixMilli())
	c.applyMu.Unlock()
	if err != nil {
		c.logger.Error("mark synced failed", zap.String("entity", string(e)), zap.String("local_id", localID), zap.Error(err))
		sum.Failed++
		return
	}
	sum.Pushed++
	c.bus.Publish(bus.Event{
		Kind:      bus.KindRecordPushed,
		Timestamp: time.Now(),
		Payload:   bus.RecordRef{Entity: string(e), LocalID: localID},
	})
}

// failPush contains a push failure as record state. Rejected writes are
// currently retried on the same schedule as transient network failures;
// the log distinguishes them.
func (c *Coordinator) failPush(ctx context.Context, e store.Entity, localID string, pushErr error, sum *bus.CycleSummary) {
	if ctx.Err() != nil {
		return
	}
	c.applyMu.Lock()
	err := c.db.MarkSyncFailed(e, localID, c.now().UnixMilli())
	c.applyMu.Unlock()
	if err != nil {
		c.logger.Error("mark failed failed", zap.String("entity", string(e)), zap.String("local_id", localID), zap.Error(err))
	}
	sum.Failed++
	c.logger.Warn("push failed",
		zap.String("entity", string(e)),
		zap.String("local_id", localID),
		zap.Bool("rejected", remote.IsRejected(pushErr)),
		zap.Error(pushErr))
}
