package sync

import (
	"testing"

	"github.com/matheus3301/driftsync/internal/feed"
	"github.com/matheus3301/driftsync/internal/remote"
	"github.com/matheus3301/driftsync/internal/store"
)

func messageDoc(id string, ts int64, fields map[string]any) remote.Document {
	return remote.Document{ID: id, Collection: remote.CollMessages, Timestamp: ts, Fields: fields}
}

func TestApplyMessageAddedInsertsSynced(t *testing.T) {
	f := newFixture(t)

	doc := messageDoc("R1", baseTime.UnixMilli(), map[string]any{
		"localId":        "L-peer",
		"conversationId": "RC1",
		"senderId":       "bob",
		"text":           "incoming",
		"status":         "sent",
		"timestamp":      baseTime.UnixMilli(),
	})
	f.c.handleFeed(feed.KindMessages, "RC1", []remote.FeedEvent{{Type: remote.Added, Doc: doc}})

	got, err := f.db.GetMessageByRemoteID("R1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("message not applied")
	}
	if got.SyncStatus != store.StatusSynced || got.Text != "incoming" {
		t.Errorf("applied = %+v", got)
	}

	// Duplicate delivery is a no-op.
	f.c.handleFeed(feed.KindMessages, "RC1", []remote.FeedEvent{{Type: remote.Added, Doc: doc}})
	n, err := f.db.CountMessages("RC1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

// The feed confirms this client's own optimistic write before the push
// response lands: the local record adopts the remote identity instead of
// duplicating the message.
func TestApplyMessageAddedAdoptsLocalWrite(t *testing.T) {
	f := newFixture(t)

	m := pendingMessage("optimistic")
	if err := f.db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	doc := messageDoc("R1", baseTime.UnixMilli(), map[string]any{
		"localId":     m.LocalID,
		"text":        "optimistic",
		"senderId":    "user-1",
		"status":      "sent",
		"deliveredTo": []any{"bob"},
		"timestamp":   baseTime.UnixMilli(),
	})
	f.c.handleFeed(feed.KindMessages, "RC1", []remote.FeedEvent{{Type: remote.Added, Doc: doc}})

	got, _ := f.db.GetMessage(m.LocalID)
	if got.RemoteID != "R1" {
		t.Fatalf("RemoteID = %q, want adopted R1", got.RemoteID)
	}
	if got.SyncStatus != store.StatusSynced || got.SyncRetryCount != 0 {
		t.Errorf("meta = %+v", got.SyncMeta)
	}
	if len(got.DeliveredTo) != 1 || got.Status != store.MessageSent {
		t.Errorf("monotonic fields = %q %v", got.Status, got.DeliveredTo)
	}
	n, _ := f.db.CountMessages("RC1")
	if n != 1 {
		t.Errorf("count = %d, duplicate created", n)
	}
}

func TestApplyMessageModifiedAbsentFallsBackToAdd(t *testing.T) {
	f := newFixture(t)

	doc := messageDoc("R9", baseTime.UnixMilli(), map[string]any{
		"localId": "L-peer",
		"text":    "late join backfill",
	})
	f.c.handleFeed(feed.KindMessages, "RC1", []remote.FeedEvent{{Type: remote.Modified, Doc: doc}})

	got, _ := f.db.GetMessageByRemoteID("R9")
	if got == nil {
		t.Fatal("modified-for-absent not applied as add")
	}
}

func TestApplyMessageRemovedDeletes(t *testing.T) {
	f := newFixture(t)

	m := pendingMessage("to delete")
	m.RemoteID = "R1"
	m.SyncStatus = store.StatusSynced
	if err := f.db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	evt := remote.FeedEvent{Type: remote.Removed, Doc: messageDoc("R1", 0, nil)}
	f.c.handleFeed(feed.KindMessages, "RC1", []remote.FeedEvent{evt})

	got, _ := f.db.GetMessageByRemoteID("R1")
	if got != nil {
		t.Error("message still present after Removed")
	}

	// Deleting again is harmless.
	f.c.handleFeed(feed.KindMessages, "RC1", []remote.FeedEvent{evt})
}

// The full loop: push a local write, receive the feed echo of that same
// write, run another cycle. Nothing new may go out; the echo must not
// re-mark the record pending.
func TestPushPullEchoDoesNotAmplify(t *testing.T) {
	f := newFixture(t)

	m := pendingMessage("once")
	if err := f.db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	f.cycle()
	if f.fake.Creates() != 1 {
		t.Fatalf("creates = %d", f.fake.Creates())
	}

	got, _ := f.db.GetMessage(m.LocalID)
	doc := f.fake.Doc(remote.CollMessages, got.RemoteID)
	f.c.handleFeed(feed.KindMessages, "RC1", []remote.FeedEvent{{Type: remote.Modified, Doc: *doc}})

	after, _ := f.db.GetMessage(m.LocalID)
	if after.SyncStatus != store.StatusSynced {
		t.Fatalf("echo re-dirtied the record: %+v", after.SyncMeta)
	}

	sum := f.cycle()
	if sum.Pushed != 0 || f.fake.Creates() != 1 || len(f.fake.Patches()) != 0 {
		t.Errorf("amplification: summary=%+v creates=%d patches=%d",
			sum, f.fake.Creates(), len(f.fake.Patches()))
	}
}

// A genuine remote change (a read receipt) arriving on the feed is not an
// echo: it applies, and because the remote side already has it, the record
// stays synced.
func TestRemoteReadReceiptApplies(t *testing.T) {
	f := newFixture(t)

	m := pendingMessage("read me")
	if err := f.db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	f.cycle()
	got, _ := f.db.GetMessage(m.LocalID)

	fields := map[string]any{
		"localId":     m.LocalID,
		"senderId":    "user-1",
		"text":        "read me",
		"status":      "read",
		"readBy":      []any{"bob"},
		"deliveredTo": []any{"bob"},
		"timestamp":   m.Timestamp,
	}
	doc := messageDoc(got.RemoteID, f.now.UnixMilli()+200, fields)
	f.c.handleFeed(feed.KindMessages, "RC1", []remote.FeedEvent{{Type: remote.Modified, Doc: doc}})

	after, _ := f.db.GetMessage(m.LocalID)
	if after.Status != store.MessageRead {
		t.Errorf("Status = %q, want read", after.Status)
	}
	if len(after.ReadBy) != 1 {
		t.Errorf("ReadBy = %v", after.ReadBy)
	}
	if after.SyncStatus != store.StatusSynced {
		t.Errorf("SyncStatus = %q, remote-won merge must stay synced", after.SyncStatus)
	}
}

func TestApplyMessageBumpsConversationSnapshot(t *testing.T) {
	f := newFixture(t)

	cv := &store.Conversation{
		SyncMeta:     store.SyncMeta{LocalID: "C1", RemoteID: "RC1", SyncStatus: store.StatusSynced},
		Name:         "team",
		Participants: []string{"user-1", "bob"},
	}
	if err := f.db.UpsertConversation(cv); err != nil {
		t.Fatal(err)
	}

	doc := messageDoc("R1", baseTime.UnixMilli(), map[string]any{
		"localId":        "L-peer",
		"conversationId": "RC1",
		"senderId":       "bob",
		"text":           "newest",
		"timestamp":      baseTime.UnixMilli(),
	})
	f.c.handleFeed(feed.KindMessages, "RC1", []remote.FeedEvent{{Type: remote.Added, Doc: doc}})

	got, _ := f.db.GetConversation("C1")
	if got.LastMessageText != "newest" || got.LastMessageSenderID != "bob" {
		t.Errorf("snapshot = %+v", got)
	}
}

func TestApplyConversationMembership(t *testing.T) {
	f := newFixture(t)

	doc := remote.Document{
		ID:         "RC1",
		Collection: remote.CollConversations,
		Timestamp:  baseTime.UnixMilli(),
		Fields: map[string]any{
			"localId":      "C-peer",
			"name":         "new group",
			"participants": []any{"user-1", "bob"},
			"updatedAt":    baseTime.UnixMilli(),
		},
	}
	f.c.handleFeed(feed.KindMembership, "", []remote.FeedEvent{{Type: remote.Added, Doc: doc}})

	got, _ := f.db.GetConversationByRemoteID("RC1")
	if got == nil {
		t.Fatal("conversation not applied")
	}
	if got.Name != "new group" || len(got.Participants) != 2 {
		t.Errorf("applied = %+v", got)
	}

	// Leaving the conversation removes it locally.
	f.c.handleFeed(feed.KindMembership, "", []remote.FeedEvent{{Type: remote.Removed, Doc: doc}})
	got, _ = f.db.GetConversationByRemoteID("RC1")
	if got != nil {
		t.Error("conversation still present after Removed")
	}
}

func TestApplyUserPresence(t *testing.T) {
	f := newFixture(t)

	u := &store.User{
		SyncMeta:    store.SyncMeta{LocalID: "U1", RemoteID: "RU1", SyncStatus: store.StatusSynced, ServerTimestamp: baseTime.UnixMilli()},
		DisplayName: "Bob",
		LastSeen:    baseTime.UnixMilli(),
	}
	if err := f.db.UpsertUser(u); err != nil {
		t.Fatal(err)
	}

	online := baseTime.UnixMilli() + 30_000
	doc := remote.Document{
		ID:         "RU1",
		Collection: remote.CollUsers,
		Timestamp:  online,
		Fields: map[string]any{
			"localId":     "U1",
			"displayName": "Bob",
			"isOnline":    true,
			"lastSeen":    online,
		},
	}
	f.c.handleFeed(feed.KindPresence, "", []remote.FeedEvent{{Type: remote.Modified, Doc: doc}})

	got, _ := f.db.GetUser("U1")
	if !got.IsOnline || got.LastSeen != online {
		t.Errorf("presence = %v/%d", got.IsOnline, got.LastSeen)
	}
	if got.SyncStatus != store.StatusSynced {
		t.Errorf("SyncStatus = %q, presence must not dirty the record", got.SyncStatus)
	}
}

// Feed pumps hammering the apply path while the push cycle runs must not
// corrupt sync metadata; applyMu serializes the store decisions.
func TestConcurrentApplyAndPush(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 10; i++ {
		if err := f.db.UpsertMessage(pendingMessage("burst")); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			doc := messageDoc("R-feed", baseTime.UnixMilli(), map[string]any{
				"localId": "L-feed",
				"text":    "inbound",
			})
			f.c.handleFeed(feed.KindMessages, "RC1", []remote.FeedEvent{{Type: remote.Modified, Doc: doc}})
		}
	}()

	f.cycle()
	<-done

	n, err := f.db.CountByStatus(store.EntityMessage, store.StatusSynced)
	if err != nil {
		t.Fatal(err)
	}
	if n != 11 {
		t.Errorf("synced = %d, want 11 (10 pushed + 1 inbound)", n)
	}
}

func TestRemovedConversationDetachesFeed(t *testing.T) {
	f := newFixture(t)

	cv := &store.Conversation{
		SyncMeta: store.SyncMeta{LocalID: "C1", RemoteID: "RC1", SyncStatus: store.StatusSynced},
		Name:     "doomed",
	}
	if err := f.db.UpsertConversation(cv); err != nil {
		t.Fatal(err)
	}

	f.c.Start()
	defer f.c.Stop()
	waitFor(t, func() bool { return f.fake.SubscriptionCount(remote.CollMessages) == 1 }, "message feed not attached")

	doc := remote.Document{ID: "RC1", Collection: remote.CollConversations}
	f.c.handleFeed(feed.KindMembership, "", []remote.FeedEvent{{Type: remote.Removed, Doc: doc}})

	waitFor(t, func() bool { return f.fake.SubscriptionCount(remote.CollMessages) == 0 }, "message feed still live")
}
