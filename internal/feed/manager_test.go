package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/driftsync/internal/backoff"
	"github.com/matheus3301/driftsync/internal/bus"
	"github.com/matheus3301/driftsync/internal/remote"
	"github.com/matheus3301/driftsync/internal/remote/remotetest"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testManager(t *testing.T, fake *remotetest.Fake, handler Handler, policy backoff.Policy, b *bus.Bus) *Manager {
	t.Helper()
	if handler == nil {
		handler = func(Kind, string, []remote.FeedEvent) {}
	}
	m := NewManager(fake, "user-1", handler, policy, b, nil)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m
}

func TestStartOpensMembershipAndPresence(t *testing.T) {
	fake := remotetest.New()
	testManager(t, fake, nil, backoff.FeedDefaults(), nil)

	waitFor(t, func() bool {
		return fake.SubscriptionCount(remote.CollConversations) == 1 &&
			fake.SubscriptionCount(remote.CollUsers) == 1
	}, "membership and presence feeds not attached")
}

func TestReconcileAddsAndRemovesMessageFeeds(t *testing.T) {
	fake := remotetest.New()
	m := testManager(t, fake, nil, backoff.FeedDefaults(), nil)

	m.Reconcile([]string{"RC1", "RC2"})
	waitFor(t, func() bool { return m.ActiveCount(KindMessages) == 2 }, "message feeds not attached")

	m.Reconcile([]string{"RC2", "RC3"})
	waitFor(t, func() bool {
		return m.ActiveCount(KindMessages) == 2 &&
			fake.SubscriptionCount(remote.CollMessages) == 2
	}, "reconcile did not swap feeds")

	// Unchanged membership is a no-op.
	m.Reconcile([]string{"RC2", "RC3"})
	if got := m.ActiveCount(KindMessages); got != 2 {
		t.Errorf("ActiveCount = %d, want 2", got)
	}
}

func TestEventsReachHandler(t *testing.T) {
	fake := remotetest.New()
	got := make(chan Kind, 8)
	testManager(t, fake, func(kind Kind, _ string, _ []remote.FeedEvent) {
		got <- kind
	}, backoff.FeedDefaults(), nil)

	waitFor(t, func() bool { return fake.SubscriptionCount(remote.CollUsers) == 1 }, "presence feed not attached")
	fake.Emit(remote.CollUsers, remote.FeedEvent{
		Type: remote.Modified,
		Doc:  remote.Document{ID: "RU1", Collection: remote.CollUsers},
	})

	select {
	case k := <-got:
		if k != KindPresence {
			t.Errorf("kind = %q, want presence", k)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestFeedRestartsWithBackoff(t *testing.T) {
	fake := remotetest.New()
	policy := backoff.Policy{Base: time.Millisecond, Cap: 4 * time.Millisecond, MaxAttempts: 5}
	m := testManager(t, fake, nil, policy, nil)

	waitFor(t, func() bool { return fake.SubscriptionCount(remote.CollUsers) == 1 }, "presence feed not attached")
	fake.FailFeeds(remote.CollUsers, errors.New("stream reset"))
	waitFor(t, func() bool { return m.FailureCount(KindPresence) == 1 }, "failure not counted")

	// A replacement subscription appears after the backoff delay.
	waitFor(t, func() bool { return fake.SubscriptionCount(remote.CollUsers) == 1 }, "feed not restarted")
}

// Five consecutive failures exhaust the restart budget; the sixth is not
// rescheduled and the degradation is announced on the bus.
func TestFeedRestartBudgetExhausts(t *testing.T) {
	fake := remotetest.New()
	b := bus.New()
	degraded, unsub := b.Subscribe("feed.", 8)
	defer unsub()

	policy := backoff.Policy{Base: time.Millisecond, Cap: 2 * time.Millisecond, MaxAttempts: 5}
	m := testManager(t, fake, nil, policy, b)

	for i := 0; i < 5; i++ {
		waitFor(t, func() bool { return fake.SubscriptionCount(remote.CollUsers) == 1 }, "presence feed not attached")
		fake.FailFeeds(remote.CollUsers, errors.New("stream reset"))
		waitFor(t, func() bool { return m.FailureCount(KindPresence) == i+1 }, "failure not counted")
	}

	// The budget is spent; the next failure degrades the feed kind.
	waitFor(t, func() bool { return fake.SubscriptionCount(remote.CollUsers) == 1 }, "final restart missing")
	fake.FailFeeds(remote.CollUsers, errors.New("stream reset"))

	select {
	case evt := <-degraded:
		if evt.Kind != bus.KindFeedDegraded {
			t.Errorf("kind = %q", evt.Kind)
		}
		if evt.Payload != string(KindPresence) {
			t.Errorf("payload = %v, want presence", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no degradation event")
	}

	// No replacement subscription is scheduled anymore.
	time.Sleep(20 * time.Millisecond)
	if fake.SubscriptionCount(remote.CollUsers) != 0 {
		t.Error("feed restarted past the budget")
	}
}

// A restarted feed that delivers a batch clears its kind's failure counter,
// so intermittent errors over a long session never add up to degradation.
func TestFailureBudgetReArmsAfterDelivery(t *testing.T) {
	fake := remotetest.New()
	policy := backoff.Policy{Base: time.Millisecond, Cap: 2 * time.Millisecond, MaxAttempts: 5}
	m := testManager(t, fake, nil, policy, nil)

	waitFor(t, func() bool { return fake.SubscriptionCount(remote.CollUsers) == 1 }, "presence feed not attached")
	fake.FailFeeds(remote.CollUsers, errors.New("stream reset"))
	waitFor(t, func() bool { return m.FailureCount(KindPresence) == 1 }, "failure not counted")
	waitFor(t, func() bool { return fake.SubscriptionCount(remote.CollUsers) == 1 }, "feed not restarted")

	fake.Emit(remote.CollUsers, remote.FeedEvent{
		Type: remote.Modified,
		Doc:  remote.Document{ID: "RU1", Collection: remote.CollUsers},
	})
	waitFor(t, func() bool { return m.FailureCount(KindPresence) == 0 }, "budget not re-armed after delivery")
}

// Presence failures must not consume the membership feed's budget.
func TestFailureCountersIndependentPerKind(t *testing.T) {
	fake := remotetest.New()
	policy := backoff.Policy{Base: time.Millisecond, Cap: 2 * time.Millisecond, MaxAttempts: 5}
	m := testManager(t, fake, nil, policy, nil)

	waitFor(t, func() bool { return fake.SubscriptionCount(remote.CollUsers) == 1 }, "presence feed not attached")
	fake.FailFeeds(remote.CollUsers, errors.New("stream reset"))
	waitFor(t, func() bool { return m.FailureCount(KindPresence) == 1 }, "presence failure not counted")

	if got := m.FailureCount(KindMembership); got != 0 {
		t.Errorf("membership FailureCount = %d, want 0", got)
	}
}

func TestStopCancelsFeeds(t *testing.T) {
	fake := remotetest.New()
	m := testManager(t, fake, nil, backoff.FeedDefaults(), nil)
	m.AddConversation("RC1")

	waitFor(t, func() bool {
		return fake.SubscriptionCount(remote.CollMessages) == 1 &&
			fake.SubscriptionCount(remote.CollUsers) == 1
	}, "feeds not attached")

	m.Stop()
	waitFor(t, func() bool {
		return fake.SubscriptionCount(remote.CollMessages) == 0 &&
			fake.SubscriptionCount(remote.CollUsers) == 0 &&
			fake.SubscriptionCount(remote.CollConversations) == 0
	}, "feeds still live after Stop")
}

func TestStartResetsFailureBudget(t *testing.T) {
	fake := remotetest.New()
	policy := backoff.Policy{Base: time.Millisecond, Cap: 2 * time.Millisecond, MaxAttempts: 5}
	m := testManager(t, fake, nil, policy, nil)

	waitFor(t, func() bool { return fake.SubscriptionCount(remote.CollUsers) == 1 }, "presence feed not attached")
	fake.FailFeeds(remote.CollUsers, errors.New("stream reset"))
	waitFor(t, func() bool { return m.FailureCount(KindPresence) == 1 }, "failure not counted")

	m.Stop()
	m.Start(context.Background())
	if got := m.FailureCount(KindPresence); got != 0 {
		t.Errorf("FailureCount after restart = %d, want 0", got)
	}
}
