// Package feed owns the live change-feed subscriptions: one message feed
// per conversation the user belongs to, one membership feed, and one
// user/presence feed. Broken feeds are restarted with capped exponential
// backoff; a feed kind that keeps failing is abandoned until the coordinator
// is restarted.
package feed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/driftsync/internal/backoff"
	"github.com/matheus3301/driftsync/internal/bus"
	"github.com/matheus3301/driftsync/internal/mapper"
	"github.com/matheus3301/driftsync/internal/remote"
)

// Kind classifies a feed.
type Kind string

const (
	KindMessages   Kind = "messages"
	KindMembership Kind = "membership"
	KindPresence   Kind = "presence"
)

// Handler consumes classified feed events. conversationID is set only for
// message feeds.
type Handler func(kind Kind, conversationID string, events []remote.FeedEvent)

type feedKey struct {
	kind           Kind
	conversationID string
}

// Manager tracks and restarts the engine's change feeds.
type Manager struct {
	remote  remote.Store
	userID  string
	handler Handler
	policy  backoff.Policy
	bus     *bus.Bus
	logger  *zap.Logger

	mu       sync.Mutex
	ctx      context.Context
	feeds    map[feedKey]remote.Subscription
	timers   map[feedKey]*time.Timer
	failures map[Kind]int
}

// NewManager creates a feed manager. The handler is invoked from per-feed
// goroutines, one batch at a time per feed.
func NewManager(rs remote.Store, userID string, handler Handler, policy backoff.Policy, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		remote:   rs,
		userID:   userID,
		handler:  handler,
		policy:   policy,
		bus:      b,
		logger:   logger,
		feeds:    make(map[feedKey]remote.Subscription),
		timers:   make(map[feedKey]*time.Timer),
		failures: make(map[Kind]int),
	}
}

// Start opens the membership and presence feeds and resets the restart
// budgets. Message feeds are added by Reconcile as conversations appear.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.failures = make(map[Kind]int)
	m.mu.Unlock()

	m.open(feedKey{kind: KindMembership})
	m.open(feedKey{kind: KindPresence})
}

// Stop cancels every active feed and pending restart.
func (m *Manager) Stop() {
	m.mu.Lock()
	for k, t := range m.timers {
		t.Stop()
		delete(m.timers, k)
	}
	subs := make([]remote.Subscription, 0, len(m.feeds))
	for k, s := range m.feeds {
		subs = append(subs, s)
		delete(m.feeds, k)
	}
	m.ctx = nil
	m.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
}

// Reconcile diffs the active message feeds against the conversations the
// user currently belongs to, adding missing feeds and cancelling stale ones.
func (m *Manager) Reconcile(conversationIDs []string) {
	want := make(map[string]struct{}, len(conversationIDs))
	for _, id := range conversationIDs {
		want[id] = struct{}{}
	}

	m.mu.Lock()
	var toAdd, toRemove []string
	have := make(map[string]struct{})
	for k := range m.feeds {
		if k.kind == KindMessages {
			have[k.conversationID] = struct{}{}
		}
	}
	for k := range m.timers {
		if k.kind == KindMessages {
			have[k.conversationID] = struct{}{}
		}
	}
	for id := range want {
		if _, ok := have[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}
	for id := range have {
		if _, ok := want[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toRemove {
		m.RemoveConversation(id)
	}
	for _, id := range toAdd {
		m.AddConversation(id)
	}
}

// AddConversation attaches a message feed for one conversation.
func (m *Manager) AddConversation(conversationID string) {
	m.open(feedKey{kind: KindMessages, conversationID: conversationID})
}

// RemoveConversation detaches the message feed for one conversation,
// including any pending restart.
func (m *Manager) RemoveConversation(conversationID string) {
	key := feedKey{kind: KindMessages, conversationID: conversationID}
	m.mu.Lock()
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
	}
	sub := m.feeds[key]
	delete(m.feeds, key)
	m.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

// ActiveCount returns how many feeds of a kind are currently attached.
func (m *Manager) ActiveCount(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.feeds {
		if k.kind == kind {
			n++
		}
	}
	return n
}

// FailureCount returns the restart counter for a feed kind.
func (m *Manager) FailureCount(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[kind]
}

func (m *Manager) queryFor(key feedKey) remote.Query {
	switch key.kind {
	case KindMessages:
		return mapper.MessagesQuery(key.conversationID)
	case KindMembership:
		return mapper.MembershipQuery(m.userID)
	default:
		return mapper.PresenceQuery()
	}
}

func (m *Manager) open(key feedKey) {
	m.mu.Lock()
	ctx := m.ctx
	if ctx == nil || ctx.Err() != nil || m.feeds[key] != nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	sub, err := m.remote.Subscribe(ctx, m.queryFor(key))
	if err != nil {
		m.logger.Warn("feed subscribe failed",
			zap.String("kind", string(key.kind)),
			zap.String("conversation", key.conversationID),
			zap.Error(err))
		m.onFeedError(key, err)
		return
	}

	m.mu.Lock()
	if m.ctx == nil || m.ctx.Err() != nil || m.feeds[key] != nil {
		m.mu.Unlock()
		sub.Cancel()
		return
	}
	m.feeds[key] = sub
	m.mu.Unlock()

	m.logger.Info("feed attached",
		zap.String("kind", string(key.kind)),
		zap.String("conversation", key.conversationID))
	go m.pump(ctx, key, sub)
}

func (m *Manager) pump(ctx context.Context, key feedKey, sub remote.Subscription) {
	healthy := false
	for batch := range sub.Updates() {
		if !healthy {
			healthy = true
			// A delivered batch proves the feed is live again; the
			// kind's restart budget re-arms so intermittent errors
			// spread over a long session never add up to degradation.
			m.mu.Lock()
			delete(m.failures, key.kind)
			m.mu.Unlock()
		}
		m.handler(key.kind, key.conversationID, batch)
	}

	m.mu.Lock()
	if m.feeds[key] == sub {
		delete(m.feeds, key)
	}
	m.mu.Unlock()

	if err := sub.Err(); err != nil && ctx.Err() == nil {
		m.onFeedError(key, err)
	}
}

// onFeedError schedules a restart with capped exponential backoff. The
// counter is per feed kind, not per record, and only counts consecutive
// failures: a restarted feed that delivers a batch clears it. After the
// budget is spent the kind stops auto-restarting and stays stale until the
// coordinator is restarted.
func (m *Manager) onFeedError(key feedKey, err error) {
	m.mu.Lock()
	if m.ctx == nil || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	n := m.failures[key.kind]
	if m.policy.Exhausted(n) {
		m.mu.Unlock()
		m.logger.Error("feed restart budget exhausted, inbound sync stale for this feed kind",
			zap.String("kind", string(key.kind)),
			zap.Error(err))
		if m.bus != nil {
			m.bus.Publish(bus.Event{
				Kind:      bus.KindFeedDegraded,
				Timestamp: time.Now(),
				Payload:   string(key.kind),
			})
		}
		return
	}
	m.failures[key.kind] = n + 1
	delay := m.policy.Delay(n)
	m.timers[key] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, key)
		m.mu.Unlock()
		m.open(key)
	})
	m.mu.Unlock()

	m.logger.Warn("feed error, restart scheduled",
		zap.String("kind", string(key.kind)),
		zap.String("conversation", key.conversationID),
		zap.Duration("delay", delay),
		zap.Int("attempt", n+1),
		zap.Error(err))
}
