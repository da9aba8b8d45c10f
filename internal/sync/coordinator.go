// Package sync drives the push/pull cycles that keep the local replica
// converging with the remote document service. The Coordinator owns the
// periodic push loop, funnels all trigger sources (timer, local writes,
// reconnects) into single coalesced cycles, and routes inbound feed events
// through the conflict resolver.
package sync

import (
	"context"
	stdsync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/driftsync/internal/backoff"
	"github.com/matheus3301/driftsync/internal/bus"
	"github.com/matheus3301/driftsync/internal/feed"
	"github.com/matheus3301/driftsync/internal/remote"
	"github.com/matheus3301/driftsync/internal/store"
)

// Tunables are the coordinator's timing knobs. The same-write window is the
// threshold under which two versions with identical content are treated as
// one write racing its own status updates.
type Tunables struct {
	Interval          time.Duration
	PushDebounce      time.Duration
	ReconcileDebounce time.Duration
	SameWriteWindow   time.Duration
	EntityPolicy      backoff.Policy
	FeedPolicy        backoff.Policy
}

// DefaultTunables returns the production defaults.
func DefaultTunables() Tunables {
	return Tunables{
		Interval:          10 * time.Second,
		PushDebounce:      100 * time.Millisecond,
		ReconcileDebounce: time.Second,
		SameWriteWindow:   time.Second,
		EntityPolicy:      backoff.EntityDefaults(),
		FeedPolicy:        backoff.FeedDefaults(),
	}
}

// Coordinator orchestrates the sync engine: start/stop, the periodic push
// cycle, and the apply path for inbound feed events. All local-store
// decisions are serialized through one mutex; only the remote network calls
// overlap.
type Coordinator struct {
	db     *store.DB
	remote remote.Store
	bus    *bus.Bus
	logger *zap.Logger
	tun    Tunables
	userID string

	feeds *feed.Manager

	now func() time.Time

	mu      stdsync.Mutex
	running bool
	cancel  context.CancelFunc

	// applyMu serializes every local-store decision, from both the push
	// and the pull path.
	applyMu stdsync.Mutex

	cycleInFlight atomic.Bool
	cycleQueued   atomic.Bool
}

// New creates a coordinator. The bus must be the same one the store
// publishes change notifications on.
func New(db *store.DB, rs remote.Store, userID string, b *bus.Bus, tun Tunables, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		db:     db,
		remote: rs,
		bus:    b,
		logger: logger,
		tun:    tun,
		userID: userID,
		now:    time.Now,
	}
	c.feeds = feed.NewManager(rs, userID, c.handleFeed, tun.FeedPolicy, b, logger)
	return c
}

// Start attaches the change feeds and begins the periodic push loop.
// No-op when already running.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	storeCh, unsubStore := c.bus.Subscribe("store.", 256)
	netCh, unsubNet := c.bus.Subscribe("net.", 16)

	c.feeds.Start(ctx)
	go c.run(ctx, storeCh, netCh, func() {
		unsubStore()
		unsubNet()
	})

	// Attach feeds for known conversations and flush anything pending.
	go func() {
		c.reconcileFeeds()
		c.triggerCycle(ctx)
	}()

	c.logger.Info("sync coordinator started", zap.String("user", c.userID))
}

// Stop cancels the periodic loop and detaches every feed. In-flight network
// calls may finish, but their results are discarded.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	cancel()
	c.feeds.Stop()
	c.logger.Info("sync coordinator stopped")
}

// IsRunning reports whether the coordinator is between Start and Stop.
func (c *Coordinator) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// AddFeedForConversation attaches a message feed for a conversation the
// user just joined, without waiting for the next reconcile.
func (c *Coordinator) AddFeedForConversation(conversationID string) {
	if c.IsRunning() {
		c.feeds.AddConversation(conversationID)
	}
}

// RemoveFeedForConversation detaches a conversation's message feed.
func (c *Coordinator) RemoveFeedForConversation(conversationID string) {
	c.feeds.RemoveConversation(conversationID)
}

func (c *Coordinator) run(ctx context.Context, storeCh, netCh <-chan bus.Event, unsub func()) {
	defer unsub()

	ticker := time.NewTicker(c.tun.Interval)
	defer ticker.Stop()

	// Debounce timers start disarmed.
	pushTimer := newStoppedTimer()
	defer pushTimer.Stop()
	reconcileTimer := newStoppedTimer()
	defer reconcileTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.triggerCycle(ctx)
		case <-storeCh:
			// Coalesce bursts of local writes into one cycle, and
			// membership changes into one feed reconcile.
			resetTimer(pushTimer, c.tun.PushDebounce)
			resetTimer(reconcileTimer, c.tun.ReconcileDebounce)
		case evt := <-netCh:
			if evt.Kind == bus.KindNetOnline {
				c.triggerCycle(ctx)
			}
		case <-pushTimer.C:
			c.triggerCycle(ctx)
		case <-reconcileTimer.C:
			c.reconcileFeeds()
		}
	}
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (c *Coordinator) reconcileFeeds() {
	ids, err := c.db.ConversationRemoteIDs()
	if err != nil {
		c.logger.Error("feed reconcile query failed", zap.Error(err))
		return
	}
	c.feeds.Reconcile(ids)
}

// triggerCycle starts a push cycle unless one is already in flight.
// Reentrant triggers are coalesced into a single follow-up cycle, never
// queued: the follow-up re-discovers anything the current cycle missed.
func (c *Coordinator) triggerCycle(ctx context.Context) {
	if !c.cycleInFlight.CompareAndSwap(false, true) {
		c.cycleQueued.Store(true)
		return
	}
	go func() {
		for {
			c.performSyncCycle(ctx)
			c.cycleInFlight.Store(false)
			if !c.cycleQueued.CompareAndSwap(true, false) {
				return
			}
			if !c.cycleInFlight.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}
