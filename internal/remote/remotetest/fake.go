// Package remotetest provides an in-memory document service for tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/driftsync/internal/remote"
)

// Fake is an in-memory remote.Store with controllable failures, injectable
// feed events, and a settable clock.
type Fake struct {
	// Now supplies server write timestamps. Defaults to wall clock.
	Now func() int64

	mu      sync.Mutex
	online  bool
	nextID  int
	docs    map[string]map[string]remote.Document // collection -> id -> doc
	subs    []*fakeSub
	creates int
	patches []PatchCall

	createErr error
	patchErr  error
}

// PatchCall records one Patch invocation for assertions.
type PatchCall struct {
	Collection string
	ID         string
	Patch      remote.Patch
}

// New creates an online fake with no documents.
func New() *Fake {
	return &Fake{
		online: true,
		docs:   make(map[string]map[string]remote.Document),
		Now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// SetOnline toggles the reported connectivity.
func (f *Fake) SetOnline(v bool) {
	f.mu.Lock()
	f.online = v
	f.mu.Unlock()
}

// FailCreates makes subsequent Create calls return err (nil to clear).
func (f *Fake) FailCreates(err error) {
	f.mu.Lock()
	f.createErr = err
	f.mu.Unlock()
}

// FailPatches makes subsequent Patch calls return err (nil to clear).
func (f *Fake) FailPatches(err error) {
	f.mu.Lock()
	f.patchErr = err
	f.mu.Unlock()
}

// Creates returns how many documents were created.
func (f *Fake) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

// Patches returns every recorded Patch call.
func (f *Fake) Patches() []PatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PatchCall(nil), f.patches...)
}

// Doc returns a stored document, or nil.
func (f *Fake) Doc(collection, id string) *remote.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.docs[collection][id]; ok {
		return &d
	}
	return nil
}

func (f *Fake) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *Fake) Create(_ context.Context, collection string, fields map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	f.creates++
	id := fmt.Sprintf("R%d", f.nextID)
	if f.docs[collection] == nil {
		f.docs[collection] = make(map[string]remote.Document)
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	f.docs[collection][id] = remote.Document{
		ID:         id,
		Collection: collection,
		Timestamp:  f.Now(),
		Fields:     copied,
	}
	return id, nil
}

func (f *Fake) Patch(_ context.Context, collection, id string, p remote.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.patchErr != nil {
		return f.patchErr
	}
	doc, ok := f.docs[collection][id]
	if !ok {
		return remote.ErrNotFound
	}
	for k, v := range p.Set {
		doc.Fields[k] = v
	}
	for k, add := range p.Union {
		existing, _ := doc.Fields[k].([]string)
		merged := existing
		for _, v := range add {
			found := false
			for _, e := range merged {
				if e == v {
					found = true
					break
				}
			}
			if !found {
				merged = append(merged, v)
			}
		}
		doc.Fields[k] = merged
	}
	doc.Timestamp = f.Now()
	f.docs[collection][id] = doc
	f.patches = append(f.patches, PatchCall{Collection: collection, ID: id, Patch: p})
	return nil
}

func (f *Fake) Get(_ context.Context, collection, id string) (*remote.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.docs[collection][id]; ok {
		return &d, nil
	}
	return nil, remote.ErrNotFound
}

func (f *Fake) Subscribe(_ context.Context, q remote.Query) (remote.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{
		query: q,
		ch:    make(chan []remote.FeedEvent, 64),
	}
	f.subs = append(f.subs, sub)
	return sub, nil
}

// Emit delivers a batch of feed events to every live subscription observing
// the collection.
func (f *Fake) Emit(collection string, events ...remote.FeedEvent) {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs...)
	f.mu.Unlock()
	for _, s := range subs {
		if s.query.Collection == collection {
			s.send(events)
		}
	}
}

// FailFeeds terminates every live subscription on the collection with err.
func (f *Fake) FailFeeds(collection string, err error) {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs...)
	f.mu.Unlock()
	for _, s := range subs {
		if s.query.Collection == collection {
			s.fail(err)
		}
	}
}

// SubscriptionCount returns how many live feeds observe the collection.
func (f *Fake) SubscriptionCount(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if s.query.Collection == collection && !s.closed() {
			n++
		}
	}
	return n
}

type fakeSub struct {
	query remote.Query
	ch    chan []remote.FeedEvent

	mu   sync.Mutex
	done bool
	err  error
}

func (s *fakeSub) Updates() <-chan []remote.FeedEvent { return s.ch }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.ch)
	}
}

func (s *fakeSub) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		s.err = err
		close(s.ch)
	}
}

func (s *fakeSub) send(events []remote.FeedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.ch <- events:
	default:
		// Drop if the test subscriber stopped draining.
	}
}

func (s *fakeSub) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
