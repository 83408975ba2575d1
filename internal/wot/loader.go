// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wot

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/decred/dcrd/container/lru"
	"github.com/decred/dcrd/crypto/rand"

	"github.com/anchornet/anchord/internal/event"
	"github.com/anchornet/anchord/internal/mux"
)

const (
	// followCacheSize is the maximum number of follow lists kept in
	// memory.  A network-scope resolution touches one list per follow
	// of the owner, so the cache needs to hold a few owners' worth of
	// second-degree lists to be effective.
	followCacheSize = 8192

	// followCacheTTL bounds how stale a cached follow list may be.
	// Follow lists are replaceable events, so stale entries only delay
	// follow changes, never serve wrong authorship.
	followCacheTTL = 30 * time.Minute

	// defaultQueryTimeout bounds a single follow-list query when the
	// loader is constructed with a zero timeout.
	defaultQueryTimeout = 10 * time.Second
)

// Loader fetches follow lists from the upstream transport and caches them.
// It is safe for concurrent use.
type Loader struct {
	transport mux.Transport
	timeout   time.Duration
	cache     *lru.Map[string, []string]
}

// NewLoader returns a loader that queries the passed transport.
func NewLoader(transport mux.Transport, timeout time.Duration) *Loader {
	if timeout == 0 {
		timeout = defaultQueryTimeout
	}
	return &Loader{
		transport: transport,
		timeout:   timeout,
		cache:     lru.NewMapWithDefaultTTL[string, []string](followCacheSize, followCacheTTL),
	}
}

// queryID returns a fresh logical subscription id for a one-shot query.
func queryID() string {
	var buf [16]byte
	rand.Read(buf[:])
	return "wot-" + hex.EncodeToString(buf[:])
}

// query runs a one-shot subscription for the passed filter, collecting
// events until end of stream or the loader timeout, whichever comes
// first.  Events that fail signature verification are discarded.
func (l *Loader) query(ctx context.Context, filter event.Filter) []*event.Event {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var mu sync.Mutex
	var events []*event.Event
	var once sync.Once
	done := make(chan struct{})

	id := queryID()
	l.transport.Subscribe(id, []event.Filter{filter}, func(msg mux.Message) {
		switch msg.Verb {
		case mux.VerbEvent:
			if !msg.Event.Verify() {
				log.Debugf("Discarding upstream event %s: bad signature",
					msg.Event.ID)
				return
			}
			mu.Lock()
			events = append(events, msg.Event)
			mu.Unlock()
		case mux.VerbEOSE, mux.VerbClosed:
			once.Do(func() { close(done) })
		}
	})
	defer l.transport.Unsubscribe(id)

	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	return events
}

// followsFromEvents reduces a batch of follow-list events to the newest
// list per author, keyed by author pubkey.
func followsFromEvents(events []*event.Event) map[string][]string {
	newest := make(map[string]*event.Event)
	for _, ev := range events {
		if ev.Kind != event.KindFollows {
			continue
		}
		if cur, ok := newest[ev.Pubkey]; !ok || ev.CreatedAt > cur.CreatedAt {
			newest[ev.Pubkey] = ev
		}
	}
	lists := make(map[string][]string, len(newest))
	for pubkey, ev := range newest {
		lists[pubkey] = ev.TagValues("p")
	}
	return lists
}

// Follows returns the follow list of the passed pubkey, fetching it from
// upstream unless a fresh cached copy exists.  A pubkey with no published
// follow list resolves to an empty list.
func (l *Loader) Follows(ctx context.Context, pubkey string) []string {
	if list, ok := l.cache.Get(pubkey); ok {
		return list
	}
	lists := l.FollowsAll(ctx, []string{pubkey})
	return lists[pubkey]
}

// FollowsAll returns the follow lists of the passed pubkeys, batching the
// cache misses into a single upstream query.  Every requested pubkey has
// an entry in the result, empty when no list is known.
func (l *Loader) FollowsAll(ctx context.Context, pubkeys []string) map[string][]string {
	lists := make(map[string][]string, len(pubkeys))
	var misses []string
	for _, pubkey := range pubkeys {
		if _, ok := lists[pubkey]; ok {
			continue
		}
		if list, ok := l.cache.Get(pubkey); ok {
			lists[pubkey] = list
		} else {
			misses = append(misses, pubkey)
		}
	}
	if len(misses) == 0 {
		return lists
	}

	filter := event.Filter{
		Kinds:   []int{event.KindFollows},
		Authors: misses,
	}
	fetched := followsFromEvents(l.query(ctx, filter))
	for _, pubkey := range misses {
		list := fetched[pubkey]
		if list == nil {
			list = []string{}
		}
		lists[pubkey] = list
		l.cache.Put(pubkey, list)
	}
	return lists
}

// Followers returns the pubkeys whose follow list names the passed
// pubkey.  Follower sets are queried fresh every time since they cannot
// be derived from the follow-list cache.
func (l *Loader) Followers(ctx context.Context, pubkey string) []string {
	filter := event.Filter{
		Kinds: []int{event.KindFollows},
		Tags:  map[string][]string{"p": {pubkey}},
	}
	seen := make(map[string]struct{})
	var followers []string
	for _, ev := range l.query(ctx, filter) {
		if _, ok := seen[ev.Pubkey]; ok {
			continue
		}
		seen[ev.Pubkey] = struct{}{}
		followers = append(followers, ev.Pubkey)
	}
	return followers
}
