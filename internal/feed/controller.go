// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package feed

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/container/lru"
	"github.com/decred/dcrd/crypto/rand"

	"github.com/anchornet/anchord/internal/event"
	"github.com/anchornet/anchord/internal/mux"
)

const (
	// seenCacheSize bounds the per-evaluation id cache used to
	// deduplicate events across the primary stream and the context
	// round.
	seenCacheSize = 8192

	// defaultContextTimeout bounds the reply-context round when the
	// controller is configured without an explicit timeout.  The bound
	// keeps one slow endpoint from stalling an entire digest run.
	defaultContextTimeout = 5 * time.Second
)

// GraphResolver extends Resolver with the prefetch step that loads the
// social-graph inputs a tree needs before compilation.
type GraphResolver interface {
	Resolver

	// Prefetch loads the graph data named by the requirements.
	Prefetch(ctx context.Context, req Requirements)
}

// ControllerConfig holds the dependencies and limits of an evaluation.
type ControllerConfig struct {
	// Transport carries the compiled subscription filters upstream.
	Transport mux.Transport

	// Resolver answers the tree's scope and trust-range queries.
	Resolver GraphResolver

	// MaxEvents caps the primary stream of a Load.  Zero means
	// unbounded, in which case the stream ends at upstream exhaustion.
	MaxEvents int

	// ContextTimeout bounds the reply-context round.  Zero selects a
	// default.
	ContextTimeout time.Duration
}

// Controller evaluates one feed expression tree against the upstream
// network.  A controller is built per evaluation run; its event id cache
// spans the primary stream and the context round of that run only.
type Controller struct {
	cfg  ControllerConfig
	seen *lru.Set[string]
}

// NewController returns a controller for a single evaluation run.
func NewController(cfg *ControllerConfig) *Controller {
	return &Controller{
		cfg:  *cfg,
		seen: lru.NewSet[string](seenCacheSize),
	}
}

// subID returns a fresh logical subscription id.
func subID() string {
	var buf [16]byte
	rand.Read(buf[:])
	return "feed-" + hex.EncodeToString(buf[:])
}

// prepare simplifies the tree, prefetches exactly the graph data its
// static walk names, and compiles it to concrete filters.
func (c *Controller) prepare(ctx context.Context, tree Node) []event.Filter {
	tree = Simplify(tree)
	c.cfg.Resolver.Prefetch(ctx, Requires(tree))
	return Compile(tree, c.cfg.Resolver)
}

// Load evaluates the tree as a bounded run: the primary stream ends at
// end of stream on every filter, the configured event cap, or context
// cancellation, whichever comes first, and is followed by a single
// time-bounded round that fetches reply context for the events just
// received.  Every delivered event, context included, is passed to
// onEvent exactly once.  The return value is the number of primary
// events delivered.
func (c *Controller) Load(ctx context.Context, tree Node, onEvent func(*event.Event)) int {
	filters := c.prepare(ctx, tree)
	if len(filters) == 0 {
		return 0
	}

	ids := c.stream(ctx, filters, c.cfg.MaxEvents, true, onEvent)
	log.Debugf("Primary stream delivered %d events over %d filters",
		len(ids), len(filters))
	if len(ids) == 0 || ctx.Err() != nil {
		return len(ids)
	}

	timeout := c.cfg.ContextTimeout
	if timeout == 0 {
		timeout = defaultContextTimeout
	}
	replyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	replyFilter := event.Filter{
		Kinds: []int{event.KindNote, event.KindComment},
		Tags:  map[string][]string{"e": ids},
	}
	c.stream(replyCtx, []event.Filter{replyFilter}, 0, true, onEvent)
	return len(ids)
}

// Listen evaluates the tree as an unbounded live stream, passing every
// matching event to onEvent until the context is cancelled or the
// upstream terminates every subscription.
func (c *Controller) Listen(ctx context.Context, tree Node, onEvent func(*event.Event)) {
	filters := c.prepare(ctx, tree)
	if len(filters) == 0 {
		log.Debugf("Feed compiles to no filters, nothing to listen for")
		return
	}
	c.stream(ctx, filters, 0, false, onEvent)
}

// stream runs one subscription round and returns the ids of the events it
// delivered.  With untilEOSE set the round ends once every filter has
// reached end of stream (or the limit); otherwise end of stream is
// ignored and the round runs until cancellation.  The wanted flag keeps
// in-flight deliveries from invoking the callback after the round has
// been torn down.
func (c *Controller) stream(ctx context.Context, filters []event.Filter,
	limit int, untilEOSE bool, onEvent func(*event.Event)) []string {

	var wanted atomic.Bool
	wanted.Store(true)

	pending := make(map[string]struct{}, len(filters))
	for i := range filters {
		pending[filters[i].Fingerprint()] = struct{}{}
	}

	var mu sync.Mutex
	var ids []string
	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	id := subID()
	c.cfg.Transport.Subscribe(id, filters, func(msg mux.Message) {
		if !wanted.Load() {
			return
		}
		switch msg.Verb {
		case mux.VerbEvent:
			ev := msg.Event
			if c.seen.Contains(ev.ID) {
				return
			}
			mu.Lock()
			if limit > 0 && len(ids) >= limit {
				mu.Unlock()
				return
			}
			c.seen.Put(ev.ID)
			ids = append(ids, ev.ID)
			count := len(ids)
			mu.Unlock()

			onEvent(ev)
			if count == limit {
				finish()
			}

		case mux.VerbEOSE, mux.VerbClosed:
			if msg.Verb == mux.VerbEOSE && !untilEOSE {
				return
			}
			mu.Lock()
			delete(pending, msg.SubID)
			remaining := len(pending)
			mu.Unlock()
			if remaining == 0 {
				finish()
			}
		}
	})

	select {
	case <-done:
	case <-ctx.Done():
	}
	wanted.Store(false)
	c.cfg.Transport.Unsubscribe(id)

	mu.Lock()
	defer mu.Unlock()
	return ids
}
