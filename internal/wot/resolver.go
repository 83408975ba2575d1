// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wot resolves feed scopes and trust-score ranges to concrete
// author sets for one alert owner.  Trust scores are common-follow
// counts: the weight of a candidate pubkey is the number of the owner's
// follows that also follow it, and range thresholds are expressed as
// fractions of the maximum observed weight.
package wot

import (
	"context"

	"github.com/anchornet/anchord/internal/feed"
)

// Resolver holds the prefetched graph data for one owner and answers the
// scope and range queries feed compilation performs.  The zero value is
// not usable; construct with NewResolver and call Prefetch before
// compiling.  Prefetch runs once up front so the query methods are pure
// and never block.
type Resolver struct {
	loader *Loader
	owner  string

	follows   []string
	followsOf map[string][]string
	followers []string
}

// NewResolver returns a resolver for the passed owner pubkey.
func NewResolver(loader *Loader, owner string) *Resolver {
	return &Resolver{
		loader:    loader,
		owner:     owner,
		followsOf: make(map[string][]string),
	}
}

// Prefetch loads exactly the graph data the passed requirements name.
// Feeds that only constrain kind or time load nothing.
func (r *Resolver) Prefetch(ctx context.Context, req feed.Requirements) {
	if req.Follows || req.Network {
		r.follows = r.loader.Follows(ctx, r.owner)
	}
	if req.Network {
		r.followsOf = r.loader.FollowsAll(ctx, r.follows)
	}
	if req.Followers {
		r.followers = r.loader.Followers(ctx, r.owner)
	}
	log.Debugf("Prefetched graph for %s: %d follows, %d second-degree "+
		"lists, %d followers", r.owner, len(r.follows), len(r.followsOf),
		len(r.followers))
}

// PubkeysForScope returns the author set for the passed scope.  An owner
// with an empty follow list yields empty network and range sets rather
// than an error.
func (r *Resolver) PubkeysForScope(scope feed.Scope) []string {
	switch scope {
	case feed.ScopeSelf:
		return []string{r.owner}

	case feed.ScopeFollows:
		return r.follows

	case feed.ScopeFollowers:
		return r.followers

	case feed.ScopeNetwork:
		// Follows of follows, excluding first-degree follows.
		direct := make(map[string]struct{}, len(r.follows))
		for _, pubkey := range r.follows {
			direct[pubkey] = struct{}{}
		}
		seen := make(map[string]struct{})
		var network []string
		for _, follow := range r.follows {
			for _, pubkey := range r.followsOf[follow] {
				if _, ok := direct[pubkey]; ok {
					continue
				}
				if _, ok := seen[pubkey]; ok {
					continue
				}
				seen[pubkey] = struct{}{}
				network = append(network, pubkey)
			}
		}
		return network

	default:
		return nil
	}
}

// PubkeysForRange returns the pubkeys whose trust score falls within
// [min*maxWeight, max*maxWeight] inclusive, where maxWeight is the
// largest score in the owner's graph.  An empty graph, or one whose
// maximum weight is zero, yields an empty set.
func (r *Resolver) PubkeysForRange(min, max float64) []string {
	graph := make(map[string]int)
	for _, follow := range r.follows {
		for _, pubkey := range r.followsOf[follow] {
			graph[pubkey]++
		}
	}

	maxWeight := 0
	for _, weight := range graph {
		if weight > maxWeight {
			maxWeight = weight
		}
	}
	if maxWeight == 0 {
		return nil
	}

	lower := min * float64(maxWeight)
	upper := max * float64(maxWeight)
	var pubkeys []string
	for pubkey, weight := range graph {
		w := float64(weight)
		if w >= lower && w <= upper {
			pubkeys = append(pubkeys, pubkey)
		}
	}
	return pubkeys
}
