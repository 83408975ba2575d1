// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mux

import (
	"encoding/json"
	"sync"

	"github.com/anchornet/anchord/internal/event"
)

// sender abstracts the socket so the adapter can be exercised in tests
// without a network connection.
type sender interface {
	Send(frame []byte)
}

// Adapter shares one upstream socket between many logical subscriptions.
// All bookkeeping lives in a single table guarded by one mutex: reads and
// mutations of "is there already a wire subscription for this
// fingerprint" must be atomic or concurrent subscribers could open
// duplicate wire subscriptions or close one that still has listeners.
type Adapter struct {
	socket sender

	mu        sync.Mutex
	subIDs    map[string]map[string]struct{} // fingerprint -> logical ids
	filters   map[string]event.Filter        // fingerprint -> filter
	listeners map[string]func(Message)       // logical id -> deliver
}

// newAdapter returns an adapter bound to the passed socket.  The caller
// wires the socket's callbacks to handleFrame and resubscribe.
func newAdapter(socket sender) *Adapter {
	return &Adapter{
		socket:    socket,
		subIDs:    make(map[string]map[string]struct{}),
		filters:   make(map[string]event.Filter),
		listeners: make(map[string]func(Message)),
	}
}

// Subscribe registers a logical subscription for the given filters and
// returns the wire fingerprints carrying it.  A wire subscription is
// opened only for fingerprints that have no subscribers yet; otherwise the
// logical id simply joins the existing interested set.
func (a *Adapter) Subscribe(id string, filters []event.Filter, deliver func(Message)) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.listeners[id] = deliver

	fingerprints := make([]string, 0, len(filters))
	for _, filter := range filters {
		fp := filter.Fingerprint()
		fingerprints = append(fingerprints, fp)

		subIDs, ok := a.subIDs[fp]
		if !ok {
			subIDs = make(map[string]struct{})
			a.subIDs[fp] = subIDs
			a.filters[fp] = filter

			// First subscriber for this filter: open the wire
			// subscription, reusing the fingerprint as its id.
			if frame, err := encodeReq(fp, filter); err == nil {
				a.socket.Send(frame)
			}
		}
		subIDs[id] = struct{}{}
	}
	return fingerprints
}

// Unsubscribe removes a logical subscription from every fingerprint it
// belongs to, closing wire subscriptions whose interested set becomes
// empty.  It is idempotent.
func (a *Adapter) Unsubscribe(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.listeners, id)
	for fp, subIDs := range a.subIDs {
		if _, ok := subIDs[id]; !ok {
			continue
		}
		delete(subIDs, id)
		if len(subIDs) > 0 {
			continue
		}

		// Last subscriber left: close the wire subscription.
		delete(a.subIDs, fp)
		delete(a.filters, fp)
		if frame, err := encodeClose(fp); err == nil {
			a.socket.Send(frame)
		}
	}
}

// NumWireSubscriptions returns the number of distinct wire subscriptions
// currently open on the shared socket.
func (a *Adapter) NumWireSubscriptions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subIDs)
}

// resubscribe replays every open wire subscription.  It runs after each
// reconnect since the remote endpoint lost all subscription state.
func (a *Adapter) resubscribe() {
	a.mu.Lock()
	frames := make([][]byte, 0, len(a.filters))
	for fp, filter := range a.filters {
		if frame, err := encodeReq(fp, filter); err == nil {
			frames = append(frames, frame)
		}
	}
	a.mu.Unlock()

	for _, frame := range frames {
		a.socket.Send(frame)
	}
}

// handleFrame demultiplexes one inbound frame to every logical
// subscription registered for its fingerprint.  Callbacks are invoked
// outside the table lock, from the socket's single read goroutine, so
// each logical subscription observes frames in socket receive order.
func (a *Adapter) handleFrame(verb string, elems []json.RawMessage) {
	switch verb {
	case VerbEvent, VerbEOSE, VerbClosed:
	case VerbNotice:
		var notice string
		if len(elems) > 0 {
			json.Unmarshal(elems[0], &notice)
		}
		log.Debugf("Upstream notice: %s", notice)
		return
	default:
		log.Tracef("Ignoring unhandled upstream verb %q", verb)
		return
	}

	if len(elems) == 0 {
		log.Warnf("Discarding %s frame without a subscription id", verb)
		return
	}
	var fp string
	if err := json.Unmarshal(elems[0], &fp); err != nil {
		log.Warnf("Discarding %s frame with malformed subscription id", verb)
		return
	}

	msg := Message{Verb: verb, SubID: fp}
	switch verb {
	case VerbEvent:
		if len(elems) < 2 {
			log.Warnf("Discarding EVENT frame without a payload")
			return
		}
		var ev event.Event
		if err := json.Unmarshal(elems[1], &ev); err != nil {
			log.Warnf("Discarding undecodable upstream event: %v", err)
			return
		}
		msg.Event = &ev
	case VerbClosed:
		if len(elems) >= 2 {
			json.Unmarshal(elems[1], &msg.Reason)
		}
	}

	a.mu.Lock()
	deliveries := make([]func(Message), 0, 4)
	for id := range a.subIDs[fp] {
		if deliver, ok := a.listeners[id]; ok {
			deliveries = append(deliveries, deliver)
		}
	}
	if verb == VerbClosed {
		// The endpoint terminated the subscription; drop the
		// bookkeeping so a later subscriber reopens it.
		delete(a.subIDs, fp)
		delete(a.filters, fp)
	}
	a.mu.Unlock()

	for _, deliver := range deliveries {
		deliver(msg)
	}
}
