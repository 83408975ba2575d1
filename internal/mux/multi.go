// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mux

import (
	"sync"

	"github.com/anchornet/anchord/internal/event"
)

// Multi fans one logical subscription out to several transports and
// merges their inbound streams.  End of stream for a fingerprint is
// forwarded once every transport has reached it, and termination only
// once every transport has terminated, so a subscriber sees the same
// protocol it would over a single endpoint.  Duplicate events across
// endpoints are not filtered here; subscribers deduplicate by event id.
type Multi struct {
	transports []Transport

	mu   sync.Mutex
	subs map[string]map[string]*fanState // logical id -> fingerprint
}

// fanState tracks how many member transports still owe a terminal frame
// for one fingerprint.
type fanState struct {
	eoseLeft int
	openLeft int
}

// NewMulti returns a transport fanning out to the passed members.
func NewMulti(transports ...Transport) *Multi {
	return &Multi{
		transports: transports,
		subs:       make(map[string]map[string]*fanState),
	}
}

// Subscribe registers the logical subscription with every member
// transport.
func (m *Multi) Subscribe(id string, filters []event.Filter, deliver func(Message)) []string {
	states := make(map[string]*fanState, len(filters))
	fingerprints := make([]string, 0, len(filters))
	for i := range filters {
		fp := filters[i].Fingerprint()
		fingerprints = append(fingerprints, fp)
		states[fp] = &fanState{
			eoseLeft: len(m.transports),
			openLeft: len(m.transports),
		}
	}
	m.mu.Lock()
	m.subs[id] = states
	m.mu.Unlock()

	merged := func(msg Message) { m.merge(id, msg, deliver) }
	for _, transport := range m.transports {
		transport.Subscribe(id, filters, merged)
	}
	return fingerprints
}

// Unsubscribe removes the logical subscription from every member.
func (m *Multi) Unsubscribe(id string) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
	for _, transport := range m.transports {
		transport.Unsubscribe(id)
	}
}

// merge folds one member frame into the logical stream.
func (m *Multi) merge(id string, msg Message, deliver func(Message)) {
	switch msg.Verb {
	case VerbEvent:
		deliver(msg)
		return
	case VerbEOSE, VerbClosed:
	default:
		return
	}

	m.mu.Lock()
	states := m.subs[id]
	state, ok := states[msg.SubID]
	if !ok {
		m.mu.Unlock()
		return
	}
	forward := false
	switch msg.Verb {
	case VerbEOSE:
		if state.eoseLeft > 0 {
			state.eoseLeft--
			forward = state.eoseLeft == 0
		}
	case VerbClosed:
		// A terminated member subscription will not reach end of
		// stream either.
		if state.eoseLeft > 0 {
			state.eoseLeft--
			if state.eoseLeft == 0 {
				deliverEOSE := Message{Verb: VerbEOSE, SubID: msg.SubID}
				m.mu.Unlock()
				deliver(deliverEOSE)
				m.mu.Lock()
			}
		}
		if state.openLeft > 0 {
			state.openLeft--
			forward = state.openLeft == 0
		}
	}
	m.mu.Unlock()

	if forward {
		deliver(msg)
	}
}
