// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mux

import (
	"encoding/json"

	"github.com/anchornet/anchord/internal/event"
)

// Wire protocol verbs exchanged with upstream relays.
const (
	VerbEvent  = "EVENT"
	VerbEOSE   = "EOSE"
	VerbClosed = "CLOSED"
	VerbNotice = "NOTICE"
	VerbReq    = "REQ"
	VerbClose  = "CLOSE"
)

// Message is one inbound frame delivered to a logical subscription.  The
// SubID names the filter fingerprint the frame belongs to, which lets a
// listener with several filters track end-of-stream per filter.
type Message struct {
	Verb   string
	SubID  string
	Event  *event.Event
	Reason string
}

// Transport issues and cancels logical subscriptions.  It is implemented
// by Adapter and by test fakes in the packages that consume it.
type Transport interface {
	// Subscribe registers a logical subscription for the given filters
	// and returns the fingerprints of the wire subscriptions carrying
	// it.  The deliver callback is invoked for every matching inbound
	// frame, sequentially in socket receive order.
	Subscribe(id string, filters []event.Filter, deliver func(Message)) []string

	// Unsubscribe removes a logical subscription.  It is idempotent.
	Unsubscribe(id string)
}

// encodeReq marshals an outbound subscription request frame.
func encodeReq(subID string, filter event.Filter) ([]byte, error) {
	return json.Marshal([]interface{}{VerbReq, subID, filter})
}

// encodeClose marshals an outbound subscription close frame.
func encodeClose(subID string) ([]byte, error) {
	return json.Marshal([]interface{}{VerbClose, subID})
}
