// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mux

import (
	"encoding/json"
	"testing"

	"github.com/anchornet/anchord/internal/event"
)

// fakeSender records every frame the adapter attempts to send.
type fakeSender struct {
	frames [][]byte
}

func (f *fakeSender) Send(frame []byte) {
	f.frames = append(f.frames, frame)
}

// decodeFrame unpacks a sent frame into its verb and trailing elements.
func decodeFrame(t *testing.T, frame []byte) (string, []json.RawMessage) {
	t.Helper()
	var elems []json.RawMessage
	if err := json.Unmarshal(frame, &elems); err != nil {
		t.Fatalf("malformed frame %s: %v", frame, err)
	}
	var verb string
	if err := json.Unmarshal(elems[0], &verb); err != nil {
		t.Fatalf("non-string verb in frame %s: %v", frame, err)
	}
	return verb, elems[1:]
}

// rawElems encodes the given values as the trailing elements of an
// inbound frame.
func rawElems(t *testing.T, vals ...interface{}) []json.RawMessage {
	t.Helper()
	elems := make([]json.RawMessage, 0, len(vals))
	for _, val := range vals {
		raw, err := json.Marshal(val)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		elems = append(elems, raw)
	}
	return elems
}

// TestAdapterDedup ensures identical filters subscribed under distinct
// logical ids share a single wire subscription, that the wire
// subscription survives until the last logical subscriber leaves, and
// that events fan out to every interested listener.
func TestAdapterDedup(t *testing.T) {
	sender := &fakeSender{}
	adapter := newAdapter(sender)

	filter := event.Filter{Kinds: []int{event.KindNote}}
	var gotA, gotB []Message
	fpsA := adapter.Subscribe("a", []event.Filter{filter}, func(m Message) {
		gotA = append(gotA, m)
	})
	fpsB := adapter.Subscribe("b", []event.Filter{filter}, func(m Message) {
		gotB = append(gotB, m)
	})

	if len(fpsA) != 1 || len(fpsB) != 1 || fpsA[0] != fpsB[0] {
		t.Fatalf("expected shared fingerprint, got %v and %v", fpsA, fpsB)
	}
	if len(sender.frames) != 1 {
		t.Fatalf("expected 1 wire frame, got %d", len(sender.frames))
	}
	if verb, _ := decodeFrame(t, sender.frames[0]); verb != VerbReq {
		t.Fatalf("expected REQ, got %s", verb)
	}

	// An event frame for the shared fingerprint reaches both listeners.
	ev := event.Event{ID: "ab", Kind: event.KindNote}
	adapter.handleFrame(VerbEvent, rawElems(t, fpsA[0], ev))
	if len(gotA) != 1 || len(gotB) != 1 {
		t.Fatalf("expected 1 delivery each, got %d and %d", len(gotA), len(gotB))
	}
	if gotA[0].Event == nil || gotA[0].Event.ID != "ab" {
		t.Fatalf("unexpected delivered event %+v", gotA[0].Event)
	}

	// The first unsubscribe leaves the wire subscription open.
	adapter.Unsubscribe("a")
	if len(sender.frames) != 1 {
		t.Fatalf("unexpected wire traffic after first unsubscribe: %d frames",
			len(sender.frames))
	}
	adapter.handleFrame(VerbEOSE, rawElems(t, fpsA[0]))
	if len(gotA) != 1 {
		t.Fatalf("listener a still receiving after unsubscribe")
	}
	if len(gotB) != 2 || gotB[1].Verb != VerbEOSE {
		t.Fatalf("listener b missed EOSE: %+v", gotB)
	}

	// The last unsubscribe closes it.
	adapter.Unsubscribe("b")
	if len(sender.frames) != 2 {
		t.Fatalf("expected CLOSE frame, got %d frames", len(sender.frames))
	}
	verb, elems := decodeFrame(t, sender.frames[1])
	if verb != VerbClose {
		t.Fatalf("expected CLOSE, got %s", verb)
	}
	var closedID string
	json.Unmarshal(elems[0], &closedID)
	if closedID != fpsA[0] {
		t.Fatalf("CLOSE for wrong subscription: %s", closedID)
	}
	if adapter.NumWireSubscriptions() != 0 {
		t.Fatalf("wire subscription table not empty")
	}
}

// TestAdapterDistinctFilters ensures distinct filters get distinct wire
// subscriptions and deliveries stay scoped to their own fingerprint.
func TestAdapterDistinctFilters(t *testing.T) {
	sender := &fakeSender{}
	adapter := newAdapter(sender)

	notes := event.Filter{Kinds: []int{event.KindNote}}
	profiles := event.Filter{Kinds: []int{event.KindProfile}}
	var got []Message
	fps := adapter.Subscribe("a", []event.Filter{notes, profiles}, func(m Message) {
		got = append(got, m)
	})
	if len(fps) != 2 || fps[0] == fps[1] {
		t.Fatalf("expected 2 distinct fingerprints, got %v", fps)
	}
	if adapter.NumWireSubscriptions() != 2 {
		t.Fatalf("expected 2 wire subscriptions, got %d",
			adapter.NumWireSubscriptions())
	}

	adapter.handleFrame(VerbEOSE, rawElems(t, fps[1]))
	if len(got) != 1 || got[0].SubID != fps[1] {
		t.Fatalf("delivery not scoped to fingerprint: %+v", got)
	}

	adapter.Unsubscribe("a")
	if adapter.NumWireSubscriptions() != 0 {
		t.Fatalf("wire subscription table not empty")
	}
}

// TestAdapterClosedPurges ensures an endpoint-initiated CLOSED tears down
// the wire bookkeeping so a later subscriber reopens the subscription.
func TestAdapterClosedPurges(t *testing.T) {
	sender := &fakeSender{}
	adapter := newAdapter(sender)

	filter := event.Filter{Kinds: []int{event.KindNote}}
	var got []Message
	fps := adapter.Subscribe("a", []event.Filter{filter}, func(m Message) {
		got = append(got, m)
	})

	adapter.handleFrame(VerbClosed, rawElems(t, fps[0], "auth-required: login first"))
	if len(got) != 1 || got[0].Verb != VerbClosed {
		t.Fatalf("CLOSED not delivered: %+v", got)
	}
	if got[0].Reason != "auth-required: login first" {
		t.Fatalf("unexpected CLOSED reason %q", got[0].Reason)
	}
	if adapter.NumWireSubscriptions() != 0 {
		t.Fatalf("CLOSED subscription not purged")
	}

	// Subscribing again reopens the wire subscription.
	adapter.Subscribe("b", []event.Filter{filter}, func(Message) {})
	if len(sender.frames) != 2 {
		t.Fatalf("expected a second REQ after CLOSED, got %d frames",
			len(sender.frames))
	}
}

// TestAdapterResubscribe ensures the reconnect pass replays every open
// wire subscription exactly once.
func TestAdapterResubscribe(t *testing.T) {
	sender := &fakeSender{}
	adapter := newAdapter(sender)

	notes := event.Filter{Kinds: []int{event.KindNote}}
	profiles := event.Filter{Kinds: []int{event.KindProfile}}
	adapter.Subscribe("a", []event.Filter{notes}, func(Message) {})
	adapter.Subscribe("b", []event.Filter{notes, profiles}, func(Message) {})

	sender.frames = nil
	adapter.resubscribe()
	if len(sender.frames) != 2 {
		t.Fatalf("expected 2 replayed REQs, got %d", len(sender.frames))
	}
	for _, frame := range sender.frames {
		if verb, _ := decodeFrame(t, frame); verb != VerbReq {
			t.Fatalf("expected REQ on replay, got %s", verb)
		}
	}
}
