// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mux

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// upstreamStub is a websocket server that holds every accepted connection
// open until the client closes it or the server is shut down.
type upstreamStub struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newUpstreamStub(t *testing.T) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{}
	stub.srv = httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			conn, err := stub.upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			stub.mu.Lock()
			stub.conns = append(stub.conns, conn)
			stub.mu.Unlock()

			// Hold the connection open, discarding client frames.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}))
	t.Cleanup(func() {
		stub.mu.Lock()
		for _, conn := range stub.conns {
			conn.Close()
		}
		stub.mu.Unlock()
		stub.srv.Close()
	})
	return stub
}

func (u *upstreamStub) url() string {
	return "ws" + strings.TrimPrefix(u.srv.URL, "http")
}

// send writes a frame on the most recently accepted connection.
func (u *upstreamStub) send(t *testing.T, frame string) {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.conns) == 0 {
		t.Fatal("no upstream connection accepted yet")
	}
	conn := u.conns[len(u.conns)-1]
	err := conn.WriteMessage(websocket.TextMessage, []byte(frame))
	if err != nil {
		t.Fatalf("upstream write: %v", err)
	}
}

// TestSocketShutdownReleasesReader ensures cancelling the run context tears
// down a connected idle socket: the blocked reader must be released so Run
// returns instead of hanging process shutdown.
func TestSocketShutdownReleasesReader(t *testing.T) {
	stub := newUpstreamStub(t)

	connected := make(chan struct{})
	socket := newSocket(stub.url(), websocket.DefaultDialer)
	socket.onConnect = func() { close(connected) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		socket.Run(ctx)
		close(done)
	}()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("socket never connected")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// TestSocketDispatchesFrames ensures inbound frames reach the onFrame
// callback with the verb split from the remaining elements.
func TestSocketDispatchesFrames(t *testing.T) {
	stub := newUpstreamStub(t)

	type frame struct {
		verb  string
		elems []json.RawMessage
	}
	frames := make(chan frame, 1)
	connected := make(chan struct{})

	socket := newSocket(stub.url(), websocket.DefaultDialer)
	socket.onConnect = func() { close(connected) }
	socket.onFrame = func(verb string, elems []json.RawMessage) {
		frames <- frame{verb: verb, elems: elems}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		socket.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("socket never connected")
	}

	stub.send(t, `["EOSE","sub1"]`)
	select {
	case got := <-frames:
		if got.verb != "EOSE" {
			t.Fatalf("verb: got %q, want EOSE", got.verb)
		}
		if len(got.elems) != 1 || string(got.elems[0]) != `"sub1"` {
			t.Fatalf("elems: got %v", got.elems)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame never dispatched")
	}
}
