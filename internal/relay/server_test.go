// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anchornet/anchord/internal/alert"
	"github.com/anchornet/anchord/internal/event"
	"github.com/anchornet/anchord/internal/store"
)

// newTestServer returns a running relay server over a real SQLite store.
func newTestServer(t *testing.T) (*Server, *httptest.Server, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	server := NewServer(&ServerConfig{
		SessionConfig: SessionConfig{
			Store:      st,
			Validator:  &alert.Validator{},
			ServiceKey: testKey(1),
		},
		ServiceName:        "anchord",
		ServiceDescription: "a relay and notifier for alert subscriptions",
		SoftwareURL:        "https://github.com/anchornet/anchord",
	})

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)
	return server, httpServer, st
}

// storedAlert creates an email alert directly in the store.
func storedAlert(t *testing.T, st store.Store, slug string) *alert.Alert {
	t.Helper()
	ev := &event.Event{
		Kind:      event.KindAlertEmail,
		CreatedAt: time.Now().Unix(),
		Tags:      []event.Tag{{"d", slug}},
	}
	ev.Sign(testKey(2))
	a, err := st.Create(context.Background(), *ev, emailTags())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return a
}

// TestInfoDocument ensures a plain GET of the relay endpoint serves the
// service description.
func TestInfoDocument(t *testing.T) {
	_, httpServer, _ := newTestServer(t)

	resp, err := http.Get(httpServer.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "nostr+json") {
		t.Fatalf("content type = %q", ct)
	}

	var info infoDocument
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode info document: %v", err)
	}
	if info.Name != "anchord" {
		t.Fatalf("name = %q, want anchord", info.Name)
	}
	if info.Pubkey != event.PubkeyOf(testKey(1)) {
		t.Fatalf("pubkey = %q, want the service pubkey", info.Pubkey)
	}
}

// TestConfirmEndpoint confirms an alert via its token and rejects
// unknown tokens.
func TestConfirmEndpoint(t *testing.T) {
	_, httpServer, st := newTestServer(t)
	a := storedAlert(t, st, "digest")

	resp, err := http.Get(httpServer.URL + "/confirm?token=" + a.Token)
	if err != nil {
		t.Fatalf("GET /confirm: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	stored, err := st.ByAddress(context.Background(), a.Address)
	if err != nil {
		t.Fatalf("ByAddress: %v", err)
	}
	if stored.ConfirmedAt == 0 {
		t.Fatal("alert was not confirmed")
	}

	resp, err = http.Get(httpServer.URL + "/confirm?token=bogus")
	if err != nil {
		t.Fatalf("GET /confirm: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

// TestUnsubscribeEndpoint unsubscribes an alert via its token.
func TestUnsubscribeEndpoint(t *testing.T) {
	_, httpServer, st := newTestServer(t)
	a := storedAlert(t, st, "digest")
	if _, err := st.MarkConfirmed(context.Background(), a.Address,
		time.Now().Unix()); err != nil {
		t.Fatalf("MarkConfirmed: %v", err)
	}

	resp, err := http.Get(httpServer.URL + "/unsubscribe?token=" + a.Token)
	if err != nil {
		t.Fatalf("GET /unsubscribe: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	stored, err := st.ByAddress(context.Background(), a.Address)
	if err != nil {
		t.Fatalf("ByAddress: %v", err)
	}
	if stored.UnsubscribedAt == 0 {
		t.Fatal("alert was not unsubscribed")
	}
	if stored.Active() {
		t.Fatal("alert is still active")
	}

	resp, err = http.Get(httpServer.URL + "/unsubscribe?token=bogus")
	if err != nil {
		t.Fatalf("GET /unsubscribe: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

// TestWebsocketUpgrade dials the relay endpoint and completes the
// handshake over a real websocket.
func TestWebsocketUpgrade(t *testing.T) {
	server, httpServer, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		server.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		t.Fatalf("malformed frame %s: %v", raw, err)
	}
	var verb, challenge string
	json.Unmarshal(elems[0], &verb)
	json.Unmarshal(elems[1], &challenge)
	if verb != "AUTH" || challenge == "" {
		t.Fatalf("first frame = %s %q, want AUTH with a challenge", verb,
			challenge)
	}
}
