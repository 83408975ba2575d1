// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package relay implements the client-facing relay: per-connection
// protocol sessions that authenticate owners and accept alert
// submissions, sealed status record synthesis, and the HTTP front end
// with websocket upgrade and the token-driven confirm and unsubscribe
// endpoints.
package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/gorilla/websocket"

	"github.com/anchornet/anchord/internal/alert"
	"github.com/anchornet/anchord/internal/event"
	"github.com/anchornet/anchord/internal/seal"
	"github.com/anchornet/anchord/internal/store"
)

const (
	// authWindow is how far an AUTH event's created_at may deviate from
	// the current time in either direction.
	authWindow = 5 * time.Minute

	// sessionSendBufferSize is the number of frames the outbound queue
	// can hold before sends block.
	sessionSendBufferSize = 128

	// sessionWriteTimeout bounds a single websocket write.
	sessionWriteTimeout = 30 * time.Second
)

// conn is the subset of a websocket connection the session uses,
// abstracted so tests can drive a session without a network socket.
type conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// SessionConfig holds the collaborators of one protocol session.
type SessionConfig struct {
	// Store is the alert persistence layer.
	Store store.Store

	// Validator derives alert status for status records.
	Validator *alert.Validator

	// ServiceKey is the service identity.  Submissions must p-tag its
	// pubkey and seal their parameters to it.
	ServiceKey *secp256k1.PrivateKey

	// Host is the endpoint name clients must include in their AUTH
	// relay tag.
	Host string

	// OnAlert is invoked with the freshly stored record after an alert
	// submission.  The server uses it to send the confirmation mail and
	// hand the alert to the scheduler.  Nil disables it.
	OnAlert func(a *alert.Alert)

	// OnDelete is invoked after an alert is tombstoned.  Nil disables
	// delete notification.
	OnDelete func(address string)
}

// challenge returns a fresh session authentication nonce.
func challenge() string {
	var buf [16]byte
	rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

// Session is one client protocol session.  Inbound frames are tagged
// arrays dispatched by verb; the session holds the authentication state
// and the client's logical subscriptions.
type Session struct {
	cfg       SessionConfig
	conn      conn
	challenge string

	sendChan chan []byte
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.Mutex
	authed *event.Event
	subs   map[string][]event.Filter
}

// NewSession returns a session over the passed connection.  Run must be
// called to start it.
func NewSession(cfg *SessionConfig, c conn) *Session {
	return &Session{
		cfg:       *cfg,
		conn:      c,
		challenge: challenge(),
		sendChan:  make(chan []byte, sessionSendBufferSize),
		quit:      make(chan struct{}),
		subs:      make(map[string][]event.Filter),
	}
}

// Run services the session until the connection fails or the context is
// cancelled.  It issues the authentication challenge, then reads and
// dispatches inbound frames sequentially.
func (s *Session) Run(ctx context.Context) {
	s.wg.Add(2)
	go s.outHandler()
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			s.stop()
		case <-s.quit:
		}
	}()

	s.sendFrame(verbAuth, s.challenge)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		s.handleMessage(ctx, raw)
	}
	s.stop()
	s.wg.Wait()
}

// stop terminates the session.  It is safe to call more than once.
func (s *Session) stop() {
	s.quitOnce.Do(func() {
		close(s.quit)
		s.conn.Close()
	})
}

// The protocol verbs.
const (
	verbAuth   = "AUTH"
	verbReq    = "REQ"
	verbClose  = "CLOSE"
	verbEvent  = "EVENT"
	verbOK     = "OK"
	verbEOSE   = "EOSE"
	verbClosed = "CLOSED"
	verbNotice = "NOTICE"
)

// sendFrame marshals the elements as a tagged array and queues it for
// delivery.
func (s *Session) sendFrame(elems ...interface{}) {
	frame, err := json.Marshal(elems)
	if err != nil {
		log.Errorf("Unable to marshal %s frame: %v", elems[0], err)
		return
	}
	select {
	case s.sendChan <- frame:
	case <-s.quit:
	}
}

// outHandler writes queued frames to the connection.  It runs as a
// single goroutine so writes never interleave.
func (s *Session) outHandler() {
	defer s.wg.Done()
	for {
		select {
		case frame := <-s.sendChan:
			s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
			err := s.conn.WriteMessage(websocket.TextMessage, frame)
			if err != nil {
				s.stop()
				return
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Session) sendOK(id string, ok bool, reason string) {
	s.sendFrame(verbOK, id, ok, reason)
}

// handleMessage parses one inbound frame and dispatches it by verb.
// Malformed frames produce a notice and leave the session open.
func (s *Session) handleMessage(ctx context.Context, raw []byte) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil || len(elems) == 0 {
		s.sendFrame(verbNotice, "unable to parse message")
		return
	}
	var verb string
	if err := json.Unmarshal(elems[0], &verb); err != nil {
		s.sendFrame(verbNotice, "unable to parse message")
		return
	}

	switch verb {
	case verbAuth:
		var ev event.Event
		if len(elems) < 2 || json.Unmarshal(elems[1], &ev) != nil {
			s.sendFrame(verbNotice, "unable to parse AUTH message")
			return
		}
		s.handleAuth(&ev)

	case verbReq:
		var id string
		if len(elems) < 2 || json.Unmarshal(elems[1], &id) != nil {
			s.sendFrame(verbNotice, "unable to parse REQ message")
			return
		}
		filters := make([]event.Filter, 0, len(elems)-2)
		for _, elem := range elems[2:] {
			var filter event.Filter
			if json.Unmarshal(elem, &filter) != nil {
				s.sendFrame(verbNotice, "unable to parse REQ message")
				return
			}
			filters = append(filters, filter)
		}
		s.handleReq(ctx, id, filters)

	case verbClose:
		var id string
		if len(elems) < 2 || json.Unmarshal(elems[1], &id) != nil {
			s.sendFrame(verbNotice, "unable to parse CLOSE message")
			return
		}
		s.handleClose(id)

	case verbEvent:
		var ev event.Event
		if len(elems) < 2 || json.Unmarshal(elems[1], &ev) != nil {
			s.sendFrame(verbNotice, "unable to parse EVENT message")
			return
		}
		s.handleEvent(ctx, &ev)

	default:
		s.sendFrame(verbNotice,
			fmt.Sprintf("unable to handle %s message", verb))
	}
}

// handleAuth validates the handshake event.  Each rejection carries a
// distinct stable reason and leaves the session unauthenticated.
func (s *Session) handleAuth(ev *event.Event) {
	if !ev.Verify() {
		s.sendOK(ev.ID, false, "invalid signature")
		return
	}
	if ev.Kind != event.KindClientAuth {
		s.sendOK(ev.ID, false, "invalid kind")
		return
	}
	if d := time.Now().Unix() - ev.CreatedAt; d > int64(authWindow/time.Second) ||
		d < -int64(authWindow/time.Second) {

		s.sendOK(ev.ID, false, "created_at is too far from current time")
		return
	}
	if ev.TagValue("challenge") != s.challenge {
		s.sendOK(ev.ID, false, "invalid challenge")
		return
	}
	if !strings.Contains(ev.TagValue("relay"), s.cfg.Host) {
		s.sendOK(ev.ID, false, "invalid relay")
		return
	}

	s.mu.Lock()
	s.authed = ev
	s.mu.Unlock()
	s.sendOK(ev.ID, true, "")
	log.Debugf("Session authenticated as %s", ev.Pubkey)
}

// authedPubkey returns the authenticated pubkey, or an empty string for
// an unauthenticated session.
func (s *Session) authedPubkey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authed == nil {
		return ""
	}
	return s.authed.Pubkey
}

// handleReq registers a logical subscription and serves the owner's
// stored alert events and their sealed status records, terminated by end
// of stream.
func (s *Session) handleReq(ctx context.Context, id string, filters []event.Filter) {
	pubkey := s.authedPubkey()
	if pubkey == "" {
		s.sendFrame(verbClosed, id, "auth-required: alerts are protected")
		return
	}

	s.mu.Lock()
	s.subs[id] = filters
	s.mu.Unlock()

	for _, ev := range s.ownerRecords(ctx, pubkey) {
		if event.MatchesAny(filters, ev) {
			s.sendFrame(verbEvent, id, ev)
		}
	}
	s.sendFrame(verbEOSE, id)
}

// ownerRecords returns the alert events and status records of every
// non-deleted alert the owner has.
func (s *Session) ownerRecords(ctx context.Context, pubkey string) []*event.Event {
	alerts, err := s.cfg.Store.ForOwner(ctx, pubkey)
	if err != nil {
		log.Errorf("Unable to load alerts for %s: %v", pubkey, err)
		return nil
	}
	var records []*event.Event
	for _, a := range alerts {
		if a.DeletedAt != 0 {
			continue
		}
		records = append(records, s.alertRecords(a)...)
	}
	return records
}

// alertRecords returns the stored submission and the sealed status
// record of one alert.
func (s *Session) alertRecords(a *alert.Alert) []*event.Event {
	stored := a.Event
	records := []*event.Event{&stored}
	status, err := StatusEvent(s.cfg.ServiceKey, a, s.cfg.Validator)
	if err != nil {
		log.Errorf("Unable to build status record for %s: %v",
			a.Address, err)
		return records
	}
	return append(records, status)
}

// handleClose drops a logical subscription.  Closing an unknown id is a
// no-op.
func (s *Session) handleClose(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// handleEvent dispatches a submitted event by kind.  Processing errors
// are contained to the message and surfaced as a negative
// acknowledgement.
func (s *Session) handleEvent(ctx context.Context, ev *event.Event) {
	if !ev.Verify() {
		s.sendOK(ev.ID, false, "invalid signature")
		return
	}
	if pubkey := s.authedPubkey(); pubkey == "" || ev.Pubkey != pubkey {
		s.sendOK(ev.ID, false, "event not authorized")
		return
	}

	var err error
	switch {
	case ev.Kind == event.KindDelete:
		err = s.handleDelete(ctx, ev)
	case event.IsAlertKind(ev.Kind):
		err = s.handleAlertRequest(ctx, ev)
	default:
		s.sendOK(ev.ID, false, "event kind not accepted")
		return
	}
	if err != nil {
		log.Errorf("Unable to process event %s: %v", ev.ID, err)
		s.sendOK(ev.ID, false, "unknown error")
	}
}

// handleDelete tombstones every alert the delete event names, provided
// the address belongs to the submitter and is an alert kind.  The store
// enforces the tombstone rule, so a delete racing a newer resubmission
// leaves the newer record alone.
func (s *Session) handleDelete(ctx context.Context, ev *event.Event) error {
	for _, address := range ev.TagValues("a") {
		parts := strings.SplitN(address, ":", 3)
		if len(parts) != 3 {
			continue
		}
		kind, err := strconv.Atoi(parts[0])
		if err != nil || !event.IsAlertKind(kind) {
			continue
		}
		if parts[1] != ev.Pubkey {
			continue
		}
		deleted, err := s.cfg.Store.MarkDeleted(ctx, address, ev.CreatedAt)
		if err != nil {
			return err
		}
		if deleted != nil {
			log.Infof("Tombstoned alert %s", address)
			if s.cfg.OnDelete != nil {
				s.cfg.OnDelete(address)
			}
		}
	}
	s.sendOK(ev.ID, true, "")
	return nil
}

// handleAlertRequest stores an alert submission.  On success the stored
// event and its fresh status record are re-served to the session's live
// subscriptions.
func (s *Session) handleAlertRequest(ctx context.Context, ev *event.Event) error {
	if !tagsContain(ev.TagValues("p"), event.PubkeyOf(s.cfg.ServiceKey)) {
		s.sendOK(ev.ID, false, "event must p-tag this relay")
		return nil
	}

	existing, err := s.cfg.Store.ByAddress(ctx, ev.Address())
	if err != nil {
		return err
	}
	if existing != nil && existing.DeletedAt > ev.CreatedAt {
		s.sendOK(ev.ID, false, "alert has been deleted")
		return nil
	}

	plaintext, err := seal.Open(s.cfg.ServiceKey, ev.Pubkey, ev.Content)
	if err != nil {
		s.sendOK(ev.ID, false, "failed to decrypt event content")
		return nil
	}
	var tags []event.Tag
	if err := json.Unmarshal([]byte(plaintext), &tags); err != nil {
		s.sendOK(ev.ID, false, "encrypted tags are not an array")
		return nil
	}

	a, err := s.cfg.Store.Create(ctx, *ev, tags)
	if err != nil {
		return err
	}

	// Push channels have no confirmation loop, so they confirm on
	// submission.
	if a.Channel().Push() {
		confirmed, err := s.cfg.Store.MarkConfirmed(ctx, a.Address,
			time.Now().Unix())
		if err != nil {
			return err
		}
		if confirmed != nil {
			a = confirmed
		}
	}

	log.Infof("Stored %s alert %s", a.Channel(), a.Address)
	if s.cfg.OnAlert != nil {
		s.cfg.OnAlert(a)
	}
	s.sendOK(ev.ID, true, "")

	// Re-serve the submission and its status to live subscriptions so
	// an open client sees the new state without polling.
	records := s.alertRecords(a)
	s.mu.Lock()
	subs := make(map[string][]event.Filter, len(s.subs))
	for id, filters := range s.subs {
		subs[id] = filters
	}
	s.mu.Unlock()
	for id, filters := range subs {
		for _, record := range records {
			if event.MatchesAny(filters, record) {
				s.sendFrame(verbEvent, id, record)
			}
		}
	}
	return nil
}

func tagsContain(values []string, wanted string) bool {
	for _, value := range values {
		if value == wanted {
			return true
		}
	}
	return false
}
