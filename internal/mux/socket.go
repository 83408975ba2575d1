// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mux

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// socketSendBufferSize is the number of frames the outbound queue can
	// hold before further sends are dropped.  Dropped subscription
	// requests are recovered by the resubscribe-on-connect pass.
	socketSendBufferSize = 128

	// initialRetryInterval is the delay before the first reconnection
	// attempt.  It doubles after each failure up to maxRetryInterval.
	initialRetryInterval = time.Second

	// maxRetryInterval is the ceiling for the reconnect backoff.
	maxRetryInterval = 5 * time.Minute

	// socketWriteTimeout bounds a single websocket write.
	socketWriteTimeout = 30 * time.Second
)

// Socket owns the single websocket connection to one upstream endpoint.
// It dials lazily, reconnects with exponential backoff, and hands every
// inbound frame to the onFrame callback from a single goroutine so frame
// order is preserved.  After each successful connect the onConnect
// callback runs before any frame is read, which the adapter uses to
// replay its open subscriptions.
type Socket struct {
	url       string
	dialer    *websocket.Dialer
	onFrame   func(verb string, elems []json.RawMessage)
	onConnect func()

	sendChan chan []byte
	quit     chan struct{}
	wg       sync.WaitGroup
}

// newSocket returns a socket ready for Run.
func newSocket(url string, dialer *websocket.Dialer) *Socket {
	return &Socket{
		url:      url,
		dialer:   dialer,
		sendChan: make(chan []byte, socketSendBufferSize),
		quit:     make(chan struct{}),
	}
}

// Send queues a frame for delivery to the endpoint.  Frames queued while
// the socket is disconnected are delivered after the next connect.  When
// the queue is full the frame is dropped with a warning rather than
// blocking the caller, since the adapter replays subscription state on
// reconnect anyway.
func (s *Socket) Send(frame []byte) {
	select {
	case s.sendChan <- frame:
	case <-s.quit:
	default:
		log.Warnf("Dropping frame to %s: send queue full", s.url)
	}
}

// Run dials the endpoint and services the connection until the context is
// cancelled, reconnecting with backoff on failure.  It must be run as a
// goroutine.
func (s *Socket) Run(ctx context.Context) {
	defer s.wg.Wait()

	// Close the quit channel when the context is cancelled so writers
	// blocked in Send are released.
	s.wg.Add(1)
	go func() {
		<-ctx.Done()
		close(s.quit)
		s.wg.Done()
	}()

	retryInterval := initialRetryInterval
	for {
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("Failed to connect to %s: %v -- retrying in %v",
				s.url, err, retryInterval)
			select {
			case <-time.After(retryInterval):
			case <-ctx.Done():
				return
			}
			retryInterval *= 2
			if retryInterval > maxRetryInterval {
				retryInterval = maxRetryInterval
			}
			continue
		}
		retryInterval = initialRetryInterval
		log.Infof("Connected to %s", s.url)

		writerDone := make(chan struct{})
		s.wg.Add(1)
		go s.outHandler(conn, writerDone)

		// Close the connection on shutdown so the reader blocked in
		// ReadMessage is released.
		connDone := make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			select {
			case <-s.quit:
				conn.Close()
			case <-connDone:
			}
		}()

		if s.onConnect != nil {
			s.onConnect()
		}

		s.inHandler(conn)

		// The connection failed or the socket is shutting down.  Stop
		// the writer before dialing again so at most one writer exists.
		close(writerDone)
		close(connDone)
		conn.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
		log.Infof("Disconnected from %s -- reconnecting", s.url)
	}
}

// inHandler reads frames until the connection errors, decoding each frame
// as a tagged JSON array and dispatching it to the onFrame callback.
func (s *Socket) inHandler(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.quit:
			default:
				log.Debugf("Read error from %s: %v", s.url, err)
			}
			return
		}

		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil || len(elems) == 0 {
			log.Warnf("Discarding malformed frame from %s", s.url)
			continue
		}
		var verb string
		if err := json.Unmarshal(elems[0], &verb); err != nil {
			log.Warnf("Discarding frame with non-string verb from %s", s.url)
			continue
		}
		if s.onFrame != nil {
			s.onFrame(verb, elems[1:])
		}
	}
}

// outHandler writes queued frames to the connection until the connection
// is torn down or the socket shuts down.  It must be run as a goroutine.
func (s *Socket) outHandler(conn *websocket.Conn, done chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case frame := <-s.sendChan:
			conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debugf("Write error to %s: %v", s.url, err)
				conn.Close()
				return
			}
		case <-done:
			return
		case <-s.quit:
			return
		}
	}
}
