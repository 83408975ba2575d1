// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mux

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/decred/go-socks/socks"
	"github.com/gorilla/websocket"
)

// PoolConfig holds the settings shared by every socket in a pool.
type PoolConfig struct {
	// Proxy optionally routes all upstream connections through a SOCKS5
	// proxy in the form host:port.
	Proxy string

	// ProxyUser and ProxyPass are the optional proxy credentials.
	ProxyUser string
	ProxyPass string

	// HandshakeTimeout bounds the websocket dial.  Zero means 30s.
	HandshakeTimeout time.Duration
}

// Pool maintains one upstream socket per endpoint URL and hands out the
// adapter that multiplexes subscriptions over it.  Sockets are created on
// first use and live until the pool's context is cancelled.
type Pool struct {
	dialer *websocket.Dialer
	ready  chan struct{}

	mu       sync.Mutex
	ctx      context.Context
	adapters map[string]*Adapter
	wg       sync.WaitGroup
}

// NewPool returns a pool that dials with the passed configuration.
func NewPool(cfg *PoolConfig) *Pool {
	timeout := cfg.HandshakeTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dialer := &websocket.Dialer{HandshakeTimeout: timeout}
	if cfg.Proxy != "" {
		proxy := &socks.Proxy{
			Addr:     cfg.Proxy,
			Username: cfg.ProxyUser,
			Password: cfg.ProxyPass,
		}
		dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return proxy.DialContext(ctx, network, addr)
		}
	}
	return &Pool{
		dialer:   dialer,
		ready:    make(chan struct{}),
		adapters: make(map[string]*Adapter),
	}
}

// Run services the pool until the context is cancelled.  It must be run as
// a goroutine.
func (p *Pool) Run(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
	close(p.ready)

	<-ctx.Done()
	p.wg.Wait()
	log.Debug("Socket pool shut down")
}

// Adapter returns the subscription adapter for the given endpoint URL,
// dialing the endpoint on first use.  It blocks until Run has started.
func (p *Pool) Adapter(url string) *Adapter {
	<-p.ready

	p.mu.Lock()
	defer p.mu.Unlock()

	if adapter, ok := p.adapters[url]; ok {
		return adapter
	}

	socket := newSocket(url, p.dialer)
	adapter := newAdapter(socket)
	socket.onFrame = adapter.handleFrame
	socket.onConnect = adapter.resubscribe
	p.adapters[url] = adapter

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		socket.Run(p.ctx)
	}()
	return adapter
}
