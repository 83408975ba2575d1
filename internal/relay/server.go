// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anchornet/anchord/internal/event"
)

// infoDocument is the service description served on a plain HTTP GET of
// the relay endpoint.
type infoDocument struct {
	Name        string `json:"name"`
	Icon        string `json:"icon,omitempty"`
	Description string `json:"description"`
	Pubkey      string `json:"pubkey"`
	Software    string `json:"software"`
}

// ServerConfig holds the relay front-end settings.  The embedded
// SessionConfig supplies the collaborators of every protocol session.
type ServerConfig struct {
	SessionConfig

	// ServiceName, ServiceIcon, and ServiceDescription fill the info
	// document.
	ServiceName        string
	ServiceIcon        string
	ServiceDescription string

	// SoftwareURL names the implementation in the info document.
	SoftwareURL string
}

// Server is the client-facing HTTP front end: websocket upgrade into a
// protocol session on the root path, the info document for plain GETs,
// and the token-driven confirm and unsubscribe endpoints.
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader

	mu       sync.Mutex
	ctx      context.Context
	sessions map[*Session]struct{}
	wg       sync.WaitGroup
}

// NewServer returns a relay server ready to serve.
func NewServer(cfg *ServerConfig) *Server {
	return &Server{
		cfg: *cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The protocol authenticates with signed events rather
			// than cookies, so cross-origin upgrades are fine.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*Session]struct{}),
	}
}

// Run blocks until the context is cancelled, then waits for every live
// session to finish.  Sessions derive from the passed context, so
// cancellation tears them down.
func (s *Server) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	<-ctx.Done()
	s.wg.Wait()
	log.Infof("Relay shutdown complete")
}

// Handler returns the relay's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/confirm", s.handleConfirm)
	mux.HandleFunc("/unsubscribe", s.handleUnsubscribe)
	return mux
}

// handleRoot upgrades websocket requests into protocol sessions and
// serves the info document otherwise.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		s.handleInfo(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("Rejected websocket upgrade from %s: %v",
			r.RemoteAddr, err)
		return
	}

	cfg := s.cfg.SessionConfig
	if cfg.Host == "" {
		cfg.Host = r.Host
	}
	session := NewSession(&cfg, conn)

	s.mu.Lock()
	ctx := s.ctx
	s.sessions[session] = struct{}{}
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	log.Debugf("New session from %s", r.RemoteAddr)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		session.Run(ctx)
		s.mu.Lock()
		delete(s.sessions, session)
		s.mu.Unlock()
		log.Debugf("Session from %s ended", r.RemoteAddr)
	}()
}

// handleInfo serves the service info document.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/nostr+json; charset=utf-8")
	json.NewEncoder(w).Encode(&infoDocument{
		Name:        s.cfg.ServiceName,
		Icon:        s.cfg.ServiceIcon,
		Description: s.cfg.ServiceDescription,
		Pubkey:      event.PubkeyOf(s.cfg.ServiceKey),
		Software:    s.cfg.SoftwareURL,
	})
}

// writeJSON writes a small JSON response body with the passed status.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// handleConfirm marks the alert holding the passed token confirmed.
// Confirming an already-confirmed alert succeeds without effect.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeJSON(w, http.StatusBadRequest,
			map[string]string{"error": "missing token"})
		return
	}
	a, err := s.cfg.Store.ByToken(r.Context(), token)
	if err != nil {
		log.Errorf("Unable to look up confirmation token: %v", err)
		writeJSON(w, http.StatusInternalServerError,
			map[string]string{"error": "internal error"})
		return
	}
	if a == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "it looks like that confirmation link is invalid or has expired",
		})
		return
	}
	confirmed, err := s.cfg.Store.MarkConfirmed(r.Context(), a.Address,
		time.Now().Unix())
	if err != nil {
		log.Errorf("Unable to confirm alert %s: %v", a.Address, err)
		writeJSON(w, http.StatusInternalServerError,
			map[string]string{"error": "internal error"})
		return
	}
	if confirmed != nil {
		log.Infof("Confirmed alert %s", a.Address)
		if s.cfg.OnAlert != nil {
			s.cfg.OnAlert(confirmed)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleUnsubscribe marks the alert holding the passed token
// unsubscribed.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeJSON(w, http.StatusBadRequest,
			map[string]string{"error": "missing token"})
		return
	}
	a, err := s.cfg.Store.ByToken(r.Context(), token)
	if err != nil {
		log.Errorf("Unable to look up unsubscribe token: %v", err)
		writeJSON(w, http.StatusInternalServerError,
			map[string]string{"error": "internal error"})
		return
	}
	if a == nil {
		writeJSON(w, http.StatusUnauthorized,
			map[string]string{"error": "invalid access token"})
		return
	}
	unsubscribed, err := s.cfg.Store.MarkUnsubscribed(r.Context(), a.Address,
		time.Now().Unix())
	if err != nil {
		log.Errorf("Unable to unsubscribe alert %s: %v", a.Address, err)
		writeJSON(w, http.StatusInternalServerError,
			map[string]string{"error": "internal error"})
		return
	}
	if unsubscribed != nil {
		log.Infof("Unsubscribed alert %s", a.Address)
		if s.cfg.OnDelete != nil {
			s.cfg.OnDelete(a.Address)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Serve accepts connections on the passed listener until the context is
// cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()
	log.Infof("Relay listening on %s", listener.Addr())
	err := httpServer.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
