// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/elliptic"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/certgen"
	"github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/anchornet/anchord/internal/alert"
	"github.com/anchornet/anchord/internal/event"
	"github.com/anchornet/anchord/internal/mux"
	"github.com/anchornet/anchord/internal/notify"
	"github.com/anchornet/anchord/internal/relay"
	"github.com/anchornet/anchord/internal/scheduler"
	"github.com/anchornet/anchord/internal/store"
)

// softwareURL names this implementation in the info document.
const softwareURL = "https://github.com/anchornet/anchord"

// server assembles the alert store, the upstream socket pool, the delivery
// scheduler, and the client-facing relay front end, and owns their combined
// lifetime.
type server struct {
	cfg        *config
	serviceKey *secp256k1.PrivateKey
	validator  *alert.Validator
	pushers    notify.Pushers

	store     *store.SQLite
	pool      *mux.Pool
	transport mux.Transport
	mailer    *notify.SMTPMailer
	sched     *scheduler.Scheduler
	relay     *relay.Server
	listeners []net.Listener
}

// loadServiceKey loads the hex-encoded service private key from the passed
// file, generating and persisting a fresh key when the file does not exist.
func loadServiceKey(path string) (*secp256k1.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		var buf [32]byte
		rand.Read(buf[:])
		encoded := hex.EncodeToString(buf[:]) + "\n"
		err := os.WriteFile(path, []byte(encoded), 0600)
		if err != nil {
			return nil, fmt.Errorf("unable to write service key "+
				"%s: %w", path, err)
		}
		anchLog.Infof("Generated service key %s", path)
		return secp256k1.PrivKeyFromBytes(buf[:]), nil

	case err != nil:
		return nil, fmt.Errorf("unable to read service key %s: %w",
			path, err)
	}

	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("malformed service key %s: %w", path, err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("malformed service key %s: %d bytes, "+
			"want 32", path, len(keyBytes))
	}
	return secp256k1.PrivKeyFromBytes(keyBytes), nil
}

// genCertPair generates a key/cert pair to the paths provided.
func genCertPair(certFile, keyFile string, altDNSNames []string) error {
	anchLog.Infof("Generating TLS certificates...")

	org := "anchord autogenerated cert"
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := certgen.NewTLSCertPair(elliptic.P256(), org,
		validUntil, altDNSNames)
	if err != nil {
		return err
	}

	// Write cert and key files.
	if err = os.WriteFile(certFile, cert, 0644); err != nil {
		return err
	}
	if err = os.WriteFile(keyFile, key, 0600); err != nil {
		os.Remove(certFile)
		return err
	}

	anchLog.Infof("Done generating TLS certificates")
	return nil
}

// serviceHost extracts the host name clients must present in their AUTH
// relay tag.  The public service URL wins, falling back to the first
// listener address.
func serviceHost(cfg *config) string {
	if cfg.ServiceURL != "" {
		if u, err := url.Parse(cfg.ServiceURL); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return cfg.Listeners[0]
}

// newServer builds every subsystem from the passed configuration without
// starting any of them.  The scheduler is created later, once the upstream
// adapters exist, since it evaluates feeds against them.
func newServer(cfg *config) (*server, error) {
	serviceKey, err := loadServiceKey(cfg.ServiceKeyFile)
	if err != nil {
		return nil, err
	}
	anchLog.Infof("Service pubkey %s", event.PubkeyOf(serviceKey))

	st, err := store.NewSQLite(filepath.Join(cfg.DataDir, defaultDBFilename))
	if err != nil {
		return nil, err
	}

	pool := mux.NewPool(&mux.PoolConfig{
		Proxy:     cfg.Proxy,
		ProxyUser: cfg.ProxyUser,
		ProxyPass: cfg.ProxyPass,
	})

	// Provider push SDKs are deployment-specific, so the process starts
	// with no pushers and only advertises the channels it can actually
	// deliver on.
	pushers := notify.Pushers{}
	channels := make(map[alert.Channel]bool)
	for channel := range pushers {
		channels[channel] = true
	}

	var mailer *notify.SMTPMailer
	if cfg.SMTPHost != "" {
		mailer = notify.NewSMTPMailer(notify.SMTPConfig{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUser,
			Password:    cfg.SMTPPass,
			From:        cfg.SMTPFrom,
			ServiceName: cfg.ServiceName,
			ServiceURL:  cfg.ServiceURL,
			SkipVerify:  cfg.SMTPSkipVerify,
		})
		channels[alert.ChannelEmail] = true
	}

	s := &server{
		cfg:        cfg,
		serviceKey: serviceKey,
		validator: &alert.Validator{
			Channels:    channels,
			MinInterval: cfg.MinInterval,
		},
		pushers: pushers,
		store:   st,
		pool:    pool,
		mailer:  mailer,
	}

	s.relay = relay.NewServer(&relay.ServerConfig{
		SessionConfig: relay.SessionConfig{
			Store:      st,
			Validator:  s.validator,
			ServiceKey: serviceKey,
			Host:       serviceHost(cfg),
			OnAlert:    s.alertChanged,
			OnDelete:   s.alertDeleted,
		},
		ServiceName:        cfg.ServiceName,
		ServiceIcon:        cfg.ServiceIcon,
		ServiceDescription: cfg.ServiceDescription,
		SoftwareURL:        softwareURL,
	})

	return s, nil
}

// alertChanged reacts to a created or confirmed alert record.  Unconfirmed
// email alerts get their opt-in mail, and everything else is handed to the
// scheduler, which discards records that are not deliverable yet.  The relay
// front end only invokes this once the scheduler is running.
func (s *server) alertChanged(a *alert.Alert) {
	if a.Channel() == alert.ChannelEmail && a.ConfirmedAt == 0 {
		if s.mailer == nil {
			anchLog.Errorf("No mailer configured for alert %s",
				a.Address)
			return
		}
		err := s.mailer.SendConfirmation(a)
		if err != nil {
			anchLog.Errorf("Unable to send confirmation for alert "+
				"%s: %v", a.Address, err)
		}
		return
	}
	s.sched.Register(a)
}

// alertDeleted drops the delivery job of a tombstoned alert.
func (s *server) alertDeleted(address string) {
	s.sched.Unregister(address)
}

// connectUpstream dials every configured upstream relay, wires the resulting
// adapters into a single transport, and creates the scheduler on top of it.
// The pool must already be running.
func (s *server) connectUpstream() {
	transports := make([]mux.Transport, 0, len(s.cfg.Relays))
	for _, relayURL := range s.cfg.Relays {
		anchLog.Infof("Using upstream relay %s", relayURL)
		transports = append(transports, s.pool.Adapter(relayURL))
	}
	if len(transports) == 1 {
		s.transport = transports[0]
	} else {
		s.transport = mux.NewMulti(transports...)
	}

	s.sched = scheduler.New(&scheduler.Config{
		Store:          s.store,
		Transport:      s.transport,
		Validator:      s.validator,
		Mailer:         s.mailer,
		Pushers:        s.pushers,
		MaxEvents:      s.cfg.MaxEvents,
		ContextTimeout: s.cfg.ContextTimeout,
		PushPause:      s.cfg.PushPause,
	})
}

// setupListeners opens the configured client listeners, generating the TLS
// certificate pair first when TLS is enabled and no pair exists yet.
func (s *server) setupListeners() error {
	listenFunc := net.Listen
	if !s.cfg.DisableTLS {
		// Generate the TLS cert and key file if both don't already
		// exist.
		_, certErr := os.Stat(s.cfg.TLSCert)
		_, keyErr := os.Stat(s.cfg.TLSKey)
		if os.IsNotExist(certErr) && os.IsNotExist(keyErr) {
			err := genCertPair(s.cfg.TLSCert, s.cfg.TLSKey,
				s.cfg.AltDNSNames)
			if err != nil {
				return err
			}
		}
		keypair, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			return err
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{keypair},
			MinVersion:   tls.VersionTLS12,
		}
		listenFunc = func(network, laddr string) (net.Listener, error) {
			return tls.Listen(network, laddr, tlsConfig)
		}
	}

	for _, addr := range s.cfg.Listeners {
		listener, err := listenFunc("tcp", addr)
		if err != nil {
			return fmt.Errorf("unable to listen on %s: %w", addr, err)
		}
		anchLog.Infof("Listening on %s", addr)
		s.listeners = append(s.listeners, listener)
	}
	return nil
}

// Run starts every subsystem and blocks until the passed context is
// cancelled and they have all shut down.
func (s *server) Run(ctx context.Context) error {
	defer s.store.Close()

	if s.mailer != nil {
		err := s.mailer.Open()
		if err != nil {
			return err
		}
		defer s.mailer.Close()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pool.Run(ctx)
	}()
	s.connectUpstream()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sched.Run(ctx)
	}()
	err := s.sched.RegisterAll(ctx)
	if err != nil {
		anchLog.Errorf("Unable to register stored alerts: %v", err)
	} else {
		anchLog.Infof("Scheduling %d stored alerts", s.sched.NumJobs())
	}

	err = s.setupListeners()
	if err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.relay.Run(ctx)
	}()
	for _, listener := range s.listeners {
		wg.Add(1)
		go func(listener net.Listener) {
			defer wg.Done()
			err := s.relay.Serve(ctx, listener)
			if err != nil {
				anchLog.Errorf("Listener %s exited: %v",
					listener.Addr(), err)
			}
		}(listener)
	}

	<-ctx.Done()
	anchLog.Info("Server shutting down...")
	wg.Wait()
	anchLog.Info("Server shutdown complete")
	return nil
}

// runJob evaluates and delivers a single digest occurrence for the alert at
// the passed address, then returns.  It exists for the --runjob flag.
func (s *server) runJob(ctx context.Context, address string) error {
	defer s.store.Close()

	if s.mailer != nil {
		err := s.mailer.Open()
		if err != nil {
			return err
		}
		defer s.mailer.Close()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pool.Run(runCtx)
	}()
	s.connectUpstream()

	err := s.sched.RunJob(ctx, address)
	cancel()
	wg.Wait()
	return err
}
