// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package scheduler drives alert delivery.  Each registered alert owns
// one goroutine: email alerts run a cron loop that evaluates the feed
// and mails a digest on every occurrence, while push alerts hold a live
// subscription and push each matching event as it arrives.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorhill/cronexpr"

	"github.com/anchornet/anchord/internal/alert"
	"github.com/anchornet/anchord/internal/event"
	"github.com/anchornet/anchord/internal/feed"
	"github.com/anchornet/anchord/internal/mux"
	"github.com/anchornet/anchord/internal/notify"
	"github.com/anchornet/anchord/internal/store"
	"github.com/anchornet/anchord/internal/wot"
)

const (
	// pushTimeout bounds a single push delivery so one stuck provider
	// cannot stall a listener's event stream indefinitely.
	pushTimeout = 30 * time.Second

	// failTimeout bounds the store write that records a permanent
	// delivery failure.
	failTimeout = 10 * time.Second
)

// Config holds the scheduler dependencies and evaluation limits.
type Config struct {
	// Store is the alert persistence layer.  Jobs re-fetch their alert
	// from it on every occurrence so concurrent mutations take effect
	// without re-registration.
	Store store.Store

	// Transport carries feed evaluation and social-graph queries
	// upstream.
	Transport mux.Transport

	// Validator gates registration and every occurrence.
	Validator *alert.Validator

	// Mailer delivers email-channel digests.
	Mailer notify.Mailer

	// Pushers delivers push-channel events, keyed by channel.
	Pushers notify.Pushers

	// Clock supplies time to the cron loops.  Nil means the wall clock.
	Clock clock.Clock

	// MaxEvents caps the primary stream of a digest evaluation.  Zero
	// means unbounded.
	MaxEvents int

	// ContextTimeout bounds the reply-context round of a digest
	// evaluation.  Zero selects the evaluation default.
	ContextTimeout time.Duration

	// PushPause makes push listeners honor the alert's pause_until
	// parameter.  Digest alerts always honor it.
	PushPause bool
}

// job tracks one running alert goroutine.
type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the delivery goroutines of every registered alert.
type Scheduler struct {
	cfg    Config
	clk    clock.Clock
	loader *wot.Loader

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]*job
	wg   sync.WaitGroup
}

// New returns a scheduler with no registered alerts.
func New(cfg *Config) *Scheduler {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		cfg:    *cfg,
		clk:    clk,
		loader: wot.NewLoader(cfg.Transport, 0),
		jobs:   make(map[string]*job),
	}
}

// Run blocks until the passed context is cancelled, then stops every
// registered job and waits for it to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	for _, j := range s.jobs {
		j.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	log.Infof("Scheduler shutdown complete")
}

// Register starts a delivery job for the alert, replacing any job
// already running for its address.  Alerts whose status is not ok are
// skipped, so callers can pass every stored record without filtering.
func (s *Scheduler) Register(a *alert.Alert) {
	s.mu.Lock()
	prev := s.jobs[a.Address]
	delete(s.jobs, a.Address)
	parent := s.ctx
	s.mu.Unlock()
	if prev != nil {
		prev.cancel()
		<-prev.done
	}
	if parent == nil {
		parent = context.Background()
	}

	status := alert.StatusOf(a, s.cfg.Validator)
	if status.State != alert.StateOK {
		log.Debugf("Not scheduling alert %s: %s", a.Address, status.Message)
		return
	}

	ctx, cancel := context.WithCancel(parent)
	j := &job{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.jobs[a.Address] = j
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(j.done)
		defer cancel()
		defer func() {
			s.mu.Lock()
			if s.jobs[a.Address] == j {
				delete(s.jobs, a.Address)
			}
			s.mu.Unlock()
		}()
		if a.Channel().Push() {
			s.runListener(ctx, cancel, a)
		} else {
			s.runCron(ctx, a)
		}
	}()
	log.Infof("Registered %s alert %s", a.Channel(), a.Address)
}

// Unregister stops the job for the passed address, if any, and waits
// for it to finish.
func (s *Scheduler) Unregister(address string) {
	s.mu.Lock()
	j := s.jobs[address]
	delete(s.jobs, address)
	s.mu.Unlock()
	if j == nil {
		return
	}
	j.cancel()
	<-j.done
	log.Infof("Unregistered alert %s", address)
}

// RegisterAll fetches every active alert from the store and registers
// it.
func (s *Scheduler) RegisterAll(ctx context.Context) error {
	alerts, err := s.cfg.Store.AllActive(ctx)
	if err != nil {
		return err
	}
	for _, a := range alerts {
		s.Register(a)
	}
	log.Infof("Registered %d active alerts", len(alerts))
	return nil
}

// NumJobs returns the number of running jobs.
func (s *Scheduler) NumJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// runCron fires the alert's digest on every cron occurrence until the
// context is cancelled.  Each occurrence covers the window since the
// previous one; the first covers the window since registration.
func (s *Scheduler) runCron(ctx context.Context, a *alert.Alert) {
	expr, err := cronexpr.Parse(a.Params().Cron)
	if err != nil {
		log.Errorf("Unparsable schedule for alert %s: %v", a.Address, err)
		return
	}
	lastRun := s.clk.Now()
	for {
		now := s.clk.Now()
		next := expr.Next(now)
		if next.IsZero() {
			log.Warnf("Schedule for alert %s has no future occurrence",
				a.Address)
			return
		}
		timer := s.clk.Timer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.tick(ctx, a.Address, lastRun)
		lastRun = next
	}
}

// tick runs one digest occurrence.  The alert is re-fetched so status
// changes since registration take effect, and panics are contained to
// the occurrence so a poisoned feed cannot kill the cron loop.
func (s *Scheduler) tick(ctx context.Context, address string, since time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Criticalf("Digest run for alert %s panicked: %v", address, r)
		}
	}()

	a, err := s.cfg.Store.ByAddress(ctx, address)
	if err != nil {
		log.Errorf("Unable to load alert %s: %v", address, err)
		return
	}
	if a == nil {
		log.Debugf("Alert %s no longer exists, skipping run", address)
		return
	}
	if status := alert.StatusOf(a, s.cfg.Validator); status.State != alert.StateOK {
		log.Debugf("Skipping run for alert %s: %s", address, status.Message)
		return
	}
	if err := s.digest(ctx, a, since); err != nil {
		log.Warnf("Digest run for alert %s failed: %v", address, err)
		if notify.IsPermanent(err) {
			s.fail(a, err)
		}
	}
}

// digest evaluates the alert's feed over the window starting at since
// and mails the result.  Paused and empty occurrences are skipped
// without error.
func (s *Scheduler) digest(ctx context.Context, a *alert.Alert, since time.Time) error {
	if pauseUntil := a.Params().PauseUntil; pauseUntil > s.clk.Now().Unix() {
		log.Debugf("Alert %s is paused until %d", a.Address, pauseUntil)
		return nil
	}

	start := s.clk.Now()
	events, n, err := s.evaluate(ctx, a, since.Unix())
	if err != nil {
		return err
	}
	if n == 0 {
		log.Debugf("No new events for alert %s", a.Address)
		return nil
	}
	d := notify.BuildDigest(events[:n], events[n:])
	if err := s.cfg.Mailer.SendDigest(a, d); err != nil {
		return err
	}
	log.Infof("Sent digest with %d events for alert %s in %v",
		n, a.Address, s.clk.Now().Sub(start))
	return nil
}

// evaluate runs the alert's feed bounded below by since and returns the
// delivered events along with the count of primary events.  Events past
// that count are reply context.
func (s *Scheduler) evaluate(ctx context.Context, a *alert.Alert, since int64) ([]*event.Event, int, error) {
	tree, err := a.Feed()
	if err != nil {
		return nil, 0, err
	}
	tree = feed.IntersectionNode{Children: []feed.Node{
		tree,
		feed.SinceNode{Since: since},
	}}

	ctrl := feed.NewController(&feed.ControllerConfig{
		Transport:      s.cfg.Transport,
		Resolver:       wot.NewResolver(s.loader, a.Pubkey),
		MaxEvents:      s.cfg.MaxEvents,
		ContextTimeout: s.cfg.ContextTimeout,
	})
	var events []*event.Event
	n := ctrl.Load(ctx, tree, func(ev *event.Event) {
		events = append(events, ev)
	})
	return events, n, nil
}

// runListener holds a live subscription for a push alert and pushes
// every matching event.  A permanent delivery failure marks the alert
// failed and cancels the job itself.
func (s *Scheduler) runListener(ctx context.Context, cancel context.CancelFunc, a *alert.Alert) {
	pusher, ok := s.cfg.Pushers.For(a.Channel())
	if !ok {
		log.Errorf("No pusher configured for %s alert %s",
			a.Channel(), a.Address)
		return
	}
	tree, err := a.Feed()
	if err != nil {
		log.Errorf("Unusable feed for alert %s: %v", a.Address, err)
		return
	}
	// Only events published after the listener starts are pushed.
	tree = feed.IntersectionNode{Children: []feed.Node{
		tree,
		feed.SinceNode{Since: s.clk.Now().Unix()},
	}}

	ctrl := feed.NewController(&feed.ControllerConfig{
		Transport: s.cfg.Transport,
		Resolver:  wot.NewResolver(s.loader, a.Pubkey),
	})
	ctrl.Listen(ctx, tree, func(ev *event.Event) {
		// The owner's own events never trigger a push.
		if ev.Pubkey == a.Pubkey {
			return
		}
		if s.cfg.PushPause && a.Params().PauseUntil > s.clk.Now().Unix() {
			return
		}
		pctx, pcancel := context.WithTimeout(ctx, pushTimeout)
		err := pusher.Push(pctx, a, notify.Payload(ev))
		pcancel()
		if err == nil {
			log.Debugf("Pushed event %s to alert %s", ev.ID, a.Address)
			return
		}
		log.Warnf("Push for alert %s failed: %v", a.Address, err)
		if notify.IsPermanent(err) {
			s.fail(a, err)
			cancel()
		}
	})
}

// fail records a permanent delivery failure on the alert, which takes
// it out of scheduling until the owner resubmits.
func (s *Scheduler) fail(a *alert.Alert, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), failTimeout)
	defer cancel()
	_, err := s.cfg.Store.MarkFailed(ctx, a.Address, s.clk.Now().Unix(),
		cause.Error())
	if err != nil {
		log.Errorf("Unable to mark alert %s failed: %v", a.Address, err)
		return
	}
	log.Infof("Marked alert %s failed: %v", a.Address, cause)
}

// RunJob runs a single digest occurrence for the alert at the passed
// address and returns once it is delivered.  The evaluation window is
// one schedule interval ending now, approximating the window the cron
// loop would have used.
func (s *Scheduler) RunJob(ctx context.Context, address string) error {
	a, err := s.cfg.Store.ByAddress(ctx, address)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("no alert exists at address %s", address)
	}
	if status := alert.StatusOf(a, s.cfg.Validator); status.State != alert.StateOK {
		return fmt.Errorf("alert %s is not schedulable: %s", address,
			status.Message)
	}
	if a.Channel().Push() {
		return fmt.Errorf("alert %s uses a push channel and has no "+
			"digest job", address)
	}

	expr, err := cronexpr.Parse(a.Params().Cron)
	if err != nil {
		return err
	}
	now := s.clk.Now()
	first := expr.Next(now)
	interval := expr.Next(first).Sub(first)
	return s.digest(ctx, a, now.Add(-interval))
}
