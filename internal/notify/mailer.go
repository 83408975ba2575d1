// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package notify implements the delivery capabilities consumed by the
// scheduler: SMTP mail for the email channel, the per-channel push
// interfaces, and the digest formatter.
package notify

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/anchornet/anchord/internal/alert"
)

// Mailer delivers the email-channel messages.
type Mailer interface {
	// SendConfirmation sends the opt-in confirmation mail carrying the
	// alert's confirm link.
	SendConfirmation(a *alert.Alert) error

	// SendDigest sends a formatted digest.
	SendDigest(a *alert.Alert, digest *Digest) error
}

// SMTPConfig holds the SMTP mailer settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	// From is the sender address.
	From string

	// ServiceName and ServiceURL identify the deployment in mail bodies
	// and confirm/unsubscribe links.
	ServiceName string
	ServiceURL  string

	// SkipVerify disables TLS certificate verification.
	SkipVerify bool

	// IdleTimeout closes the SMTP connection after inactivity.  Zero
	// means 30s.
	IdleTimeout time.Duration
}

// SMTPMailer implements Mailer over a single long-lived SMTP connection
// serviced by a mail loop.  Sends enqueue a message; the loop dials
// lazily and closes the connection after the idle timeout.
type SMTPMailer struct {
	cfg SMTPConfig

	mu     sync.Mutex
	mail   chan *gomail.Message
	wg     sync.WaitGroup
	opened bool
}

// NewSMTPMailer returns an unopened mailer with the passed settings.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	return &SMTPMailer{cfg: cfg}
}

// Open starts the mail loop.
func (m *SMTPMailer) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opened {
		return nil
	}
	m.opened = true
	m.mail = make(chan *gomail.Message, 16)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runMailer()
	}()
	return nil
}

// Close stops the mail loop after draining queued messages.
func (m *SMTPMailer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return nil
	}
	m.opened = false
	close(m.mail)
	m.wg.Wait()
	return nil
}

// dialer returns a dialer for the configured server.
func (m *SMTPMailer) dialer() *gomail.Dialer {
	var d *gomail.Dialer
	if m.cfg.Username == "" {
		d = &gomail.Dialer{Host: m.cfg.Host, Port: m.cfg.Port}
	} else {
		d = gomail.NewDialer(m.cfg.Host, m.cfg.Port, m.cfg.Username,
			m.cfg.Password)
	}
	if m.cfg.SkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return d
}

// runMailer services the mail queue over one lazily-dialed connection,
// closing it after the idle timeout.
func (m *SMTPMailer) runMailer() {
	d := m.dialer()

	var conn gomail.SendCloser
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	open := false
	for {
		timer := time.NewTimer(m.cfg.IdleTimeout)
		select {
		case msg, ok := <-m.mail:
			if !ok {
				timer.Stop()
				return
			}
			if !open {
				var err error
				if conn, err = d.Dial(); err != nil {
					log.Errorf("Failed to connect to SMTP server: %v", err)
					break
				}
				open = true
			}
			if err := gomail.Send(conn, msg); err != nil {
				log.Errorf("Failed to send mail: %v", err)
			}

		case <-timer.C:
			if open {
				if err := conn.Close(); err != nil {
					log.Errorf("Failed to close SMTP connection: %v", err)
				}
				conn = nil
				open = false
			}
		}
		timer.Stop()
	}
}

// enqueue hands a message to the mail loop without blocking the caller.
func (m *SMTPMailer) enqueue(msg *gomail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return TransientError("mailer is not open")
	}
	select {
	case m.mail <- msg:
		return nil
	default:
		return TransientError("mail queue is full")
	}
}

// tokenURL builds a link to one of the token-driven HTTP endpoints.
func (m *SMTPMailer) tokenURL(path, token string) string {
	return fmt.Sprintf("%s%s?token=%s", m.cfg.ServiceURL, path,
		url.QueryEscape(token))
}

// message returns a message addressed to the alert owner.
func (m *SMTPMailer) message(a *alert.Alert, subject, text, html string) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.From)
	msg.SetHeader("To", a.Params().Email)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", text)
	if html != "" {
		msg.AddAlternative("text/html", html)
	}
	return msg
}

// SendConfirmation sends the opt-in confirmation mail.
func (m *SMTPMailer) SendConfirmation(a *alert.Alert) error {
	confirm := m.tokenURL("/confirm", a.Token)
	text := fmt.Sprintf("Please confirm that you would like to receive "+
		"alerts from %s by visiting: %s", m.cfg.ServiceName, confirm)
	html := fmt.Sprintf("<h3>Welcome to %s!</h3>"+
		"<p>Please confirm that you would like to receive alerts by "+
		"clicking the link below:</p>"+
		`<p><a href="%s">Confirm alert</a></p>`,
		m.cfg.ServiceName, confirm)
	return m.enqueue(m.message(a, "Confirm your alert", text, html))
}

// SendDigest sends a formatted digest with an unsubscribe link.
func (m *SMTPMailer) SendDigest(a *alert.Alert, digest *Digest) error {
	unsubscribe := m.tokenURL("/unsubscribe", a.Token)
	text := fmt.Sprintf("%s\nUnsubscribe: %s", digest.Text(), unsubscribe)
	html := fmt.Sprintf(`%s<p><a href="%s">Unsubscribe</a></p>`,
		digest.HTML(), unsubscribe)
	return m.enqueue(m.message(a, digest.Subject(), text, html))
}
