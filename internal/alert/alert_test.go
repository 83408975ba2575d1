// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package alert

import (
	"errors"
	"testing"
	"time"

	"github.com/anchornet/anchord/internal/event"
	"github.com/anchornet/anchord/internal/feed"
)

// emailAlert returns a valid email alert to be mutated by tests.
func emailAlert() *Alert {
	return &Alert{
		Address: "32830:owner:default",
		Pubkey:  "owner",
		Event:   event.Event{Kind: event.KindAlertEmail},
		Tags: []event.Tag{
			{"cron", "0 0 * * *"},
			{"email", "user@example.com"},
			{"feed", `["kind",1]`},
		},
		CreatedAt: 100,
	}
}

// webAlert returns a valid web push alert to be mutated by tests.
func webAlert() *Alert {
	return &Alert{
		Address: "32831:owner:default",
		Pubkey:  "owner",
		Event:   event.Event{Kind: event.KindAlertWeb},
		Tags: []event.Tag{
			{"endpoint", "https://push.example.com/sub"},
			{"auth", "authsecret"},
			{"p256dh", "clientkey"},
			{"feed", `["kind",1]`},
		},
		CreatedAt: 100,
	}
}

// TestActive checks the activity invariant over the lifecycle timestamps.
func TestActive(t *testing.T) {
	tests := []struct {
		name  string
		alert Alert
		want  bool
	}{{
		name:  "unconfirmed",
		alert: Alert{},
		want:  false,
	}, {
		name:  "confirmed",
		alert: Alert{ConfirmedAt: 10},
		want:  true,
	}, {
		name:  "unsubscribed after confirmation",
		alert: Alert{ConfirmedAt: 10, UnsubscribedAt: 20},
		want:  false,
	}, {
		name:  "reconfirmed after unsubscribe",
		alert: Alert{ConfirmedAt: 30, UnsubscribedAt: 20},
		want:  true,
	}, {
		name:  "deleted after confirmation",
		alert: Alert{ConfirmedAt: 10, DeletedAt: 10},
		want:  false,
	}, {
		name:  "permanently failed",
		alert: Alert{ConfirmedAt: 10, FailedAt: 15},
		want:  false,
	}}
	for _, test := range tests {
		if got := test.alert.Active(); got != test.want {
			t.Errorf("%s: Active() = %v, want %v", test.name, got,
				test.want)
		}
	}
}

// TestValidate checks every validation rule in order.
func TestValidate(t *testing.T) {
	validator := &Validator{MinInterval: time.Hour}

	tests := []struct {
		name      string
		alert     *Alert
		validator *Validator
		wantErr   error
	}{{
		name:  "valid email alert",
		alert: emailAlert(),
	}, {
		name:  "valid web push alert",
		alert: webAlert(),
	}, {
		name: "non-alert kind",
		alert: func() *Alert {
			a := emailAlert()
			a.Event.Kind = event.KindNote
			return a
		}(),
		wantErr: ErrUnsupportedChannel,
	}, {
		name:  "channel disabled by policy",
		alert: webAlert(),
		validator: &Validator{
			Channels:    map[Channel]bool{ChannelEmail: true},
			MinInterval: time.Hour,
		},
		wantErr: ErrUnsupportedChannel,
	}, {
		name: "missing schedule",
		alert: func() *Alert {
			a := emailAlert()
			a.Tags[0] = event.Tag{"cron", ""}
			return a
		}(),
		wantErr: ErrInvalidSchedule,
	}, {
		name: "malformed schedule",
		alert: func() *Alert {
			a := emailAlert()
			a.Tags[0] = event.Tag{"cron", "not a cron line"}
			return a
		}(),
		wantErr: ErrInvalidSchedule,
	}, {
		name: "schedule below minimum interval",
		alert: func() *Alert {
			a := emailAlert()
			a.Tags[0] = event.Tag{"cron", "* * * * *"}
			return a
		}(),
		wantErr: ErrScheduleTooFrequent,
	}, {
		name: "schedule at the minimum interval",
		alert: func() *Alert {
			a := emailAlert()
			a.Tags[0] = event.Tag{"cron", "0 * * * *"}
			return a
		}(),
	}, {
		name: "implausible email",
		alert: func() *Alert {
			a := emailAlert()
			a.Tags[1] = event.Tag{"email", "not-an-address"}
			return a
		}(),
		wantErr: ErrInvalidEmail,
	}, {
		name: "web push without keys",
		alert: func() *Alert {
			a := webAlert()
			a.Tags = []event.Tag{
				{"endpoint", "https://push.example.com/sub"},
				{"feed", `["kind",1]`},
			}
			return a
		}(),
		wantErr: ErrMissingCredentials,
	}, {
		name: "ios push without bundle identifier",
		alert: &Alert{
			Event: event.Event{Kind: event.KindAlertIOS},
			Tags: []event.Tag{
				{"device_token", "token"},
				{"feed", `["kind",1]`},
			},
		},
		wantErr: ErrMissingCredentials,
	}, {
		name: "android push without device token",
		alert: &Alert{
			Event: event.Event{Kind: event.KindAlertAndroid},
			Tags:  []event.Tag{{"feed", `["kind",1]`}},
		},
		wantErr: ErrMissingCredentials,
	}, {
		name: "no feeds",
		alert: func() *Alert {
			a := emailAlert()
			a.Tags = a.Tags[:2]
			return a
		}(),
		wantErr: ErrInvalidFeed,
	}, {
		name: "feed is not JSON",
		alert: func() *Alert {
			a := emailAlert()
			a.Tags[2] = event.Tag{"feed", "{broken"}
			return a
		}(),
		wantErr: ErrInvalidFeed,
	}, {
		name: "feed fails structural validation",
		alert: func() *Alert {
			a := emailAlert()
			a.Tags[2] = event.Tag{"feed", `["scope","bogus"]`}
			return a
		}(),
		wantErr: ErrInvalidFeed,
	}}

	for _, test := range tests {
		v := test.validator
		if v == nil {
			v = validator
		}
		err := v.Validate(test.alert)
		if test.wantErr == nil {
			if err != nil {
				t.Errorf("%s: unexpected error: %v", test.name, err)
			}
			continue
		}
		if !errors.Is(err, test.wantErr) {
			t.Errorf("%s: error %v, want kind %v", test.name, err,
				test.wantErr)
		}
	}
}

// TestScheduleMessageNamesLimit ensures the too-frequent rejection tells
// the owner what the limit is.
func TestScheduleMessageNamesLimit(t *testing.T) {
	validator := &Validator{MinInterval: 2 * time.Hour}
	a := emailAlert()
	a.Tags[0] = event.Tag{"cron", "* * * * *"}

	err := validator.Validate(a)
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	want := "schedule fires more often than the minimum interval of 2h0m0s"
	if verr.Description != want {
		t.Fatalf("message %q, want %q", verr.Description, want)
	}
}

// TestStatusOf checks status derivation precedence.
func TestStatusOf(t *testing.T) {
	validator := &Validator{MinInterval: time.Hour}

	tests := []struct {
		name    string
		alert   *Alert
		want    State
		message string
	}{{
		name: "invalid alert",
		alert: func() *Alert {
			a := emailAlert()
			a.Tags[1] = event.Tag{"email", "nope"}
			a.ConfirmedAt = 10
			return a
		}(),
		want:    StateError,
		message: "please provide a valid email address",
	}, {
		name:    "unconfirmed",
		alert:   emailAlert(),
		want:    StatePending,
		message: "please confirm your alert via email",
	}, {
		name: "deactivated",
		alert: func() *Alert {
			a := emailAlert()
			a.ConfirmedAt = 10
			a.UnsubscribedAt = 20
			return a
		}(),
		want:    StateError,
		message: "this alert has been deactivated",
	}, {
		name: "permanently failed",
		alert: func() *Alert {
			a := webAlert()
			a.ConfirmedAt = 10
			a.FailedAt = 20
			a.FailedReason = "push endpoint gone"
			return a
		}(),
		want:    StateError,
		message: "delivery failed: push endpoint gone",
	}, {
		name: "active",
		alert: func() *Alert {
			a := emailAlert()
			a.ConfirmedAt = 10
			return a
		}(),
		want:    StateOK,
		message: "this alert is active",
	}}

	for _, test := range tests {
		got := StatusOf(test.alert, validator)
		if got.State != test.want || got.Message != test.message {
			t.Errorf("%s: status %+v, want state %s message %q",
				test.name, got, test.want, test.message)
		}
	}
}

// TestParams checks parameter tag decoding.
func TestParams(t *testing.T) {
	a := &Alert{
		Event: event.Event{Kind: event.KindAlertEmail},
		Tags: []event.Tag{
			{"cron", "0 0 * * *"},
			{"email", "user@example.com"},
			{"feed", `["kind",1]`},
			{"feed", `["scope","follows"]`},
			{"pause_until", "1700000000"},
			{"handler", "naddr1...", "wss://relay.example.com", "web"},
		},
	}
	params := a.Params()
	if params.Cron != "0 0 * * *" || params.Email != "user@example.com" {
		t.Fatalf("unexpected params %+v", params)
	}
	if len(params.RawFeeds) != 2 {
		t.Fatalf("expected 2 feeds, got %v", params.RawFeeds)
	}
	if params.PauseUntil != 1700000000 {
		t.Fatalf("pause_until = %d", params.PauseUntil)
	}
	if len(params.Handlers) != 1 || params.Handlers[0][2] != "wss://relay.example.com" {
		t.Fatalf("unexpected handlers %+v", params.Handlers)
	}

	node, err := a.Feed()
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if union, ok := node.(feed.UnionNode); !ok || len(union.Children) != 2 {
		t.Fatalf("Feed returned %#v, want a union of both feeds", node)
	}
}
