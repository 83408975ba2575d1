// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package alert implements the alert domain model: the stored record, its
// per-channel parameters, validation, and the status state machine.
package alert

import (
	"strconv"

	"github.com/anchornet/anchord/internal/event"
	"github.com/anchornet/anchord/internal/feed"
)

// Channel identifies the delivery channel of an alert.  The channel is
// determined by the kind of the submitted alert event.
type Channel string

// The delivery channels.
const (
	ChannelEmail   Channel = "email"
	ChannelWeb     Channel = "web-push"
	ChannelIOS     Channel = "ios-push"
	ChannelAndroid Channel = "android-push"
)

// channelsByKind maps alert event kinds to their delivery channel.
var channelsByKind = map[int]Channel{
	event.KindAlertEmail:   ChannelEmail,
	event.KindAlertWeb:     ChannelWeb,
	event.KindAlertIOS:     ChannelIOS,
	event.KindAlertAndroid: ChannelAndroid,
}

// ChannelForKind returns the delivery channel the passed event kind
// selects.
func ChannelForKind(kind int) (Channel, bool) {
	channel, ok := channelsByKind[kind]
	return channel, ok
}

// Push returns whether the channel delivers by push rather than email.
func (c Channel) Push() bool {
	return c != ChannelEmail
}

// Alert is one stored alert record.  Tags holds the decrypted parameter
// tags carried by the submission; Event is the submission itself, kept
// for re-serving over the protocol.  Absent lifecycle timestamps are
// zero.
type Alert struct {
	Address        string
	Pubkey         string
	Event          event.Event
	Tags           []event.Tag
	Token          string
	CreatedAt      int64
	ConfirmedAt    int64
	UnsubscribedAt int64
	DeletedAt      int64
	FailedAt       int64
	FailedReason   string
}

// Channel returns the delivery channel selected by the alert's event
// kind.
func (a *Alert) Channel() Channel {
	return channelsByKind[a.Event.Kind]
}

// Active returns whether the alert should be scheduled: it has been
// confirmed, the confirmation is strictly newer than any unsubscribe or
// delete, and delivery has not permanently failed.
func (a *Alert) Active() bool {
	return a.ConfirmedAt != 0 &&
		a.ConfirmedAt > a.UnsubscribedAt &&
		a.ConfirmedAt > a.DeletedAt &&
		a.FailedAt == 0
}

// Params is the decoded parameter set of an alert.  Fields that do not
// apply to the alert's channel are empty.
type Params struct {
	// Cron is the digest schedule.  Email channel only.
	Cron string

	// Email is the destination address.  Email channel only.
	Email string

	// RawFeeds holds the JSON wire form of each requested feed.
	RawFeeds []string

	// Endpoint, Auth, and P256DH describe a web push subscription.
	Endpoint string
	Auth     string
	P256DH   string

	// DeviceToken is the device credential for mobile push channels.
	DeviceToken string

	// BundleID is the application bundle identifier.  iOS channel only.
	BundleID string

	// Handlers lists handler tags used to build event links in
	// digests.
	Handlers []event.Tag

	// PauseUntil suppresses delivery for occurrences before the given
	// unix time.  Zero means not paused.
	PauseUntil int64
}

// Params decodes the alert's parameter tags.
func (a *Alert) Params() Params {
	pauseUntil, _ := strconv.ParseInt(event.TagValue(a.Tags, "pause_until"), 10, 64)
	var handlers []event.Tag
	for _, tag := range a.Tags {
		if len(tag) > 0 && tag[0] == "handler" {
			handlers = append(handlers, tag)
		}
	}
	return Params{
		Cron:        event.TagValue(a.Tags, "cron"),
		Email:       event.TagValue(a.Tags, "email"),
		RawFeeds:    event.TagValues(a.Tags, "feed"),
		Endpoint:    event.TagValue(a.Tags, "endpoint"),
		Auth:        event.TagValue(a.Tags, "auth"),
		P256DH:      event.TagValue(a.Tags, "p256dh"),
		DeviceToken: event.TagValue(a.Tags, "device_token"),
		BundleID:    event.TagValue(a.Tags, "bundle_identifier"),
		Handlers:    handlers,
		PauseUntil:  pauseUntil,
	}
}

// Feed parses the alert's feeds and returns their union.  It assumes the
// alert has passed validation and returns an error otherwise.
func (a *Alert) Feed() (feed.Node, error) {
	raw := event.TagValues(a.Tags, "feed")
	nodes := make([]feed.Node, 0, len(raw))
	for _, r := range raw {
		node, err := feed.Parse([]byte(r))
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if len(nodes) == 0 {
		return nil, validationError(ErrInvalidFeed,
			"at least one feed is required")
	}
	return feed.Union(nodes...), nil
}
