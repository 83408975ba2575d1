// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package notify

import (
	"context"
	"strings"

	"github.com/anchornet/anchord/internal/alert"
	"github.com/anchornet/anchord/internal/event"
)

// PushPayload is one push notification.
type PushPayload struct {
	Title string
	Body  string
	Event *event.Event
}

// Pusher delivers push notifications for one channel.  Implementations
// wrap a provider; errors must be classified with PermanentError for
// invalid credentials or endpoints and TransientError otherwise, since
// the scheduler disables the alert on a permanent failure.
type Pusher interface {
	Push(ctx context.Context, a *alert.Alert, payload PushPayload) error
}

// Pushers maps each push channel to its Pusher.  Channels without an
// entry are treated as unsupported at validation time.
type Pushers map[alert.Channel]Pusher

// For returns the pusher for the passed channel.
func (p Pushers) For(channel alert.Channel) (Pusher, bool) {
	pusher, ok := p[channel]
	return pusher, ok
}

// Payload builds the notification payload for an event: a generic title
// and a bounded plain-text body derived from the event content.
func Payload(ev *event.Event) PushPayload {
	body := truncate(strings.Join(strings.Fields(ev.Content), " "))
	return PushPayload{
		Title: "New activity",
		Body:  body,
		Event: ev,
	}
}
