// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package event

// Event kinds understood by anchord.  Alert kinds are addressable records,
// so resubmitting one with the same d tag replaces the previous record at
// the same address.
const (
	// KindProfile is a user profile record.
	KindProfile = 0

	// KindNote is a short text note.
	KindNote = 1

	// KindFollows is a user's follow list, with one p tag per followed
	// public key.
	KindFollows = 3

	// KindDelete requests deletion of the records named by its a tags.
	KindDelete = 5

	// KindComment is a threaded reply to another event.
	KindComment = 1111

	// KindClientAuth is the session authentication handshake event.
	KindClientAuth = 22242

	// KindAlertEmail through KindAlertAndroid are alert requests, one
	// kind per delivery channel.
	KindAlertEmail   = 32830
	KindAlertWeb     = 32831
	KindAlertIOS     = 32832
	KindAlertAndroid = 32833

	// KindAlertStatus is the service-signed status record describing the
	// state of one alert, sealed to the alert owner.
	KindAlertStatus = 32834
)

// AlertKinds lists the event kinds accepted as alert requests.
var AlertKinds = []int{KindAlertEmail, KindAlertWeb, KindAlertIOS,
	KindAlertAndroid}

// IsAlertKind returns whether the passed kind is an alert request kind.
func IsAlertKind(kind int) bool {
	for _, k := range AlertKinds {
		if k == kind {
			return true
		}
	}
	return false
}
