// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package relay

import (
	"encoding/json"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/anchornet/anchord/internal/alert"
	"github.com/anchornet/anchord/internal/event"
	"github.com/anchornet/anchord/internal/seal"
)

// StatusEvent synthesizes the sealed status record for one alert.  The
// record is addressed by the alert's address, p-tags the owner, and
// carries the status tags sealed so only the owner can read them.
func StatusEvent(priv *secp256k1.PrivateKey, a *alert.Alert, v *alert.Validator) (*event.Event, error) {
	status := alert.StatusOf(a, v)
	tags := []event.Tag{
		{"status", string(status.State)},
		{"message", status.Message},
	}
	plaintext, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	content, err := seal.Seal(priv, a.Pubkey, string(plaintext))
	if err != nil {
		return nil, err
	}

	ev := &event.Event{
		Kind:      event.KindAlertStatus,
		CreatedAt: time.Now().Unix(),
		Content:   content,
		Tags: []event.Tag{
			{"d", a.Address},
			{"p", a.Pubkey},
		},
	}
	if err := ev.Sign(priv); err != nil {
		return nil, err
	}
	return ev, nil
}
