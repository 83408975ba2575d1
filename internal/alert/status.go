// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package alert

import (
	"fmt"
)

// State is the user-facing state of an alert.
type State string

// The alert states.
const (
	StateOK      State = "ok"
	StatePending State = "pending"
	StateError   State = "error"
)

// Status is the user-facing status of an alert.  The message is surfaced
// to the alert owner in the sealed status record.
type Status struct {
	State   State
	Message string
}

// StatusOf derives the status of an alert.  It is a pure function of the
// record: validation failures take precedence, then the confirmation
// loop, then deactivation, then permanent delivery failure.  Only alerts
// whose status is ok are scheduled.
func StatusOf(a *Alert, v *Validator) Status {
	if err := v.Validate(a); err != nil {
		return Status{State: StateError, Message: err.Error()}
	}
	if a.ConfirmedAt == 0 {
		return Status{
			State:   StatePending,
			Message: "please confirm your alert via email",
		}
	}
	if a.UnsubscribedAt >= a.ConfirmedAt || a.DeletedAt >= a.ConfirmedAt {
		return Status{
			State:   StateError,
			Message: "this alert has been deactivated",
		}
	}
	if a.FailedAt != 0 {
		return Status{
			State:   StateError,
			Message: fmt.Sprintf("delivery failed: %s", a.FailedReason),
		}
	}
	return Status{State: StateOK, Message: "this alert is active"}
}
