// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package alert

import (
	"fmt"
	"time"

	"github.com/badoux/checkmail"
	"github.com/gorhill/cronexpr"

	"github.com/anchornet/anchord/internal/feed"
)

const (
	// scheduleSampleSize is the number of upcoming occurrences sampled
	// when checking a schedule against the minimum interval.
	scheduleSampleSize = 10

	// defaultMinInterval is the minimum mean interval between schedule
	// occurrences when the validator is configured without one.
	defaultMinInterval = time.Hour
)

// Validator checks submitted alerts against the deployment policy.
type Validator struct {
	// Channels is the set of delivery channels the deployment supports.
	// A nil map supports every channel.
	Channels map[Channel]bool

	// MinInterval is the minimum mean interval between schedule
	// occurrences.  Zero selects a default.
	MinInterval time.Duration
}

// supports returns whether the validator accepts the passed channel.
func (v *Validator) supports(channel Channel) bool {
	if v.Channels == nil {
		return true
	}
	return v.Channels[channel]
}

// Validate checks the alert against every rule in order and returns a
// ValidationError describing the first violation.  The error description
// is written for the alert owner.
func (v *Validator) Validate(a *Alert) error {
	channel, ok := ChannelForKind(a.Event.Kind)
	if !ok || !v.supports(channel) {
		return validationError(ErrUnsupportedChannel, fmt.Sprintf(
			"%s notifications are not supported by this service", channel))
	}

	params := a.Params()
	if channel == ChannelEmail {
		if err := v.validateSchedule(params.Cron); err != nil {
			return err
		}
		if checkmail.ValidateFormat(params.Email) != nil {
			return validationError(ErrInvalidEmail,
				"please provide a valid email address")
		}
	} else {
		if err := validateCredentials(channel, params); err != nil {
			return err
		}
	}

	return validateFeeds(params.RawFeeds)
}

// validateSchedule checks that the schedule parses as a cron expression
// and that its mean interval over the next several occurrences is not
// shorter than the minimum.
func (v *Validator) validateSchedule(cron string) error {
	if cron == "" {
		return validationError(ErrInvalidSchedule,
			"a cron schedule is required for email alerts")
	}
	expr, err := cronexpr.Parse(cron)
	if err != nil {
		return validationError(ErrInvalidSchedule, fmt.Sprintf(
			"schedule %q is not a valid cron expression", cron))
	}

	minInterval := v.MinInterval
	if minInterval == 0 {
		minInterval = defaultMinInterval
	}
	occurrences := expr.NextN(time.Now(), scheduleSampleSize)
	if len(occurrences) < 2 {
		// A schedule that stops firing cannot be too frequent.
		return nil
	}
	span := occurrences[len(occurrences)-1].Sub(occurrences[0])
	mean := span / time.Duration(len(occurrences)-1)
	if mean < minInterval {
		return validationError(ErrScheduleTooFrequent, fmt.Sprintf(
			"schedule fires more often than the minimum interval of %v",
			minInterval))
	}
	return nil
}

// validateCredentials checks the per-channel push registration fields.
func validateCredentials(channel Channel, params Params) error {
	switch channel {
	case ChannelWeb:
		if params.Endpoint == "" || params.Auth == "" || params.P256DH == "" {
			return validationError(ErrMissingCredentials,
				"web push registration requires an endpoint and subscription keys")
		}
	case ChannelIOS:
		if params.DeviceToken == "" {
			return validationError(ErrMissingCredentials,
				"push registration requires a device token")
		}
		if params.BundleID == "" {
			return validationError(ErrMissingCredentials,
				"ios push registration requires a bundle identifier")
		}
	case ChannelAndroid:
		if params.DeviceToken == "" {
			return validationError(ErrMissingCredentials,
				"push registration requires a device token")
		}
	}
	return nil
}

// validateFeeds checks that at least one feed was supplied and that every
// feed decodes and validates structurally.
func validateFeeds(rawFeeds []string) error {
	if len(rawFeeds) == 0 {
		return validationError(ErrInvalidFeed,
			"at least one feed is required")
	}
	for _, raw := range rawFeeds {
		if _, err := feed.Parse([]byte(raw)); err != nil {
			return validationError(ErrInvalidFeed, fmt.Sprintf(
				"at least one feed is invalid (%s)", err))
		}
	}
	return nil
}
