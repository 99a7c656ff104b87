// Package policy carries the platform-configured rules shared by the engine services.
package policy

import (
	"strings"
	"time"
)

// Policy holds cutoff, notice, expiry and delivery-window rules.
type Policy struct {
	Location         *time.Location
	CreditExpiryDays int
	SkipCutoff       time.Duration
	PauseNotice      time.Duration
	MaxPauseDays     int
	RenewalLeadDays  int
	WindowStarts     map[string]time.Duration // slot -> offset from local midnight.
}

// Default returns the policy used when no configuration is supplied.
func Default() Policy {
	return Policy{
		Location:         time.UTC,
		CreditExpiryDays: 60,
		SkipCutoff:       12 * time.Hour,
		PauseNotice:      24 * time.Hour,
		MaxPauseDays:     30,
		RenewalLeadDays:  2,
		WindowStarts: map[string]time.Duration{
			"breakfast": 7 * time.Hour,
			"lunch":     12 * time.Hour,
			"dinner":    19 * time.Hour,
		},
	}
}

// Loc returns the configured location, falling back to UTC.
func (p Policy) Loc() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// DeliveryWindowStart returns the instant the slot's delivery window opens on the civil date.
func (p Policy) DeliveryWindowStart(date time.Time, slot string) time.Time {
	offset := p.WindowStarts[strings.ToLower(strings.TrimSpace(slot))]
	hours := int(offset / time.Hour)
	minutes := int((offset % time.Hour) / time.Minute)
	d := date.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), hours, minutes, 0, 0, p.Loc())
}

// SkipCutoffAt returns the last instant at which a skip for the delivery is still accepted.
func (p Policy) SkipCutoffAt(date time.Time, slot string) time.Time {
	return p.DeliveryWindowStart(date, slot).Add(-p.SkipCutoff)
}

// CreditExpiresAt returns the expiry for a credit granted at now.
func (p Policy) CreditExpiresAt(now time.Time) time.Time {
	return now.AddDate(0, 0, p.CreditExpiryDays)
}
