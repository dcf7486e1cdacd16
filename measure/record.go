// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package measure

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrNotFound is returned by record stores when no record matches
var ErrNotFound = errors.New("measurement not found")

// Origin tells where a measurement was captured. It never changes after creation.
type Origin string

const (
	OriginManual       Origin = "manual"
	OriginHealthBridge Origin = "healthBridge"
	OriginAutomated    Origin = "automated"
)

// ParseOrigin parses an origin name
func ParseOrigin(s string) (Origin, error) {
	switch o := Origin(s); o {
	case OriginManual, OriginHealthBridge, OriginAutomated:
		return o, nil
	default:
		return "", fmt.Errorf("unknown origin %q", s)
	}
}

// ValueTolerance is the absolute difference under which two values are considered equal
const ValueTolerance = 0.05

// DayLayout is the calendar-day format used for dedup keys and on the wire
const DayLayout = "2006-01-02"

// Record is a single body measurement as held on the device
type Record struct {
	ID        string
	Date      time.Time
	Value     float64
	Kind      Kind
	Origin    Origin
	RemoteID  int64 // zero until the backend acknowledged the record
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Synced reports whether the backend has acknowledged this record at least once
func (r Record) Synced() bool { return r.RemoteID != 0 }

// Key returns the dedup key of the record
func (r Record) Key() Key { return KeyOf(r.Kind, r.Date) }

// Key identifies "the same measurement" across origins: one kind per calendar day
type Key struct {
	Kind Kind
	Day  string
}

// KeyOf builds a dedup key from a kind and a timestamp
func KeyOf(kind Kind, t time.Time) Key {
	return Key{Kind: kind, Day: Day(t)}
}

func (k Key) String() string { return string(k.Kind) + "@" + k.Day }

// Day formats the calendar day of t in t's own location; the time of day is discarded
func Day(t time.Time) string {
	return t.Format(DayLayout)
}

// ParseDay parses a calendar day into midnight of that day in loc
func ParseDay(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DayLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q: %w", s, err)
	}
	return t, nil
}

// SameValue reports whether a and b are equal within ValueTolerance
func SameValue(a, b float64) bool {
	return math.Abs(a-b) <= ValueTolerance+1e-9
}
