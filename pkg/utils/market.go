package utils

import (
	"time"
)

// Session names a major FX trading session.
type Session string

const (
	SessionSydney  Session = "sydney"
	SessionTokyo   Session = "tokyo"
	SessionLondon  Session = "london"
	SessionNewYork Session = "new_york"
)

// sessionHours are UTC opening and closing hours. Sydney wraps midnight.
var sessionHours = []struct {
	session     Session
	open, close int
}{
	{SessionSydney, 21, 6},
	{SessionTokyo, 0, 9},
	{SessionLondon, 7, 16},
	{SessionNewYork, 12, 21},
}

// IsWeekendUTC reports whether t falls on Saturday or Sunday in UTC.
func IsWeekendUTC(t time.Time) bool {
	wd := t.UTC().Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// IsFXMarketOpen reports whether spot FX is treated as tradeable at t:
// every UTC weekday, around the clock.
func IsFXMarketOpen(t time.Time) bool {
	return !IsWeekendUTC(t)
}

// ActiveSessions returns the sessions open at t, in declaration order.
// Nothing is open on a UTC weekend.
func ActiveSessions(t time.Time) []Session {
	if IsWeekendUTC(t) {
		return nil
	}
	hour := t.UTC().Hour()
	var active []Session
	for _, s := range sessionHours {
		if s.open < s.close {
			if hour >= s.open && hour < s.close {
				active = append(active, s.session)
			}
		} else if hour >= s.open || hour < s.close {
			active = append(active, s.session)
		}
	}
	return active
}

// NextMarketOpen returns the start of the next UTC weekday at or after t.
func NextMarketOpen(t time.Time) time.Time {
	t = t.UTC()
	if !IsWeekendUTC(t) {
		return t
	}
	next := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	for IsWeekendUTC(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// UTCDate truncates t to midnight UTC.
func UTCDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SameUTCDay reports whether a and b fall on the same UTC calendar date.
func SameUTCDay(a, b time.Time) bool {
	return UTCDate(a).Equal(UTCDate(b))
}
