package risk

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
)

// Calendar answers whether a high-impact economic release is in progress for
// a symbol.
type Calendar interface {
	IsHighImpactEventActive(symbol string, now time.Time) bool
}

// NoEvents is a Calendar with no scheduled events.
type NoEvents struct{}

func (NoEvents) IsHighImpactEventActive(string, time.Time) bool { return false }

// Impact grades an economic release.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// EconomicEvent is one scheduled release.
type EconomicEvent struct {
	Currency string
	Title    string
	Impact   Impact
	Time     time.Time
}

// Default blackout around a high-impact release.
const (
	DefaultNewsBefore = 2 * time.Minute
	DefaultNewsAfter  = 2 * time.Minute
)

// StaticCalendar is an in-memory event table. An event is active for a symbol
// when the symbol contains the event's currency and now lies inside the
// blackout window around the release.
type StaticCalendar struct {
	mu     sync.RWMutex
	events []EconomicEvent
	before time.Duration
	after  time.Duration
}

// NewStaticCalendar creates a calendar with the given blackout window. Zero
// durations fall back to the defaults.
func NewStaticCalendar(before, after time.Duration, events ...EconomicEvent) *StaticCalendar {
	if before <= 0 {
		before = DefaultNewsBefore
	}
	if after <= 0 {
		after = DefaultNewsAfter
	}
	c := &StaticCalendar{before: before, after: after}
	c.Add(events...)
	return c
}

// Add inserts events, keeping the table sorted by time.
func (c *StaticCalendar) Add(events ...EconomicEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range events {
		e.Currency = strings.ToUpper(strings.TrimSpace(e.Currency))
		e.Impact = Impact(strings.ToLower(string(e.Impact)))
		e.Time = e.Time.UTC()
		c.events = append(c.events, e)
	}
	sort.Slice(c.events, func(i, j int) bool { return c.events[i].Time.Before(c.events[j].Time) })
}

// Events returns a copy of the table.
func (c *StaticCalendar) Events() []EconomicEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]EconomicEvent(nil), c.events...)
}

func (c *StaticCalendar) IsHighImpactEventActive(symbol string, now time.Time) bool {
	_, ok := c.ActiveEvent(symbol, now)
	return ok
}

// ActiveEvent returns the high-impact event blocking symbol at now, if any.
func (c *StaticCalendar) ActiveEvent(symbol string, now time.Time) (EconomicEvent, bool) {
	symbol = strings.ToUpper(symbol)
	now = now.UTC()

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, e := range c.events {
		if e.Time.Add(-c.before).After(now) {
			break
		}
		if e.Impact != ImpactHigh || e.Currency == "" || !strings.Contains(symbol, e.Currency) {
			continue
		}
		if !now.After(e.Time.Add(c.after)) {
			return e, true
		}
	}
	return EconomicEvent{}, false
}

// calendarRow is the CSV layout: time,currency,impact,title.
type calendarRow struct {
	Time     string `csv:"time"`
	Currency string `csv:"currency"`
	Impact   string `csv:"impact"`
	Title    string `csv:"title"`
}

// ParseCalendarCSV reads events from CSV with a header row. Times are RFC3339
// or "2006-01-02 15:04" in UTC.
func ParseCalendarCSV(r io.Reader) ([]EconomicEvent, error) {
	var rows []*calendarRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse calendar: %w", err)
	}

	events := make([]EconomicEvent, 0, len(rows))
	for i, row := range rows {
		t, err := parseEventTime(row.Time)
		if err != nil {
			return nil, fmt.Errorf("calendar row %d: %w", i+1, err)
		}
		events = append(events, EconomicEvent{
			Currency: row.Currency,
			Title:    row.Title,
			Impact:   Impact(strings.ToLower(strings.TrimSpace(row.Impact))),
			Time:     t,
		})
	}
	return events, nil
}

func parseEventTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid event time %q", s)
}

// LoadCalendarFile builds a StaticCalendar from a CSV file.
func LoadCalendarFile(path string, before, after time.Duration) (*StaticCalendar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	events, err := ParseCalendarCSV(f)
	if err != nil {
		return nil, err
	}
	return NewStaticCalendar(before, after, events...), nil
}
