package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFormatMoney(t *testing.T) {
	tests := []struct {
		amount   float64
		currency string
		want     string
	}{
		{0, "USD", "$0.00"},
		{999.5, "USD", "$999.50"},
		{1234567.891, "EUR", "€1,234,567.89"},
		{-100000, "GBP", "-£100,000.00"},
		{2500, "CHF", "2,500.00 CHF"},
		{12, "", "12.00"},
	}
	for _, tt := range tests {
		if got := FormatMoney(tt.amount, tt.currency); got != tt.want {
			t.Errorf("FormatMoney(%v, %q) = %q, want %q", tt.amount, tt.currency, got, tt.want)
		}
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := FormatRatio(0.04); got != "4.00%" {
		t.Errorf("FormatRatio = %q", got)
	}
	if got := FormatPnL(12.5, "USD"); got != "+$12.50" {
		t.Errorf("FormatPnL = %q", got)
	}
	if got := FormatPrice(1.234567, 0.0001); got != "1.23457" {
		t.Errorf("FormatPrice = %q", got)
	}
	if got := FormatPrice(151.2341, 0.01); got != "151.234" {
		t.Errorf("FormatPrice JPY = %q", got)
	}
}

func TestWeekendAndSessions(t *testing.T) {
	saturday := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	monday := time.Date(2024, 6, 17, 13, 0, 0, 0, time.UTC)

	if !IsWeekendUTC(saturday) || IsFXMarketOpen(saturday) {
		t.Error("saturday should be closed")
	}
	if IsWeekendUTC(monday) {
		t.Error("monday is a weekday")
	}

	// Friday 23:30 in New York is Saturday in UTC.
	ny := time.FixedZone("EDT", -4*3600)
	if !IsWeekendUTC(time.Date(2024, 6, 14, 23, 30, 0, 0, ny)) {
		t.Error("weekend check must use the UTC date")
	}

	sessions := ActiveSessions(monday)
	if len(sessions) != 2 || sessions[0] != SessionLondon || sessions[1] != SessionNewYork {
		t.Errorf("expected london/new_york overlap, got %v", sessions)
	}
	if s := ActiveSessions(time.Date(2024, 6, 17, 22, 0, 0, 0, time.UTC)); len(s) != 1 || s[0] != SessionSydney {
		t.Errorf("expected sydney, got %v", s)
	}

	if next := NextMarketOpen(saturday); !next.Equal(time.Date(2024, 6, 17, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("NextMarketOpen = %v", next)
	}
	if !SameUTCDay(monday, monday.Add(10*time.Hour)) || SameUTCDay(monday, monday.Add(11*time.Hour)) {
		t.Error("SameUTCDay boundary wrong")
	}
}

func TestRetry(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third call, got err=%v calls=%d", err, calls)
	}

	fatal := errors.New("fatal")
	retryable := errors.New("retryable")
	cfg.RetryableErrors = []error{retryable}
	calls = 0
	err = Retry(context.Background(), cfg, func() error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Errorf("non-retryable error should stop at once, got err=%v calls=%d", err, calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg.RetryableErrors = nil
	cfg.InitialDelay = time.Second
	_, err = RetryWithResult(ctx, cfg, func() (int, error) { return 0, retryable })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestCalculateBackoff(t *testing.T) {
	if d := CalculateBackoff(3, 100*time.Millisecond, time.Second, 2); d != 800*time.Millisecond {
		t.Errorf("got %v", d)
	}
	if d := CalculateBackoff(10, 100*time.Millisecond, time.Second, 2); d != time.Second {
		t.Errorf("backoff should cap, got %v", d)
	}
}
