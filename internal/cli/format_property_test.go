package cli

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"fxify-trader/internal/models"
)

// Formatted quotes parse back to the same bid and ask.
func TestProperty_QuoteParsing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ParseQuote round-trips SYMBOL=BID/ASK", prop.ForAll(
		func(bid, spread float64) bool {
			ask := bid + spread
			q, err := ParseQuote(fmt.Sprintf("eurusd=%v/%v", bid, ask))
			if err != nil {
				return false
			}
			return q.Symbol == "EURUSD" && q.Bid == bid && q.Ask == ask
		},
		gen.Float64Range(0.5, 200),
		gen.Float64Range(0, 0.01),
	))

	properties.Property("TruncateString never exceeds the limit", prop.ForAll(
		func(s string, n int) bool {
			return len([]rune(TruncateString(s, n))) <= n
		},
		gen.AnyString(),
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}

func TestParseQuoteErrors(t *testing.T) {
	for _, in := range []string{"", "EURUSD", "=1.1", "EURUSD=abc", "EURUSD=1.1/1.0", "EURUSD=-1"} {
		if _, err := ParseQuote(in); err == nil {
			t.Errorf("ParseQuote(%q) should fail", in)
		}
	}
	q, err := ParseQuote("XAUUSD=2350.5")
	if err != nil || q.Bid != 2350.5 || q.Ask != 2350.5 {
		t.Errorf("single price should set both sides, got %+v %v", q, err)
	}
}

func TestFormatExamples(t *testing.T) {
	testCases := []struct {
		got, want string
	}{
		{FormatDuration(45 * time.Second), "45s"},
		{FormatDuration(90 * time.Minute), "1h 30m"},
		{FormatDuration(50 * time.Hour), "2d 2h"},
		{FormatPrice(0), "-"},
		{FormatPrice(1.10025), "1.10025"},
		{FormatBidAsk(models.Quote{Bid: 1.1, Ask: 1.1002}, 0.0001), "Bid: 1.1  Ask: 1.1002  Spread: 2.0 pips"},
		{TruncateString("Non-Farm Payrolls", 8), "Non-F..."},
		{FormatDateTime(time.Time{}), "-"},
	}
	for _, tc := range testCases {
		if tc.got != tc.want {
			t.Errorf("got %q, want %q", tc.got, tc.want)
		}
	}

	if _, err := ParseOrderType("iceberg"); err == nil {
		t.Error("unknown order type should fail")
	}
	if ot, _ := ParseOrderType("Stop-Limit"); ot != models.OrderTypeStopLimit {
		t.Errorf("got %v", ot)
	}
}
