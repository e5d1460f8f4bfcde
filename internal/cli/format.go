package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"fxify-trader/internal/models"
)

// FormatTime formats a time in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format("15:04:05")
}

// FormatDateTime formats a datetime in UTC.
func FormatDateTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("02-Jan-2006 15:04:05")
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

// FormatBidAsk formats a quote with its spread in pips.
func FormatBidAsk(q models.Quote, pipSize float64) string {
	spread := 0.0
	if pipSize > 0 {
		spread = (q.Ask - q.Bid) / pipSize
	}
	return fmt.Sprintf("Bid: %g  Ask: %g  Spread: %.1f pips", q.Bid, q.Ask, spread)
}

// FormatPrice formats a price, or "-" when unset.
func FormatPrice(price float64) string {
	if price == 0 {
		return "-"
	}
	return strconv.FormatFloat(price, 'f', -1, 64)
}

// TruncateString truncates a string to max length with ellipsis.
func TruncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// ParseQuote parses SYMBOL=BID/ASK, or SYMBOL=PRICE for a zero-spread quote.
func ParseQuote(s string) (models.Quote, error) {
	symbol, prices, ok := strings.Cut(s, "=")
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !ok || symbol == "" {
		return models.Quote{}, fmt.Errorf("invalid quote %q (want SYMBOL=BID/ASK)", s)
	}
	bidStr, askStr, spread := strings.Cut(prices, "/")
	bid, err := strconv.ParseFloat(strings.TrimSpace(bidStr), 64)
	if err != nil || bid <= 0 {
		return models.Quote{}, fmt.Errorf("invalid bid in %q", s)
	}
	ask := bid
	if spread {
		ask, err = strconv.ParseFloat(strings.TrimSpace(askStr), 64)
		if err != nil || ask < bid {
			return models.Quote{}, fmt.Errorf("invalid ask in %q", s)
		}
	}
	return models.Quote{Symbol: symbol, Bid: bid, Ask: ask, Timestamp: time.Now().UTC()}, nil
}

// ParseOrderType maps a CLI type name to an OrderType.
func ParseOrderType(s string) (models.OrderType, error) {
	switch strings.ToLower(s) {
	case "", "market":
		return models.OrderTypeMarket, nil
	case "limit":
		return models.OrderTypeLimit, nil
	case "stop":
		return models.OrderTypeStop, nil
	case "stop_limit", "stop-limit":
		return models.OrderTypeStopLimit, nil
	}
	return "", fmt.Errorf("unknown order type %q (market, limit, stop, stop_limit)", s)
}
