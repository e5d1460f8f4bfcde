// Package utils provides shared utility functions.
package utils

import (
	"fmt"
	"strings"
)

var currencySymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
	"JPY": "¥",
}

// FormatMoney formats an amount with thousands separators and the currency's
// symbol, or its ISO code when no symbol is known.
func FormatMoney(amount float64, currency string) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}

	str := fmt.Sprintf("%.2f", amount)
	parts := strings.Split(str, ".")
	formatted := groupThousands(parts[0]) + "." + parts[1]

	if sym, ok := currencySymbols[strings.ToUpper(currency)]; ok {
		formatted = sym + formatted
	} else if currency != "" {
		formatted = formatted + " " + strings.ToUpper(currency)
	}
	if negative {
		formatted = "-" + formatted
	}
	return formatted
}

// groupThousands inserts commas every three digits from the right.
func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}

	var b strings.Builder
	head := n % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}

// FormatRatio formats a fraction such as 0.04 as "4.00%".
func FormatRatio(fraction float64) string {
	return fmt.Sprintf("%.2f%%", fraction*100)
}

// FormatPnL formats P&L with an explicit sign for gains.
func FormatPnL(pnl float64, currency string) string {
	formatted := FormatMoney(pnl, currency)
	if pnl > 0 {
		return "+" + formatted
	}
	return formatted
}

// FormatLots formats an FX volume in lots.
func FormatLots(volume float64) string {
	return fmt.Sprintf("%.2f lots", volume)
}

// FormatPrice formats a quote with the precision conventional for its pip size.
func FormatPrice(price, pipSize float64) string {
	digits := 5
	switch {
	case pipSize >= 0.1:
		digits = 2
	case pipSize >= 0.01:
		digits = 3
	}
	return fmt.Sprintf("%.*f", digits, price)
}
