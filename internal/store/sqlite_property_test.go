package store

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"fxify-trader/internal/models"
	"fxify-trader/internal/risk"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "fxtrader.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// Saving candles and reading them back yields the same bars.
func TestProperty_CandleRoundTripConsistency(t *testing.T) {
	store := newTestStore(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	symbols := []string{"EURUSD", "GBPUSD", "USDJPY", "XAUUSD", "AUDCAD"}
	timeframeGen := gen.OneConstOf("M1", "M5", "M15", "H1", "H4", "D1")
	countGen := gen.IntRange(1, 20)
	priceGen := gen.Float64Range(0.5, 2500.0)
	volumeGen := gen.Float64Range(1, 100000)

	run := 0
	properties.Property("Candle round-trip: save then retrieve produces equivalent data", prop.ForAll(
		func(symbolIdx int, timeframe string, count int, basePrice float64, baseVolume float64) bool {
			ctx := context.Background()
			run++
			symbol := fmt.Sprintf("%s_%d", symbols[symbolIdx%len(symbols)], run)

			candles := generateTestCandles(count, basePrice, baseVolume)
			if err := store.SaveCandles(ctx, symbol, timeframe, candles); err != nil {
				t.Logf("Failed to save candles: %v", err)
				return false
			}

			from := candles[0].Timestamp.Add(-time.Second)
			to := candles[len(candles)-1].Timestamp.Add(time.Second)
			retrieved, err := store.GetCandles(ctx, symbol, timeframe, from, to)
			if err != nil {
				t.Logf("Failed to get candles: %v", err)
				return false
			}
			if len(retrieved) != len(candles) {
				t.Logf("Count mismatch: expected %d, got %d", len(candles), len(retrieved))
				return false
			}
			for i, orig := range candles {
				if !candlesEqual(orig, retrieved[i]) {
					t.Logf("Candle mismatch at index %d: original=%+v, retrieved=%+v", i, orig, retrieved[i])
					return false
				}
			}
			return true
		},
		gen.IntRange(0, len(symbols)-1),
		timeframeGen,
		countGen,
		priceGen,
		volumeGen,
	))

	properties.Property("Empty candles: saving empty slice should succeed", prop.ForAll(
		func(timeframe string) bool {
			return store.SaveCandles(context.Background(), "EMPTY", timeframe, []models.Candle{}) == nil
		},
		timeframeGen,
	))

	properties.TestingRun(t)
}

// Saving a profile list replaces what was stored before.
func TestProperty_ProfilesReplaceOnSave(t *testing.T) {
	store := newTestStore(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("Profiles: last save wins", prop.ForAll(
		func(n int, daily float64) bool {
			ctx := context.Background()
			created := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
			profiles := make([]models.Profile, n)
			for i := range profiles {
				profiles[i] = models.Profile{
					ID:               fmt.Sprintf("p%d", i),
					Name:             fmt.Sprintf("profile %d", i),
					AccountType:      models.AccountTwoPhase,
					MaxDailyDrawdown: daily,
					MaxTotalDrawdown: daily * 2,
					CreatedAt:        created.Add(time.Duration(i) * time.Minute),
					UpdatedAt:        created,
				}
			}
			if err := store.SaveProfiles(ctx, profiles); err != nil {
				return false
			}
			loaded, err := store.LoadProfiles(ctx)
			if err != nil || len(loaded) != n {
				return false
			}
			for i := range loaded {
				if loaded[i].ID != profiles[i].ID || !floatEqual(loaded[i].MaxDailyDrawdown, daily, 1e-12) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 6),
		gen.Float64Range(0.01, 0.2),
	))

	properties.TestingRun(t)
}

func TestProfileRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 12, 10, 0, 0, 0, time.UTC)

	in := models.Profile{
		ID:               "01J0TEST",
		Name:             "Instant Funding",
		AccountType:      models.AccountInstantFunding,
		MaxDailyDrawdown: 0.03,
		MaxTotalDrawdown: 0.06,
		TradeSizeLimit:   2,
		AllowNewsTrading: false,
		MinTradingDays:   5,
		CustomSettings:   map[string]string{"note": "weekend hold"},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.SaveProfiles(ctx, []models.Profile{in}); err != nil {
		t.Fatal(err)
	}
	out, err := store.LoadProfiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(out))
	}
	got := out[0]
	if got.Name != in.Name || got.AccountType != in.AccountType || got.TradeSizeLimit != 2 || got.AllowNewsTrading || got.MinTradingDays != 5 {
		t.Errorf("unexpected profile %+v", got)
	}
	if got.CustomSettings["note"] != "weekend hold" {
		t.Errorf("custom settings lost: %v", got.CustomSettings)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("created_at mismatch: %v", got.CreatedAt)
	}

	if id, err := store.LoadActiveProfile(ctx); err != nil || id != "" {
		t.Errorf("expected no active profile, got %q %v", id, err)
	}
	if err := store.SaveActiveProfile(ctx, in.ID); err != nil {
		t.Fatal(err)
	}
	if id, _ := store.LoadActiveProfile(ctx); id != in.ID {
		t.Errorf("active profile = %q", id)
	}
	if err := store.SaveActiveProfile(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if id, _ := store.LoadActiveProfile(ctx); id != "" {
		t.Errorf("active profile should be cleared, got %q", id)
	}
}

func TestViolationsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 12, 10, 0, 0, 0, time.UTC)

	records := []models.ViolationRecord{
		{ProfileID: "a", Broker: "mt5", Symbol: "EURUSD", Direction: models.DirectionBuy, Volume: 3,
			Violations: []models.RuleViolation{{Rule: "trade_size_limit", Severity: models.SeverityError, Message: "too big", Details: map[string]any{"limit": 2.0}}},
			CreatedAt:  base},
		{ProfileID: "a", Broker: "mt5", Symbol: "GBPUSD", Direction: models.DirectionSell, Volume: 1,
			Violations: []models.RuleViolation{{Rule: "news_trading", Severity: models.SeverityError, Message: "NFP"}},
			CreatedAt:  base.Add(time.Minute)},
		{ProfileID: "b", Broker: "ib", Symbol: "EURUSD", Direction: models.DirectionBuy, Volume: 1,
			Violations: []models.RuleViolation{{Rule: "drawdown_limit", Severity: models.SeverityError, Message: "daily"}},
			CreatedAt:  base.Add(2 * time.Minute)},
	}
	for _, rec := range records {
		if err := store.RecordViolation(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.GetViolations(ctx, ViolationFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Symbol != "EURUSD" || all[0].Broker != "ib" || all[2].Volume != 3 {
		t.Fatalf("unexpected order %+v", all)
	}
	if all[2].Violations[0].Details["limit"] != 2.0 {
		t.Errorf("details lost: %+v", all[2].Violations[0])
	}

	bySymbol, _ := store.GetViolations(ctx, ViolationFilter{Symbol: "EURUSD"})
	if len(bySymbol) != 2 {
		t.Errorf("expected 2 EURUSD violations, got %d", len(bySymbol))
	}
	byRule, _ := store.GetViolations(ctx, ViolationFilter{Rule: "news_trading"})
	if len(byRule) != 1 || byRule[0].Symbol != "GBPUSD" {
		t.Errorf("rule filter returned %+v", byRule)
	}
	limited, _ := store.GetViolations(ctx, ViolationFilter{ProfileID: "a", Limit: 1})
	if len(limited) != 1 || limited[0].Symbol != "GBPUSD" {
		t.Errorf("limit returned %+v", limited)
	}
	recent, _ := store.GetViolations(ctx, ViolationFilter{Since: base.Add(90 * time.Second)})
	if len(recent) != 1 {
		t.Errorf("since filter returned %d", len(recent))
	}
}

func TestSettingsAndFreshness(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if v, err := store.GetSetting(ctx, "bridge"); err != nil || v != "" {
		t.Fatalf("unset setting should be empty, got %q %v", v, err)
	}
	_ = store.SetSetting(ctx, "bridge", "mt4")
	_ = store.SetSetting(ctx, "bridge", "mt5")
	if v, _ := store.GetSetting(ctx, "bridge"); v != "mt5" {
		t.Errorf("setting should be overwritten, got %q", v)
	}

	if ts, err := store.GetCandlesFreshness(ctx, "EURUSD", "H1"); err != nil || !ts.IsZero() {
		t.Errorf("no candles should mean zero time, got %v %v", ts, err)
	}
	candles := generateTestCandles(3, 1.1, 100)
	if err := store.SaveCandles(ctx, "EURUSD", "H1", candles); err != nil {
		t.Fatal(err)
	}
	ts, err := store.GetCandlesFreshness(ctx, "EURUSD", "H1")
	if err != nil {
		t.Fatal(err)
	}
	if !ts.Equal(candles[2].Timestamp) {
		t.Errorf("freshness = %v, want %v", ts, candles[2].Timestamp)
	}
}

func TestMonitorStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.LoadMonitorState(ctx, "P1"); err != nil || ok {
		t.Fatalf("no state should be stored yet, got ok=%v err=%v", ok, err)
	}

	saved := risk.MonitorState{
		ProfileID:         "P1",
		InitialBalance:    10000,
		PeakBalance:       10250,
		StartOfDayBalance: 10100,
		CurrentBalance:    9700,
		CurrentEquity:     9650,
		MaxDailyDrawdown:  0.03,
		MaxTotalDrawdown:  0.06,
		LastUpdate:        time.Date(2024, 6, 12, 14, 5, 0, 0, time.UTC),
		Days: []risk.DayStats{
			{Date: "2024-06-11", StartBalance: 10000, LowEquity: 9950, Trades: 2},
			{Date: "2024-06-12", StartBalance: 10100, LowEquity: 9650, Trades: 1},
		},
	}
	if err := store.SaveMonitorState(ctx, saved); err != nil {
		t.Fatal(err)
	}
	saved.CurrentEquity = 9600
	if err := store.SaveMonitorState(ctx, saved); err != nil {
		t.Fatal(err)
	}

	got, ok, err := store.LoadMonitorState(ctx, "P1")
	if err != nil || !ok {
		t.Fatalf("state not loaded: ok=%v err=%v", ok, err)
	}
	if got.PeakBalance != 10250 || got.StartOfDayBalance != 10100 || got.CurrentEquity != 9600 {
		t.Errorf("unexpected balances %+v", got)
	}
	if !got.LastUpdate.Equal(saved.LastUpdate) {
		t.Errorf("last update = %v, want %v", got.LastUpdate, saved.LastUpdate)
	}
	if len(got.Days) != 2 || got.Days[0].Trades != 2 || got.Days[1].LowEquity != 9650 {
		t.Errorf("unexpected days %+v", got.Days)
	}

	if err := store.DeleteMonitorState(ctx, "P1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.LoadMonitorState(ctx, "P1"); ok {
		t.Error("state should be gone after delete")
	}
}

// generateTestCandles creates valid candles for testing
func generateTestCandles(count int, basePrice float64, baseVolume float64) []models.Candle {
	candles := make([]models.Candle, count)
	baseTime := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)

	for i := 0; i < count; i++ {
		variation := float64(i%10) * 0.001 * basePrice
		open := basePrice + variation
		close := basePrice + variation*0.5
		high := math.Max(open, close) * 1.001
		low := math.Min(open, close) * 0.999

		candles[i] = models.Candle{
			Timestamp: baseTime.Add(time.Duration(i) * time.Minute),
			Open:      roundToDecimal(open, 5),
			High:      roundToDecimal(high, 5),
			Low:       roundToDecimal(low, 5),
			Close:     roundToDecimal(close, 5),
			Volume:    roundToDecimal(baseVolume+float64(i*10), 2),
		}
	}
	return candles
}

// roundToDecimal rounds a float to specified decimal places
func roundToDecimal(val float64, places int) float64 {
	multiplier := math.Pow(10, float64(places))
	return math.Round(val*multiplier) / multiplier
}

func candlesEqual(a, b models.Candle) bool {
	const tolerance = 1e-9

	return a.Timestamp.Equal(b.Timestamp) &&
		floatEqual(a.Open, b.Open, tolerance) &&
		floatEqual(a.High, b.High, tolerance) &&
		floatEqual(a.Low, b.Low, tolerance) &&
		floatEqual(a.Close, b.Close, tolerance) &&
		floatEqual(a.Volume, b.Volume, tolerance)
}

func floatEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}
