// Package risk implements the FXIFY risk engine: the drawdown monitor, the
// rule evaluators, the pre-execution validator and the profile mode manager.
package risk

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fxify-trader/internal/logging"
	"fxify-trader/pkg/utils"
)

// WarningLevel classifies how close the account is to a drawdown limit.
type WarningLevel string

const (
	LevelSafe     WarningLevel = "safe"
	LevelWarning  WarningLevel = "warning"
	LevelCritical WarningLevel = "critical"
)

// warningRatio is the fraction of a limit at which LevelWarning starts.
const warningRatio = 0.8

// DayStats records one UTC trading day.
type DayStats struct {
	Date         string
	StartBalance float64
	LowEquity    float64
	Trades       int
}

// DrawdownSnapshot is an immutable copy of the monitor state handed to rule
// evaluators.
type DrawdownSnapshot struct {
	Initialized       bool
	InitialBalance    float64
	PeakBalance       float64
	StartOfDayBalance float64
	CurrentBalance    float64
	CurrentEquity     float64
	DailyDrawdown     float64
	TotalDrawdown     float64
	MaxDailyDrawdown  float64
	MaxTotalDrawdown  float64
	TradingDays       int
	UpdatedAt         time.Time
}

// DailyLimitExceeded reports a hard daily breach. The comparison is strict.
func (s DrawdownSnapshot) DailyLimitExceeded() bool {
	return s.MaxDailyDrawdown > 0 && s.DailyDrawdown > s.MaxDailyDrawdown
}

// TotalLimitExceeded reports a hard total breach. The comparison is strict.
func (s DrawdownSnapshot) TotalLimitExceeded() bool {
	return s.MaxTotalDrawdown > 0 && s.TotalDrawdown > s.MaxTotalDrawdown
}

// Level classifies the larger of the two drawdown-to-limit ratios. Unlike the
// breach checks, reaching a limit exactly is already critical.
func (s DrawdownSnapshot) Level() WarningLevel {
	ratio := math.Max(limitRatio(s.DailyDrawdown, s.MaxDailyDrawdown), limitRatio(s.TotalDrawdown, s.MaxTotalDrawdown))
	switch {
	case ratio >= 1.0:
		return LevelCritical
	case ratio >= warningRatio:
		return LevelWarning
	default:
		return LevelSafe
	}
}

func limitRatio(drawdown, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return drawdown / limit
}

// ProjectedDaily is the daily drawdown if equity dropped by loss.
func (s DrawdownSnapshot) ProjectedDaily(loss float64) float64 {
	return drawdownFrom(s.StartOfDayBalance, s.CurrentEquity-loss)
}

// ProjectedTotal is the total drawdown if equity dropped by loss.
func (s DrawdownSnapshot) ProjectedTotal(loss float64) float64 {
	return drawdownFrom(s.PeakBalance, s.CurrentEquity-loss)
}

func drawdownFrom(reference, equity float64) float64 {
	if reference <= 0 {
		return 0
	}
	return math.Max(0, (reference-equity)/reference)
}

// MonitorConfig configures a DrawdownMonitor.
type MonitorConfig struct {
	// Now overrides the clock, mainly for tests. Defaults to time.Now.
	Now    func() time.Time
	Logger zerolog.Logger
}

// DrawdownMonitor tracks daily and total drawdown against equity. All methods
// are safe for concurrent use.
type DrawdownMonitor struct {
	mu  sync.Mutex
	now func() time.Time
	log zerolog.Logger

	initialized       bool
	initialBalance    float64
	peakBalance       float64
	startOfDayBalance float64
	currentBalance    float64
	currentEquity     float64
	maxDaily          float64
	maxTotal          float64
	dailyDrawdown     float64
	totalDrawdown     float64
	lastUpdate        time.Time
	days              map[string]*DayStats
}

// NewDrawdownMonitor creates an uninitialized monitor.
func NewDrawdownMonitor(cfg MonitorConfig) *DrawdownMonitor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &DrawdownMonitor{
		now:  cfg.Now,
		log:  logging.WithComponent(cfg.Logger, "drawdown"),
		days: make(map[string]*DayStats),
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Initialize seeds every reference balance with initialBalance and registers
// today as the first trading day.
func (m *DrawdownMonitor) Initialize(initialBalance, maxDaily, maxTotal float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	m.initialized = true
	m.initialBalance = initialBalance
	m.peakBalance = initialBalance
	m.startOfDayBalance = initialBalance
	m.currentBalance = initialBalance
	m.currentEquity = initialBalance
	m.maxDaily = maxDaily
	m.maxTotal = maxTotal
	m.dailyDrawdown = 0
	m.totalDrawdown = 0
	m.lastUpdate = now
	m.days = map[string]*DayStats{
		dayKey(now): {Date: dayKey(now), StartBalance: initialBalance, LowEquity: initialBalance},
	}

	m.log.Info().
		Float64("balance", initialBalance).
		Float64("max_daily", maxDaily).
		Float64("max_total", maxTotal).
		Msg("Drawdown monitor initialized")
}

// Initialized reports whether Initialize has been called since the last Reset.
func (m *DrawdownMonitor) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// UpdateBalance applies a fresh balance and equity. When the UTC date has
// advanced since the previous update, the balance held before this call
// becomes the new day's starting balance.
func (m *DrawdownMonitor) UpdateBalance(balance, equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	if !m.initialized {
		m.log.Warn().
			Float64("balance", balance).
			Msg("Drawdown monitor updated before Initialize; adopting balance as initial")
		m.initialized = true
		m.initialBalance = balance
		m.peakBalance = balance
		m.startOfDayBalance = balance
		m.currentBalance = balance
		m.lastUpdate = now
	}

	if !utils.SameUTCDay(m.lastUpdate, now) {
		m.startOfDayBalance = m.currentBalance
		m.log.Info().
			Str("day", dayKey(now)).
			Float64("start_balance", m.startOfDayBalance).
			Msg("New trading day")
	}

	m.currentBalance = balance
	m.currentEquity = equity
	m.peakBalance = math.Max(m.peakBalance, balance)
	m.lastUpdate = now
	m.recomputeLocked()

	if day, ok := m.days[dayKey(now)]; ok && equity < day.LowEquity {
		day.LowEquity = equity
	}
}

func (m *DrawdownMonitor) recomputeLocked() {
	m.dailyDrawdown = drawdownFrom(m.startOfDayBalance, m.currentEquity)
	m.totalDrawdown = drawdownFrom(m.peakBalance, m.currentEquity)

	if m.maxDaily > 0 && m.dailyDrawdown > m.maxDaily {
		m.log.Warn().Float64("daily", m.dailyDrawdown).Float64("limit", m.maxDaily).Msg("Daily drawdown limit exceeded")
	}
	if m.maxTotal > 0 && m.totalDrawdown > m.maxTotal {
		m.log.Warn().Float64("total", m.totalDrawdown).Float64("limit", m.maxTotal).Msg("Total drawdown limit exceeded")
	}
}

// RegisterDayStart rebases the daily reference on the current balance. The
// daily drawdown reads zero until the next update.
func (m *DrawdownMonitor) RegisterDayStart() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	m.startOfDayBalance = m.currentBalance
	m.dailyDrawdown = 0
	m.lastUpdate = now
	if _, ok := m.days[dayKey(now)]; !ok {
		m.days[dayKey(now)] = &DayStats{Date: dayKey(now), StartBalance: m.currentBalance, LowEquity: m.currentEquity}
	}
}

// RecordTrade counts an executed trade toward today's trading day.
func (m *DrawdownMonitor) RecordTrade() {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dayKey(m.now())
	day, ok := m.days[key]
	if !ok {
		day = &DayStats{Date: key, StartBalance: m.startOfDayBalance, LowEquity: m.currentEquity}
		m.days[key] = day
	}
	day.Trades++
}

// DailyDrawdown returns the fraction lost since the start of the UTC day.
func (m *DrawdownMonitor) DailyDrawdown() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyDrawdown
}

// TotalDrawdown returns the fraction lost from the peak balance.
func (m *DrawdownMonitor) TotalDrawdown() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalDrawdown
}

// PeakBalance returns the highest balance seen.
func (m *DrawdownMonitor) PeakBalance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peakBalance
}

// IsDailyLimitExceeded reports whether daily drawdown is strictly above its limit.
func (m *DrawdownMonitor) IsDailyLimitExceeded() bool {
	return m.Snapshot().DailyLimitExceeded()
}

// IsTotalLimitExceeded reports whether total drawdown is strictly above its limit.
func (m *DrawdownMonitor) IsTotalLimitExceeded() bool {
	return m.Snapshot().TotalLimitExceeded()
}

// WarningLevel classifies the current drawdown against the limits.
func (m *DrawdownMonitor) WarningLevel() WarningLevel {
	return m.Snapshot().Level()
}

// TradingDays returns the number of distinct UTC days recorded.
func (m *DrawdownMonitor) TradingDays() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.days)
}

// Days returns per-day statistics sorted by date.
func (m *DrawdownMonitor) Days() []DayStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	days := make([]DayStats, 0, len(m.days))
	for _, d := range m.days {
		days = append(days, *d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date < days[j].Date })
	return days
}

// Snapshot returns a copy of the current state.
func (m *DrawdownMonitor) Snapshot() DrawdownSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return DrawdownSnapshot{
		Initialized:       m.initialized,
		InitialBalance:    m.initialBalance,
		PeakBalance:       m.peakBalance,
		StartOfDayBalance: m.startOfDayBalance,
		CurrentBalance:    m.currentBalance,
		CurrentEquity:     m.currentEquity,
		DailyDrawdown:     m.dailyDrawdown,
		TotalDrawdown:     m.totalDrawdown,
		MaxDailyDrawdown:  m.maxDaily,
		MaxTotalDrawdown:  m.maxTotal,
		TradingDays:       len(m.days),
		UpdatedAt:         m.lastUpdate,
	}
}

// MonitorState is the persisted form of a monitor, so drawdown tracking
// survives process restarts within one profile activation.
type MonitorState struct {
	ProfileID         string
	InitialBalance    float64
	PeakBalance       float64
	StartOfDayBalance float64
	CurrentBalance    float64
	CurrentEquity     float64
	MaxDailyDrawdown  float64
	MaxTotalDrawdown  float64
	LastUpdate        time.Time
	Days              []DayStats
}

// State exports the monitor. ProfileID is left for the caller to fill.
func (m *DrawdownMonitor) State() MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()

	days := make([]DayStats, 0, len(m.days))
	for _, d := range m.days {
		days = append(days, *d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date < days[j].Date })
	return MonitorState{
		InitialBalance:    m.initialBalance,
		PeakBalance:       m.peakBalance,
		StartOfDayBalance: m.startOfDayBalance,
		CurrentBalance:    m.currentBalance,
		CurrentEquity:     m.currentEquity,
		MaxDailyDrawdown:  m.maxDaily,
		MaxTotalDrawdown:  m.maxTotal,
		LastUpdate:        m.lastUpdate,
		Days:              days,
	}
}

// Restore replaces the monitor state with a previously exported one. The
// next UpdateBalance applies the UTC rollover against state.LastUpdate.
func (m *DrawdownMonitor) Restore(state MonitorState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.initialized = true
	m.initialBalance = state.InitialBalance
	m.peakBalance = state.PeakBalance
	m.startOfDayBalance = state.StartOfDayBalance
	m.currentBalance = state.CurrentBalance
	m.currentEquity = state.CurrentEquity
	m.maxDaily = state.MaxDailyDrawdown
	m.maxTotal = state.MaxTotalDrawdown
	m.lastUpdate = state.LastUpdate.UTC()
	m.days = make(map[string]*DayStats, len(state.Days))
	for _, d := range state.Days {
		d := d
		m.days[d.Date] = &d
	}
	m.recomputeLocked()

	m.log.Info().
		Float64("peak", m.peakBalance).
		Float64("start_of_day", m.startOfDayBalance).
		Int("days", len(m.days)).
		Msg("Drawdown monitor restored")
}

// Reset clears all state.
func (m *DrawdownMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.initialized = false
	m.initialBalance = 0
	m.peakBalance = 0
	m.startOfDayBalance = 0
	m.currentBalance = 0
	m.currentEquity = 0
	m.maxDaily = 0
	m.maxTotal = 0
	m.dailyDrawdown = 0
	m.totalDrawdown = 0
	m.lastUpdate = time.Time{}
	m.days = make(map[string]*DayStats)
	m.log.Debug().Msg("Drawdown monitor reset")
}
