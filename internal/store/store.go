// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"fxify-trader/internal/models"
	"fxify-trader/internal/risk"
)

// DataStore defines the interface for data persistence.
type DataStore interface {
	// Profiles
	LoadProfiles(ctx context.Context) ([]models.Profile, error)
	SaveProfiles(ctx context.Context, profiles []models.Profile) error
	LoadActiveProfile(ctx context.Context) (string, error)
	SaveActiveProfile(ctx context.Context, id string) error

	// Rule violations
	RecordViolation(ctx context.Context, rec models.ViolationRecord) error
	GetViolations(ctx context.Context, filter ViolationFilter) ([]models.ViolationRecord, error)

	// Drawdown monitor state
	LoadMonitorState(ctx context.Context, profileID string) (risk.MonitorState, bool, error)
	SaveMonitorState(ctx context.Context, state risk.MonitorState) error
	DeleteMonitorState(ctx context.Context, profileID string) error

	// Candles
	SaveCandles(ctx context.Context, symbol, timeframe string, candles []models.Candle) error
	GetCandles(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]models.Candle, error)
	GetCandlesFreshness(ctx context.Context, symbol, timeframe string) (time.Time, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// Lifecycle
	Close() error
}

// ViolationFilter represents filters for querying rule violations.
type ViolationFilter struct {
	ProfileID string
	Symbol    string
	Rule      string
	Since     time.Time
	Limit     int
}

// Setting keys.
const (
	SettingActiveProfile = "active_profile"
)
