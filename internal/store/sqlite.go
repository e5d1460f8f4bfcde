// Package store provides data persistence implementations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "fxify-trader/internal/errors"
	"fxify-trader/internal/models"
	"fxify-trader/internal/risk"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- FXIFY risk profiles
	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		account_type TEXT NOT NULL,
		profit_target REAL NOT NULL DEFAULT 0,
		max_daily_drawdown REAL NOT NULL,
		max_total_drawdown REAL NOT NULL,
		min_trading_days INTEGER NOT NULL DEFAULT 0,
		trade_size_limit REAL NOT NULL DEFAULT 0,
		allow_news_trading INTEGER NOT NULL DEFAULT 0,
		custom_settings TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Orders blocked by the risk engine
	CREATE TABLE IF NOT EXISTS rule_violations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		profile_id TEXT,
		broker TEXT NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT,
		volume REAL NOT NULL,
		rules TEXT NOT NULL,
		violations TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	-- Historical bars fetched from bridges
	CREATE TABLE IF NOT EXISTS candles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(symbol, timeframe, timestamp)
	);

	-- Drawdown monitor state per active profile
	CREATE TABLE IF NOT EXISTS monitor_state (
		profile_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Key/value settings
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_violations_created ON rule_violations(created_at);
	CREATE INDEX IF NOT EXISTS idx_violations_symbol ON rule_violations(symbol);
	CREATE INDEX IF NOT EXISTS idx_candles_symbol_timeframe ON candles(symbol, timeframe);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func dbError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", apperrors.ErrDatabaseError, op, err)
}

// ============================================================================
// Profiles Methods
// ============================================================================

// LoadProfiles returns every stored profile ordered by creation time.
func (s *SQLiteStore) LoadProfiles(ctx context.Context) ([]models.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, account_type, profit_target, max_daily_drawdown, max_total_drawdown,
		       min_trading_days, trade_size_limit, allow_news_trading, custom_settings, created_at, updated_at
		FROM profiles
		ORDER BY created_at ASC, name ASC
	`)
	if err != nil {
		return nil, dbError("query profiles", err)
	}
	defer rows.Close()

	var profiles []models.Profile
	for rows.Next() {
		var p models.Profile
		var accountType string
		var allowNews int
		var custom sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &accountType, &p.ProfitTarget, &p.MaxDailyDrawdown, &p.MaxTotalDrawdown,
			&p.MinTradingDays, &p.TradeSizeLimit, &allowNews, &custom, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, dbError("scan profile", err)
		}
		p.AccountType = models.AccountType(accountType)
		p.AllowNewsTrading = allowNews != 0
		if custom.Valid && custom.String != "" {
			if err := json.Unmarshal([]byte(custom.String), &p.CustomSettings); err != nil {
				return nil, dbError("decode custom settings", err)
			}
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("iterate profiles", err)
	}
	return profiles, nil
}

// SaveProfiles replaces the stored profile list.
func (s *SQLiteStore) SaveProfiles(ctx context.Context, profiles []models.Profile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError("begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM profiles`); err != nil {
		return dbError("clear profiles", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO profiles (id, name, account_type, profit_target, max_daily_drawdown, max_total_drawdown,
		                      min_trading_days, trade_size_limit, allow_news_trading, custom_settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return dbError("prepare statement", err)
	}
	defer stmt.Close()

	for _, p := range profiles {
		var custom sql.NullString
		if len(p.CustomSettings) > 0 {
			data, err := json.Marshal(p.CustomSettings)
			if err != nil {
				return dbError("encode custom settings", err)
			}
			custom = sql.NullString{String: string(data), Valid: true}
		}
		allowNews := 0
		if p.AllowNewsTrading {
			allowNews = 1
		}
		if _, err := stmt.ExecContext(ctx, p.ID, p.Name, string(p.AccountType), p.ProfitTarget, p.MaxDailyDrawdown,
			p.MaxTotalDrawdown, p.MinTradingDays, p.TradeSizeLimit, allowNews, custom, p.CreatedAt.UTC(), p.UpdatedAt.UTC()); err != nil {
			return dbError("insert profile", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return dbError("commit profiles", err)
	}
	return nil
}

// LoadActiveProfile returns the active profile id, empty when none.
func (s *SQLiteStore) LoadActiveProfile(ctx context.Context) (string, error) {
	return s.GetSetting(ctx, SettingActiveProfile)
}

// SaveActiveProfile stores the active profile id; empty clears it.
func (s *SQLiteStore) SaveActiveProfile(ctx context.Context, id string) error {
	return s.SetSetting(ctx, SettingActiveProfile, id)
}

// ============================================================================
// Rule Violations Methods
// ============================================================================

// RecordViolation stores a blocked order.
func (s *SQLiteStore) RecordViolation(ctx context.Context, rec models.ViolationRecord) error {
	data, err := json.Marshal(rec.Violations)
	if err != nil {
		return dbError("encode violations", err)
	}
	rules := make([]string, len(rec.Violations))
	for i, v := range rec.Violations {
		rules[i] = v.Rule
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rule_violations (profile_id, broker, symbol, direction, volume, rules, violations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ProfileID, rec.Broker, rec.Symbol, string(rec.Direction), rec.Volume, ","+strings.Join(rules, ",")+",", string(data), rec.CreatedAt.UTC())
	if err != nil {
		return dbError("insert violation", err)
	}
	return nil
}

// GetViolations returns violations newest first.
func (s *SQLiteStore) GetViolations(ctx context.Context, filter ViolationFilter) ([]models.ViolationRecord, error) {
	query := `SELECT id, profile_id, broker, symbol, direction, volume, violations, created_at FROM rule_violations WHERE 1=1`
	var args []interface{}

	if filter.ProfileID != "" {
		query += " AND profile_id = ?"
		args = append(args, filter.ProfileID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Rule != "" {
		query += " AND rules LIKE ?"
		args = append(args, "%,"+filter.Rule+",%")
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC())
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("query violations", err)
	}
	defer rows.Close()

	var records []models.ViolationRecord
	for rows.Next() {
		var rec models.ViolationRecord
		var profileID, direction sql.NullString
		var data string
		if err := rows.Scan(&rec.ID, &profileID, &rec.Broker, &rec.Symbol, &direction, &rec.Volume, &data, &rec.CreatedAt); err != nil {
			return nil, dbError("scan violation", err)
		}
		rec.ProfileID = profileID.String
		rec.Direction = models.Direction(direction.String)
		if err := json.Unmarshal([]byte(data), &rec.Violations); err != nil {
			return nil, dbError("decode violations", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("iterate violations", err)
	}
	return records, nil
}

// ============================================================================
// Candles Methods
// ============================================================================

// SaveCandles saves candles to the database.
func (s *SQLiteStore) SaveCandles(ctx context.Context, symbol, timeframe string, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (symbol, timeframe, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return dbError("prepare statement", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, symbol, timeframe, c.Timestamp.UTC(), c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return dbError("insert candle", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return dbError("commit candles", err)
	}
	return nil
}

// GetCandles retrieves candles from the database.
func (s *SQLiteStore) GetCandles(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]models.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND timeframe = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, symbol, timeframe, from.UTC(), to.UTC())
	if err != nil {
		return nil, dbError("query candles", err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, dbError("scan candle", err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("iterate candles", err)
	}
	return candles, nil
}

// GetCandlesFreshness returns the timestamp of the most recent candle.
func (s *SQLiteStore) GetCandlesFreshness(ctx context.Context, symbol, timeframe string) (time.Time, error) {
	var ts sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(timestamp) FROM candles WHERE symbol = ? AND timeframe = ?
	`, symbol, timeframe).Scan(&ts)
	if err != nil && err != sql.ErrNoRows {
		return time.Time{}, dbError("candles freshness", err)
	}
	if !ts.Valid || ts.String == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05-07:00", time.RFC3339Nano} {
		if t, err := time.Parse(layout, ts.String); err == nil {
			return t, nil
		}
	}
	return time.Time{}, dbError("candles freshness", fmt.Errorf("unrecognized timestamp %q", ts.String))
}

// ============================================================================
// Drawdown State Methods
// ============================================================================

// LoadMonitorState returns the saved drawdown monitor for a profile.
func (s *SQLiteStore) LoadMonitorState(ctx context.Context, profileID string) (risk.MonitorState, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM monitor_state WHERE profile_id = ?`, profileID).Scan(&data)
	if err == sql.ErrNoRows {
		return risk.MonitorState{}, false, nil
	}
	if err != nil {
		return risk.MonitorState{}, false, dbError("get monitor state", err)
	}
	var state risk.MonitorState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return risk.MonitorState{}, false, dbError("decode monitor state", err)
	}
	return state, true, nil
}

// SaveMonitorState stores the drawdown monitor under state.ProfileID.
func (s *SQLiteStore) SaveMonitorState(ctx context.Context, state risk.MonitorState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return dbError("encode monitor state", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO monitor_state (profile_id, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(profile_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`, state.ProfileID, string(data), time.Now().UTC())
	if err != nil {
		return dbError("save monitor state", err)
	}
	return nil
}

// DeleteMonitorState forgets the drawdown monitor of a profile.
func (s *SQLiteStore) DeleteMonitorState(ctx context.Context, profileID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM monitor_state WHERE profile_id = ?`, profileID); err != nil {
		return dbError("delete monitor state", err)
	}
	return nil
}

// ============================================================================
// Settings Methods
// ============================================================================

// GetSetting returns a setting value, empty when unset.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", dbError("get setting", err)
	}
	return value, nil
}

// SetSetting stores a setting value.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return dbError("set setting", err)
	}
	return nil
}

var (
	_ DataStore         = (*SQLiteStore)(nil)
	_ risk.MonitorStore = (*SQLiteStore)(nil)
)
