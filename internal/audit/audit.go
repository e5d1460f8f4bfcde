// Package audit provides the append-only audit trail for connections, orders
// and risk decisions.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"fxify-trader/internal/models"
)

// Level grades an audit entry.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Sink receives audit entries.
type Sink interface {
	LogEvent(level Level, message string, context map[string]any)
}

// Nop discards every entry.
type Nop struct{}

func (Nop) LogEvent(Level, string, map[string]any) {}

// Entry is a single audit line.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	SessionID string         `json:"session_id"`
	Context   map[string]any `json:"context,omitempty"`
}

// Config holds audit logger configuration.
type Config struct {
	LogDir     string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		LogDir:     filepath.Join(home, ".config", "fxify-trader", "audit"),
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365,
		Compress:   true,
	}
}

// Logger writes entries as JSON lines.
type Logger struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	sessionID string
	now       func() time.Time
}

// New creates a file-backed audit logger with rotation.
func New(cfg Config) (*Logger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	w := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "audit.log"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	l := NewWriter(w)
	l.closer = w
	return l, nil
}

// NewWriter creates an audit logger over an arbitrary writer.
func NewWriter(w io.Writer) *Logger {
	return &Logger{
		w:         w,
		sessionID: ulid.Make().String(),
		now:       time.Now,
	}
}

// SessionID identifies this process's entries.
func (l *Logger) SessionID() string { return l.sessionID }

// LogEvent appends one entry. Sensitive context values are masked. Write
// failures are reported on stderr so auditing never blocks trading.
func (l *Logger) LogEvent(level Level, message string, context map[string]any) {
	entry := Entry{
		Timestamp: l.now().UTC(),
		Level:     level,
		Message:   message,
		SessionID: l.sessionID,
		Context:   maskContext(context),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		data, _ = json.Marshal(Entry{
			Timestamp: entry.Timestamp,
			Level:     level,
			Message:   message,
			SessionID: l.sessionID,
			Context:   map[string]any{"marshal_error": err.Error()},
		})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(data, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "audit: write failed: %v\n", err)
	}
}

// Close closes the underlying file, if any.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

var sensitiveKeys = []string{"password", "secret", "token", "credential"}

func maskContext(ctx map[string]any) map[string]any {
	if len(ctx) == 0 {
		return nil
	}
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[k] = v
		lower := strings.ToLower(k)
		for _, s := range sensitiveKeys {
			if strings.Contains(lower, s) {
				out[k] = "****"
				break
			}
		}
	}
	return out
}

// Connection records a bridge connect or disconnect.
func Connection(s Sink, broker string, connected bool, err error) {
	ctx := map[string]any{"broker": broker, "connected": connected}
	level := LevelInfo
	msg := "Bridge connected"
	if !connected {
		msg = "Bridge disconnected"
	}
	if err != nil {
		ctx["error"] = err.Error()
		level = LevelWarning
	}
	s.LogEvent(level, msg, ctx)
}

// Order records an order mutation and its outcome.
func Order(s Sink, broker, action string, req models.OrderRequest, res *models.OrderResult, err error) {
	ctx := map[string]any{
		"broker":    broker,
		"action":    action,
		"symbol":    req.Symbol,
		"direction": string(req.Direction),
		"volume":    req.Volume,
	}
	if req.Price > 0 {
		ctx["price"] = req.Price
	}
	if req.StopLoss > 0 {
		ctx["stop_loss"] = req.StopLoss
	}
	if req.TakeProfit > 0 {
		ctx["take_profit"] = req.TakeProfit
	}

	level := LevelInfo
	switch {
	case err != nil:
		level = LevelError
		ctx["error"] = err.Error()
	case res != nil && !res.Success:
		level = LevelWarning
		ctx["message"] = res.Message
	case res != nil:
		ctx["ticket"] = res.Ticket
		ctx["fill_price"] = res.Price
	}
	s.LogEvent(level, "Order "+action, ctx)
}

// RuleViolation records an order blocked by the risk engine.
func RuleViolation(s Sink, broker string, req models.OrderRequest, violations []models.RuleViolation) {
	rules := make([]string, 0, len(violations))
	messages := make([]string, 0, len(violations))
	for _, v := range violations {
		rules = append(rules, v.Rule)
		messages = append(messages, v.Message)
	}
	s.LogEvent(LevelWarning, "Order blocked by FXIFY rules", map[string]any{
		"broker":   broker,
		"symbol":   req.Symbol,
		"volume":   req.Volume,
		"rules":    rules,
		"messages": messages,
	})
}
