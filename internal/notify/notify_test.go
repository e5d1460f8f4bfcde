package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxify-trader/internal/events"
	"fxify-trader/internal/models"
	"fxify-trader/internal/risk"
)

type recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Send(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

type failing struct{}

func (failing) Name() string { return "failing" }
func (failing) Send(context.Context, Notification) error { return errors.New("boom") }

type modeFlag bool

func (m modeFlag) IsActive() bool { return bool(m) }

func TestMultiNotifierFiltersByPriority(t *testing.T) {
	rec := &recorder{}
	mn := NewMultiNotifier(PriorityWarning, rec)

	require.NoError(t, mn.Send(context.Background(), Notification{Kind: KindConnection, Priority: PriorityInfo}))
	require.NoError(t, mn.Send(context.Background(), Notification{Kind: KindDrawdown, Priority: PriorityCritical}))

	sent := rec.all()
	require.Len(t, sent, 1)
	assert.Equal(t, KindDrawdown, sent[0].Kind)
	assert.False(t, sent[0].Timestamp.IsZero())
}

func TestMultiNotifierContinuesPastFailures(t *testing.T) {
	rec := &recorder{}
	mn := NewMultiNotifier(PriorityInfo, failing{})
	mn.AddChannel(rec)

	err := mn.Send(context.Background(), Notification{Kind: KindViolation, Priority: PriorityWarning})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing: boom")
	assert.Len(t, rec.all(), 1)
}

func TestWebhookPostsJSON(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhookNotifier(srv.URL)
	err := wh.Send(context.Background(), Notification{
		Kind:      KindViolation,
		Priority:  PriorityWarning,
		Title:     "Order blocked",
		Symbol:    "XAUUSD",
		Timestamp: time.Date(2024, 6, 12, 14, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "violation", got["kind"])
	assert.Equal(t, "warning", got["priority"])
	assert.Equal(t, "XAUUSD", got["symbol"])
	assert.Equal(t, "2024-06-12T14:00:00Z", got["timestamp"])
}

func TestWebhookRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Notification{Kind: KindDrawdown})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestTerminalNotifierBell(t *testing.T) {
	var buf bytes.Buffer
	tn := NewTerminalNotifier(&buf, true, false)
	ts := time.Date(2024, 6, 12, 9, 30, 5, 0, time.UTC)

	require.NoError(t, tn.Send(context.Background(), Notification{Kind: KindConnection, Priority: PriorityInfo, Title: "Reconnected", Timestamp: ts}))
	require.NoError(t, tn.Send(context.Background(), Notification{Kind: KindDrawdown, Priority: PriorityCritical, Title: "limit", Timestamp: ts}))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[09:30:05] ● CONNECTION | Reconnected", lines[0])
	assert.Equal(t, "\a[09:30:05] ✖ DRAWDOWN | limit", lines[1])
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityCritical, ParsePriority("CRITICAL"))
	assert.Equal(t, PriorityWarning, ParsePriority("warning"))
	assert.Equal(t, PriorityInfo, ParsePriority(""))
}

func waitFor(t *testing.T, rec *recorder, n int) []Notification {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sent := rec.all(); len(sent) >= n {
			return sent
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d notifications, got %d", n, len(rec.all()))
	return nil
}

func TestAlerterDrawdownTransitions(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	monitor := risk.NewDrawdownMonitor(risk.MonitorConfig{})
	monitor.Initialize(100000, 0.05, 0.10)
	bus.Subscribe(events.Account, func(e events.Event) {
		monitor.UpdateBalance(e.Account.Balance, e.Account.Equity)
	})

	rec := &recorder{}
	a := NewAlerter(AlerterConfig{Bus: bus, Monitor: monitor, Modes: modeFlag(true), Sender: rec})
	a.Start(context.Background())

	equity := func(v float64) {
		bus.Publish(events.Event{Type: events.Account, Broker: "mt5", Account: &models.AccountSnapshot{Balance: 100000, Equity: v}})
	}
	equity(99000) // 1%: still safe
	equity(95900) // 4.1%: warning
	equity(95800) // unchanged level
	equity(95000) // 5%: critical
	equity(99500) // safe again

	sent := waitFor(t, rec, 3)
	a.Stop()

	require.Len(t, sent, 3)
	assert.Equal(t, PriorityWarning, sent[0].Priority)
	assert.Equal(t, PriorityCritical, sent[1].Priority)
	assert.Equal(t, PriorityInfo, sent[2].Priority)
	assert.Equal(t, "critical", sent[1].Data["level"])
	assert.Equal(t, "mt5", sent[1].Broker)
}

func TestAlerterIgnoresDrawdownWhenModeOff(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	monitor := risk.NewDrawdownMonitor(risk.MonitorConfig{})
	monitor.Initialize(100000, 0.05, 0.10)
	monitor.UpdateBalance(100000, 90000)

	rec := &recorder{}
	a := NewAlerter(AlerterConfig{Bus: bus, Monitor: monitor, Modes: modeFlag(false), Sender: rec})
	a.Start(context.Background())
	bus.Publish(events.Event{Type: events.Account, Account: &models.AccountSnapshot{Balance: 100000, Equity: 90000}})
	a.Stop()

	assert.Empty(t, rec.all())
}

func TestAlerterViolationsAndReconnect(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	rec := &recorder{}
	a := NewAlerter(AlerterConfig{Bus: bus, Sender: rec})
	a.Start(context.Background())

	bus.Publish(events.Event{Type: events.Connected, Broker: "mt4"})
	bus.Publish(events.Event{
		Type:    events.RuleViolation,
		Broker:  "mt4",
		Request: &models.OrderRequest{Symbol: "GBPUSD", Direction: models.DirectionSell, Volume: 4},
		Violations: []models.RuleViolation{
			{Rule: risk.RuleTradeSizeLimit, Severity: models.SeverityError},
			{Rule: risk.RuleTradingDays, Severity: models.SeverityInfo},
		},
	})
	bus.Publish(events.Event{Type: events.Disconnected, Broker: "mt4", Err: errors.New("EOF")})
	bus.Publish(events.Event{Type: events.Connected, Broker: "mt4"})
	a.Stop()

	sent := rec.all()
	require.Len(t, sent, 3)
	assert.Equal(t, KindViolation, sent[0].Kind)
	assert.Equal(t, "GBPUSD", sent[0].Symbol)
	assert.Equal(t, risk.RuleTradeSizeLimit, sent[0].Message)
	assert.Equal(t, "Connection lost", sent[1].Title)
	assert.Equal(t, "EOF", sent[1].Message)
	assert.Equal(t, "Reconnected", sent[2].Title)
}
