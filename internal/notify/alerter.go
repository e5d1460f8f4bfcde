package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fxify-trader/internal/events"
	"fxify-trader/internal/logging"
	"fxify-trader/internal/risk"
	"fxify-trader/pkg/utils"
)

// ModeState reports whether FXIFY mode is on.
type ModeState interface {
	IsActive() bool
}

// AlerterConfig wires an Alerter.
type AlerterConfig struct {
	Bus     *events.Bus
	Monitor *risk.DrawdownMonitor
	Modes   ModeState
	Sender  Sender
	// QueueSize bounds undelivered notifications; the oldest is dropped
	// when full.
	QueueSize int
	Logger    zerolog.Logger
}

// Alerter turns bus events into notifications: drawdown level changes,
// blocked orders and connection changes. Delivery runs on its own goroutine.
type Alerter struct {
	cfg   AlerterConfig
	log   zerolog.Logger
	queue chan Notification
	done  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	level  risk.WarningLevel
	lost   bool
	tokens []events.Token

	wg sync.WaitGroup
}

// NewAlerter creates an Alerter. Call Start to begin watching.
func NewAlerter(cfg AlerterConfig) *Alerter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Alerter{
		cfg:   cfg,
		log:   logging.WithComponent(cfg.Logger, "alerter"),
		queue: make(chan Notification, cfg.QueueSize),
		done:  make(chan struct{}),
		level: risk.LevelSafe,
	}
}

// Start subscribes to the bus and delivers notifications until ctx is done
// or Stop is called.
func (a *Alerter) Start(ctx context.Context) {
	a.mu.Lock()
	if a.cfg.Monitor != nil && a.cfg.Monitor.Initialized() {
		a.level = a.cfg.Monitor.WarningLevel()
	}
	a.tokens = []events.Token{
		a.cfg.Bus.Subscribe(events.Account, a.onAccount),
		a.cfg.Bus.Subscribe(events.RuleViolation, a.onViolation),
		a.cfg.Bus.Subscribe(events.Disconnected, a.onDisconnected),
		a.cfg.Bus.Subscribe(events.Connected, a.onConnected),
	}
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.done:
				for {
					select {
					case n := <-a.queue:
						a.deliver(ctx, n)
					default:
						return
					}
				}
			case n := <-a.queue:
				a.deliver(ctx, n)
			}
		}
	}()
}

func (a *Alerter) deliver(ctx context.Context, n Notification) {
	if err := a.cfg.Sender.Send(ctx, n); err != nil {
		a.log.Warn().Err(err).Str("kind", string(n.Kind)).Msg("Notification delivery failed")
	}
}

// Stop unsubscribes, delivers what is queued and waits for the worker.
func (a *Alerter) Stop() {
	a.mu.Lock()
	for _, t := range a.tokens {
		a.cfg.Bus.Unsubscribe(t)
	}
	a.tokens = nil
	a.mu.Unlock()
	a.once.Do(func() { close(a.done) })
	a.wg.Wait()
}

func (a *Alerter) enqueue(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	select {
	case a.queue <- n:
		return
	default:
	}
	select {
	case <-a.queue:
		a.log.Debug().Msg("Notification queue full, dropping oldest")
	default:
	}
	select {
	case a.queue <- n:
	default:
	}
}

func (a *Alerter) onAccount(e events.Event) {
	if a.cfg.Monitor == nil || a.cfg.Modes == nil || !a.cfg.Modes.IsActive() || !a.cfg.Monitor.Initialized() {
		return
	}
	snap := a.cfg.Monitor.Snapshot()
	level := snap.Level()

	a.mu.Lock()
	prev := a.level
	a.level = level
	a.mu.Unlock()
	if level == prev {
		return
	}

	n := Notification{
		Kind:      KindDrawdown,
		Broker:    e.Broker,
		Timestamp: e.Timestamp,
		Message: fmt.Sprintf("daily %s of %s, total %s of %s",
			utils.FormatRatio(snap.DailyDrawdown), utils.FormatRatio(snap.MaxDailyDrawdown),
			utils.FormatRatio(snap.TotalDrawdown), utils.FormatRatio(snap.MaxTotalDrawdown)),
		Data: map[string]interface{}{
			"level":          string(level),
			"previous_level": string(prev),
			"daily":          snap.DailyDrawdown,
			"total":          snap.TotalDrawdown,
		},
	}
	switch level {
	case risk.LevelCritical:
		n.Priority = PriorityCritical
		n.Title = "Drawdown limit reached, new orders blocked"
	case risk.LevelWarning:
		n.Priority = PriorityWarning
		n.Title = "Drawdown approaching limit"
	default:
		n.Priority = PriorityInfo
		n.Title = "Drawdown back to safe"
	}
	a.enqueue(n)
}

func (a *Alerter) onViolation(e events.Event) {
	rules := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Severity.Blocking() {
			rules = append(rules, v.Rule)
		}
	}
	n := Notification{
		Kind:      KindViolation,
		Priority:  PriorityWarning,
		Title:     "Order blocked",
		Message:   strings.Join(rules, ", "),
		Broker:    e.Broker,
		Timestamp: e.Timestamp,
	}
	if e.Request != nil {
		n.Symbol = e.Request.Symbol
		n.Data = map[string]interface{}{
			"direction": string(e.Request.Direction),
			"volume":    e.Request.Volume,
		}
	}
	a.enqueue(n)
}

func (a *Alerter) onDisconnected(e events.Event) {
	a.mu.Lock()
	a.lost = true
	a.mu.Unlock()
	msg := "bridge connection closed"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	a.enqueue(Notification{
		Kind:      KindConnection,
		Priority:  PriorityCritical,
		Title:     "Connection lost",
		Message:   msg,
		Broker:    e.Broker,
		Timestamp: e.Timestamp,
	})
}

func (a *Alerter) onConnected(e events.Event) {
	a.mu.Lock()
	reconnect := a.lost
	a.lost = false
	a.mu.Unlock()
	if !reconnect {
		return
	}
	a.enqueue(Notification{
		Kind:      KindConnection,
		Priority:  PriorityInfo,
		Title:     "Reconnected",
		Broker:    e.Broker,
		Timestamp: e.Timestamp,
	})
}
