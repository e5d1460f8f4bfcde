// Package execution gates order flow through the FXIFY risk engine.
package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fxify-trader/internal/audit"
	"fxify-trader/internal/broker"
	apperrors "fxify-trader/internal/errors"
	"fxify-trader/internal/events"
	"fxify-trader/internal/logging"
	"fxify-trader/internal/models"
	"fxify-trader/internal/risk"
	"fxify-trader/pkg/utils"
)

// DefaultCommentTag marks orders placed under FXIFY mode.
const DefaultCommentTag = "FXIFY"

// RuleUnknownTicket blocks a volume change on a ticket the bridge does not
// report, since its exposure cannot be measured.
const RuleUnknownTicket = "unknown_ticket"

// ViolationRecorder persists rejected orders.
type ViolationRecorder interface {
	RecordViolation(ctx context.Context, rec models.ViolationRecord) error
}

// Config wires a GatedBroker.
type Config struct {
	Validator  *risk.Validator
	Modes      *risk.ModeManager
	Audit      audit.Sink
	Recorder   ViolationRecorder
	CommentTag string
	// Refresh controls retries when re-reading the account after a trade.
	Refresh utils.RetryConfig
	Logger  zerolog.Logger
}

// GatedBroker wraps any broker.Broker. With FXIFY mode off it is a
// transparent pass-through; with it on, new risk is validated first and the
// drawdown monitor is kept current after every fill.
type GatedBroker struct {
	broker.Broker

	validator *risk.Validator
	monitor   *risk.DrawdownMonitor
	modes     *risk.ModeManager
	audit     audit.Sink
	recorder  ViolationRecorder
	tag       string
	refresh   utils.RetryConfig
	log       zerolog.Logger

	saveMu   sync.Mutex
	lastSave time.Time
}

// pushSaveInterval bounds how often pushed account updates are persisted.
const pushSaveInterval = time.Second

// New wraps inner.
func New(inner broker.Broker, cfg Config) *GatedBroker {
	if cfg.Validator == nil {
		cfg.Validator = risk.NewValidator(risk.ValidatorConfig{Modes: cfg.Modes, Logger: cfg.Logger})
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
	}
	if cfg.CommentTag == "" {
		cfg.CommentTag = DefaultCommentTag
	}
	if cfg.Refresh.MaxAttempts == 0 {
		cfg.Refresh = utils.RetryConfig{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}
	}

	g := &GatedBroker{
		Broker:    inner,
		validator: cfg.Validator,
		monitor:   cfg.Validator.Monitor(),
		modes:     cfg.Modes,
		audit:     cfg.Audit,
		recorder:  cfg.Recorder,
		tag:       "[" + cfg.CommentTag + "] ",
		refresh:   cfg.Refresh,
		log:       logging.WithComponent(logging.WithBroker(cfg.Logger, inner.Name(), string(inner.Type())), "gate"),
	}
	inner.Events().Subscribe(events.Account, g.onAccount)
	return g
}

// Unwrap returns the wrapped broker.
func (g *GatedBroker) Unwrap() broker.Broker { return g.Broker }

// Monitor returns the drawdown monitor fed by this adapter.
func (g *GatedBroker) Monitor() *risk.DrawdownMonitor { return g.monitor }

func (g *GatedBroker) active() (models.Profile, bool) {
	if g.modes == nil {
		return models.Profile{}, false
	}
	return g.modes.Active()
}

// Connect connects the wrapped broker and, in FXIFY mode, seeds the drawdown
// monitor from a fresh account read.
func (g *GatedBroker) Connect(ctx context.Context) error {
	err := g.Broker.Connect(ctx)
	audit.Connection(g.audit, g.Name(), err == nil, err)
	if err != nil {
		return err
	}
	if profile, ok := g.active(); ok {
		if _, err := g.seed(ctx, profile); err != nil {
			g.log.Warn().Err(err).Msg("Failed to seed drawdown monitor")
		}
	}
	return nil
}

// Disconnect disconnects the wrapped broker.
func (g *GatedBroker) Disconnect(ctx context.Context) error {
	err := g.Broker.Disconnect(ctx)
	audit.Connection(g.audit, g.Name(), false, err)
	return err
}

// seed initializes the monitor on first use and refreshes it otherwise,
// returning the current balance.
func (g *GatedBroker) seed(ctx context.Context, profile models.Profile) (float64, error) {
	acct, err := g.fetchAccount(ctx)
	if err != nil {
		return 0, err
	}
	if !g.monitor.Initialized() {
		g.monitor.Initialize(acct.Balance, profile.MaxDailyDrawdown, profile.MaxTotalDrawdown)
	}
	g.monitor.UpdateBalance(acct.Balance, acct.Equity)
	g.persist(ctx)
	return acct.Balance, nil
}

// persist saves the monitor so the next session resumes from it.
func (g *GatedBroker) persist(ctx context.Context) {
	if g.modes == nil {
		return
	}
	g.saveMu.Lock()
	g.lastSave = time.Now()
	g.saveMu.Unlock()
	if err := g.modes.SaveMonitorState(ctx); err != nil {
		g.log.Warn().Err(err).Msg("Failed to save drawdown state")
	}
}

func (g *GatedBroker) saveDue() bool {
	g.saveMu.Lock()
	defer g.saveMu.Unlock()
	return time.Since(g.lastSave) >= pushSaveInterval
}

func (g *GatedBroker) fetchAccount(ctx context.Context) (*models.AccountSnapshot, error) {
	return utils.RetryWithResult(ctx, g.refresh, func() (*models.AccountSnapshot, error) {
		return g.Broker.GetAccountInfo(ctx)
	})
}

// refreshMonitor pushes the latest balance and equity into the monitor.
func (g *GatedBroker) refreshMonitor(ctx context.Context) {
	if _, ok := g.active(); !ok {
		return
	}
	acct, err := g.fetchAccount(ctx)
	if err != nil {
		g.log.Warn().Err(err).Msg("Failed to refresh account after trade")
	} else {
		g.monitor.UpdateBalance(acct.Balance, acct.Equity)
	}
	g.persist(ctx)
}

// onAccount keeps the monitor current from pushed account updates.
func (g *GatedBroker) onAccount(e events.Event) {
	if e.Account == nil || !g.monitor.Initialized() {
		return
	}
	if _, ok := g.active(); !ok {
		return
	}
	before := g.monitor.WarningLevel()
	g.monitor.UpdateBalance(e.Account.Balance, e.Account.Equity)
	after := g.monitor.WarningLevel()
	if after != before || g.saveDue() {
		g.persist(context.Background())
	}
	if after != before && after != risk.LevelSafe {
		snap := g.monitor.Snapshot()
		g.log.Warn().
			Str("level", string(after)).
			Float64("daily", snap.DailyDrawdown).
			Float64("total", snap.TotalDrawdown).
			Msg("Drawdown warning level changed")
		g.audit.LogEvent(audit.LevelWarning, "Drawdown warning level changed", map[string]any{
			"broker": g.Name(),
			"level":  string(after),
			"daily":  snap.DailyDrawdown,
			"total":  snap.TotalDrawdown,
		})
	}
}

// PlaceMarketOrder validates and places a market order.
func (g *GatedBroker) PlaceMarketOrder(ctx context.Context, order models.OrderRequest) (*models.OrderResult, error) {
	return g.place(ctx, "market", order, g.Broker.PlaceMarketOrder)
}

// PlacePendingOrder validates and places a pending order.
func (g *GatedBroker) PlacePendingOrder(ctx context.Context, order models.OrderRequest) (*models.OrderResult, error) {
	return g.place(ctx, "pending", order, g.Broker.PlacePendingOrder)
}

type placeFunc func(context.Context, models.OrderRequest) (*models.OrderResult, error)

func (g *GatedBroker) place(ctx context.Context, kind string, order models.OrderRequest, fn placeFunc) (*models.OrderResult, error) {
	profile, ok := g.active()
	if !ok {
		return fn(ctx, order)
	}

	balance, err := g.seed(ctx, profile)
	if err != nil {
		return nil, apperrors.Wrap(err, "reading account for risk check")
	}

	res := g.validator.ValidateOrder(g.withReferencePrice(order), balance)
	if !res.Valid {
		return g.reject(ctx, profile, order, res), nil
	}

	order = g.prepare(order, profile)
	result, err := fn(ctx, order)
	audit.Order(g.audit, g.Name(), kind, order, result, err)
	if err == nil && result != nil && result.Success {
		g.monitor.RecordTrade()
		g.refreshMonitor(ctx)
	}
	return result, err
}

// withReferencePrice fills a market order's price from the last quote so the
// stop distance can be measured.
func (g *GatedBroker) withReferencePrice(order models.OrderRequest) models.OrderRequest {
	if order.Price > 0 {
		return order
	}
	if q, ok := g.Cache().Quote(order.Symbol); ok {
		if order.Direction == models.DirectionBuy && q.Ask > 0 {
			order.Price = q.Ask
		} else if order.Direction == models.DirectionSell && q.Bid > 0 {
			order.Price = q.Bid
		} else {
			order.Price = q.Mid()
		}
	}
	return order
}

// prepare clamps volume to the profile limit and tags the comment.
func (g *GatedBroker) prepare(order models.OrderRequest, profile models.Profile) models.OrderRequest {
	if profile.HasTradeSizeLimit() && order.Volume > profile.TradeSizeLimit {
		g.log.Info().
			Str("symbol", order.Symbol).
			Float64("requested", order.Volume).
			Float64("limit", profile.TradeSizeLimit).
			Msg("Clamping volume to trade size limit")
		order.Volume = profile.TradeSizeLimit
	}
	if !strings.HasPrefix(order.Comment, g.tag) {
		order.Comment = g.tag + order.Comment
	}
	return order
}

// reject publishes, audits and records a blocked order and builds the result
// returned to the caller.
func (g *GatedBroker) reject(ctx context.Context, profile models.Profile, order models.OrderRequest, res models.ValidationResult) *models.OrderResult {
	blocking := res.Blocking()
	messages := make([]string, 0, len(blocking))
	for _, v := range blocking {
		messages = append(messages, v.Message)
		logging.LogViolation(g.log, order.Symbol, v.Rule, v.Message)
	}

	g.Events().Publish(events.Event{
		Type:       events.RuleViolation,
		Broker:     g.Name(),
		Request:    &order,
		Violations: res.Rules,
	})
	audit.RuleViolation(g.audit, g.Name(), order, blocking)

	if g.recorder != nil {
		rec := models.ViolationRecord{
			ProfileID:  profile.ID,
			Broker:     g.Name(),
			Symbol:     order.Symbol,
			Direction:  order.Direction,
			Volume:     order.Volume,
			Violations: blocking,
			CreatedAt:  time.Now().UTC(),
		}
		if err := g.recorder.RecordViolation(ctx, rec); err != nil {
			g.log.Error().Err(err).Msg("Failed to record rule violation")
		}
	}

	return &models.OrderResult{
		Success:    false,
		Message:    "FXIFY rule violation: " + strings.Join(messages, "; "),
		Volume:     order.Volume,
		Violations: res.Rules,
	}
}

// ModifyOrder validates volume increases; protective changes pass straight through.
func (g *GatedBroker) ModifyOrder(ctx context.Context, ticket string, mod models.OrderModification) (*models.OrderResult, error) {
	profile, ok := g.active()
	if !ok {
		return g.Broker.ModifyOrder(ctx, ticket, mod)
	}

	pos, found := g.lookup(ctx, ticket)
	if !found && mod.Volume != nil {
		order := models.OrderRequest{Volume: *mod.Volume, Comment: "modify " + ticket}
		return g.reject(ctx, profile, order, models.ValidationResult{Rules: []models.RuleViolation{{
			Rule:     RuleUnknownTicket,
			Severity: models.SeverityError,
			Message:  fmt.Sprintf("Ticket %s is not an open position or pending order; volume change refused", ticket),
			Details:  map[string]any{"ticket": ticket, "volume": *mod.Volume},
		}}}), nil
	}
	if found && !mod.OnlyProtective() {
		balance, err := g.seed(ctx, profile)
		if err != nil {
			return nil, apperrors.Wrap(err, "reading account for risk check")
		}
		res := g.validator.ValidatePositionModification(pos, mod, balance)
		if !res.Valid {
			order := models.OrderRequest{Symbol: pos.Symbol, Direction: pos.Direction, Volume: pos.Volume, Comment: "modify " + ticket}
			if mod.Volume != nil {
				order.Volume = *mod.Volume
			}
			return g.reject(ctx, profile, order, res), nil
		}
		if mod.Volume != nil && profile.HasTradeSizeLimit() && *mod.Volume > profile.TradeSizeLimit {
			clamped := profile.TradeSizeLimit
			mod.Volume = &clamped
		}
	}

	result, err := g.Broker.ModifyOrder(ctx, ticket, mod)
	if err == nil && result != nil && result.Success {
		g.refreshMonitor(ctx)
	}
	return result, err
}

// lookup finds ticket among cached positions, then resting orders,
// reloading both from the bridge once on a miss.
func (g *GatedBroker) lookup(ctx context.Context, ticket string) (models.Position, bool) {
	cache := g.Cache()
	if p, ok := cache.Position(ticket); ok {
		return p, true
	}
	if o, ok := cache.Order(ticket); ok {
		return orderAsPosition(o), true
	}
	if positions, err := g.Broker.GetPositions(ctx); err == nil {
		for _, p := range positions {
			if p.Ticket == ticket {
				return p, true
			}
		}
	}
	if orders, err := g.Broker.GetOrders(ctx); err == nil {
		for _, o := range orders {
			if o.Ticket == ticket {
				return orderAsPosition(o), true
			}
		}
	}
	return models.Position{}, false
}

func orderAsPosition(o models.Order) models.Position {
	return models.Position{
		Ticket:       o.Ticket,
		Symbol:       o.Symbol,
		Direction:    o.Direction,
		Volume:       o.Volume,
		OpenPrice:    o.OpenPrice,
		CurrentPrice: o.OpenPrice,
		StopLoss:     o.StopLoss,
		TakeProfit:   o.TakeProfit,
		Status:       o.Status,
	}
}

// ClosePosition is never gated.
func (g *GatedBroker) ClosePosition(ctx context.Context, ticket string, volume float64) (*models.OrderResult, error) {
	result, err := g.Broker.ClosePosition(ctx, ticket, volume)
	if err == nil && result != nil && result.Success {
		g.refreshMonitor(ctx)
	}
	return result, err
}

// CloseAllPositions closes every open position independently. One failure
// does not stop the sweep; Success is true only if every close succeeded.
func (g *GatedBroker) CloseAllPositions(ctx context.Context) (*models.CloseAllResult, error) {
	positions, err := g.Broker.GetPositions(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, "listing positions")
	}

	result := &models.CloseAllResult{Total: len(positions), Details: make([]models.CloseDetail, 0, len(positions))}
	for _, p := range positions {
		detail := models.CloseDetail{Ticket: p.Ticket, Symbol: p.Symbol}
		res, err := g.Broker.ClosePosition(ctx, p.Ticket, 0)
		var failure error
		switch {
		case err != nil:
			failure = apperrors.NewOrderError(p.Ticket, p.Symbol, "close", "bridge error", err)
		case res == nil || !res.Success:
			reason := "close rejected"
			if res != nil && res.Message != "" {
				reason = res.Message
			}
			failure = apperrors.NewOrderError(p.Ticket, p.Symbol, "close", reason, nil)
		default:
			detail.Success = true
			result.Closed++
		}
		if failure != nil {
			detail.Error = failure.Error()
			g.log.Warn().Err(failure).Str("ticket", p.Ticket).Msg("Close failed")
		}
		result.Details = append(result.Details, detail)
	}
	result.Success = result.Closed == result.Total

	g.audit.LogEvent(audit.LevelInfo, "Close all positions", map[string]any{
		"broker": g.Name(),
		"closed": result.Closed,
		"total":  result.Total,
	})
	if result.Closed > 0 {
		g.refreshMonitor(ctx)
	}
	return result, nil
}

var _ broker.Broker = (*GatedBroker)(nil)
