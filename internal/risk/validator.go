package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxify-trader/internal/logging"
	"fxify-trader/internal/models"
	"fxify-trader/pkg/utils"
)

// DefaultFallbackLossPercent is the share of balance assumed at risk when an
// order carries no stop loss.
const DefaultFallbackLossPercent = 0.01

// ValidatorConfig wires a Validator.
type ValidatorConfig struct {
	Modes               *ModeManager
	Monitor             *DrawdownMonitor
	Rules               *RuleSet
	Calendar            Calendar
	Pips                *PipTable
	FallbackLossPercent float64
	Now                 func() time.Time
	Logger              zerolog.Logger
}

// Validator runs the pre-execution checks for a candidate order.
type Validator struct {
	modes           *ModeManager
	monitor         *DrawdownMonitor
	rules           *RuleSet
	calendar        Calendar
	pips            *PipTable
	fallbackPercent float64
	now             func() time.Time
	log             zerolog.Logger
}

// NewValidator creates a validator. Missing collaborators get defaults.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.Monitor == nil {
		cfg.Monitor = NewDrawdownMonitor(MonitorConfig{Logger: cfg.Logger})
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRuleSet(cfg.Logger)
	}
	if cfg.Calendar == nil {
		cfg.Calendar = NoEvents{}
	}
	if cfg.Pips == nil {
		cfg.Pips = NewPipTable(DefaultPip)
	}
	if cfg.FallbackLossPercent <= 0 || cfg.FallbackLossPercent > 1 {
		cfg.FallbackLossPercent = DefaultFallbackLossPercent
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Validator{
		modes:           cfg.Modes,
		monitor:         cfg.Monitor,
		rules:           cfg.Rules,
		calendar:        cfg.Calendar,
		pips:            cfg.Pips,
		fallbackPercent: cfg.FallbackLossPercent,
		now:             cfg.Now,
		log:             logging.WithComponent(cfg.Logger, "validator"),
	}
}

// Monitor returns the drawdown monitor the validator reads.
func (v *Validator) Monitor() *DrawdownMonitor { return v.monitor }

// Rules returns the rule set, for registering additional evaluators.
func (v *Validator) Rules() *RuleSet { return v.rules }

func (v *Validator) activeProfile() (models.Profile, bool) {
	if v.modes == nil {
		return models.Profile{}, false
	}
	return v.modes.Active()
}

// ValidateOrder checks order against the active profile. With no active
// profile every order is approved. The drawdown, trading-hours and news
// pre-checks short-circuit; otherwise the full rule set decides.
func (v *Validator) ValidateOrder(order models.OrderRequest, balance float64) models.ValidationResult {
	profile, ok := v.activeProfile()
	if !ok {
		return models.Approved()
	}
	now := v.now().UTC()

	loss := v.EstimatePotentialLoss(order, balance)

	if res := v.checkDrawdown(profile, loss); !res.Valid {
		v.logRejection(order, res)
		return res
	}
	if res := v.CheckTradingHours(order.Symbol, now); !res.Valid {
		v.logRejection(order, res)
		return res
	}
	if res := v.checkNews(profile, order.Symbol, now); !res.Valid {
		v.logRejection(order, res)
		return res
	}

	res := v.rules.Evaluate(EvalContext{
		Order:         order,
		Profile:       profile,
		Drawdown:      v.monitor.Snapshot(),
		PotentialLoss: loss,
		Calendar:      v.calendar,
		Now:           now,
	})
	if !res.Valid {
		v.logRejection(order, res)
	}
	return res
}

func (v *Validator) logRejection(order models.OrderRequest, res models.ValidationResult) {
	log := logging.WithSymbol(v.log, order.Symbol)
	for _, r := range res.Blocking() {
		log.Warn().
			Str("rule", r.Rule).
			Float64("volume", order.Volume).
			Msg(r.Message)
	}
}

// CheckDrawdownLimits is the fast drawdown pre-check for a potential loss
// against the active profile. Only blocking findings are reported.
func (v *Validator) CheckDrawdownLimits(potentialLoss float64) models.ValidationResult {
	profile, ok := v.activeProfile()
	if !ok {
		return models.Approved()
	}
	return v.checkDrawdown(profile, potentialLoss)
}

func (v *Validator) checkDrawdown(profile models.Profile, potentialLoss float64) models.ValidationResult {
	outcome, _ := DrawdownLimit(EvalContext{
		Profile:       profile,
		Drawdown:      v.monitor.Snapshot(),
		PotentialLoss: potentialLoss,
	})
	if outcome.Valid {
		return models.Approved()
	}
	return models.ValidationResult{Valid: false, Rules: []models.RuleViolation{{
		Rule:     RuleDrawdownLimit,
		Severity: models.SeverityError,
		Message:  outcome.Message,
		Details:  outcome.Details,
	}}}
}

// CheckTradingHours rejects UTC weekends. Weekdays are open around the clock.
func (v *Validator) CheckTradingHours(symbol string, now time.Time) models.ValidationResult {
	if utils.IsFXMarketOpen(now) {
		return models.Approved()
	}
	return models.ValidationResult{Valid: false, Rules: []models.RuleViolation{{
		Rule:     RuleTradingHours,
		Severity: models.SeverityError,
		Message:  fmt.Sprintf("Market closed for %s on %s (UTC)", symbol, now.UTC().Weekday()),
		Details:  map[string]any{"symbol": symbol, "weekday": now.UTC().Weekday().String(), "reopens": utils.NextMarketOpen(now)},
	}}}
}

// CheckNewsEvents rejects orders during a high-impact release when the active
// profile disallows news trading.
func (v *Validator) CheckNewsEvents(symbol string, now time.Time) models.ValidationResult {
	profile, ok := v.activeProfile()
	if !ok {
		return models.Approved()
	}
	return v.checkNews(profile, symbol, now)
}

func (v *Validator) checkNews(profile models.Profile, symbol string, now time.Time) models.ValidationResult {
	outcome, _ := NewsTrading(EvalContext{
		Order:    models.OrderRequest{Symbol: symbol},
		Profile:  profile,
		Calendar: v.calendar,
		Now:      now,
	})
	if outcome.Valid {
		return models.Approved()
	}
	return models.ValidationResult{Valid: false, Rules: []models.RuleViolation{{
		Rule:     RuleNewsTrading,
		Severity: models.SeverityError,
		Message:  outcome.Message,
		Details:  outcome.Details,
	}}}
}

// EstimatePotentialLoss returns the account-currency loss if the stop is hit:
// volume × |price − stopLoss| / pipSize × pipValue. Without a stop, or without
// a reference price, it assumes the fallback share of balance.
func (v *Validator) EstimatePotentialLoss(order models.OrderRequest, balance float64) float64 {
	if !order.HasStopLoss() || order.Price <= 0 {
		loss, _ := decimal.NewFromFloat(balance).Mul(decimal.NewFromFloat(v.fallbackPercent)).Float64()
		return loss
	}

	spec := v.pips.Lookup(order.Symbol)
	distance := decimal.NewFromFloat(order.Price).Sub(decimal.NewFromFloat(order.StopLoss)).Abs()
	pips := distance.Div(decimal.NewFromFloat(spec.Size))
	loss, _ := decimal.NewFromFloat(order.Volume).Mul(pips).Mul(decimal.NewFromFloat(spec.Value)).Float64()
	return loss
}

// ValidatePositionModification approves protective-only changes, validates a
// volume increase as a new order for the increment and passes anything else.
func (v *Validator) ValidatePositionModification(pos models.Position, mod models.OrderModification, balance float64) models.ValidationResult {
	if _, ok := v.activeProfile(); !ok {
		return models.Approved()
	}
	if mod.OnlyProtective() {
		return models.Approved()
	}
	if mod.Volume == nil || *mod.Volume <= pos.Volume {
		return models.Approved()
	}

	synthetic := models.OrderRequest{
		Symbol:    pos.Symbol,
		Direction: pos.Direction,
		Volume:    *mod.Volume - pos.Volume,
		Price:     pos.CurrentPrice,
		StopLoss:  pos.StopLoss,
		Type:      models.OrderTypeMarket,
	}
	if synthetic.Price <= 0 {
		synthetic.Price = pos.OpenPrice
	}
	if mod.StopLoss != nil {
		synthetic.StopLoss = *mod.StopLoss
	}
	return v.ValidateOrder(synthetic, balance)
}
