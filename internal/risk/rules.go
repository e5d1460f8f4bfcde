package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "fxify-trader/internal/errors"
	"fxify-trader/internal/logging"
	"fxify-trader/internal/models"
	"fxify-trader/pkg/utils"
)

// Rule names.
const (
	RuleDrawdownLimit  = "drawdown_limit"
	RuleTradeSizeLimit = "trade_size_limit"
	RuleNewsTrading    = "news_trading"
	RuleTradingDays    = "trading_days"
	RuleTradingHours   = "trading_hours"
)

// EvalContext is everything an evaluator may look at.
type EvalContext struct {
	Order         models.OrderRequest
	Profile       models.Profile
	Drawdown      DrawdownSnapshot
	PotentialLoss float64
	Calendar      Calendar
	Now           time.Time
}

// RuleOutcome is an evaluator's verdict. A valid outcome with a severity is
// reported as a non-blocking finding.
type RuleOutcome struct {
	Valid    bool
	Severity models.Severity
	Message  string
	Details  map[string]any
}

// Pass is a valid outcome with nothing to report.
func Pass() RuleOutcome {
	return RuleOutcome{Valid: true}
}

// Fail is a blocking outcome.
func Fail(message string, details map[string]any) RuleOutcome {
	return RuleOutcome{Valid: false, Severity: models.SeverityError, Message: message, Details: details}
}

// Evaluator is a pure rule check. A returned error is treated as a failure of
// the rule itself and blocks the order.
type Evaluator func(EvalContext) (RuleOutcome, error)

type namedEvaluator struct {
	name string
	eval Evaluator
}

// RuleSet runs registered evaluators in registration order.
type RuleSet struct {
	mu    sync.RWMutex
	rules []namedEvaluator
	log   zerolog.Logger
}

// NewRuleSet creates an empty rule set.
func NewRuleSet(logger zerolog.Logger) *RuleSet {
	return &RuleSet{log: logging.WithComponent(logger, "rules")}
}

// DefaultRuleSet registers the built-in FXIFY evaluators.
func DefaultRuleSet(logger zerolog.Logger) *RuleSet {
	rs := NewRuleSet(logger)
	rs.Register(RuleDrawdownLimit, DrawdownLimit)
	rs.Register(RuleTradeSizeLimit, TradeSizeLimit)
	rs.Register(RuleNewsTrading, NewsTrading)
	rs.Register(RuleTradingDays, TradingDays)
	return rs
}

// Register adds an evaluator, replacing any existing one with the same name
// in place.
func (rs *RuleSet) Register(name string, eval Evaluator) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for i, r := range rs.rules {
		if r.name == name {
			rs.rules[i].eval = eval
			return
		}
	}
	rs.rules = append(rs.rules, namedEvaluator{name: name, eval: eval})
}

// Names returns the registered rule names in evaluation order.
func (rs *RuleSet) Names() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	names := make([]string, len(rs.rules))
	for i, r := range rs.rules {
		names[i] = r.name
	}
	return names
}

// Evaluate runs every rule and aggregates the findings. Validity is the
// conjunction of all outcomes.
func (rs *RuleSet) Evaluate(ctx EvalContext) models.ValidationResult {
	rs.mu.RLock()
	rules := append([]namedEvaluator(nil), rs.rules...)
	rs.mu.RUnlock()

	if ctx.Calendar == nil {
		ctx.Calendar = NoEvents{}
	}
	if ctx.Now.IsZero() {
		ctx.Now = time.Now().UTC()
	}

	result := models.Approved()
	for _, r := range rules {
		outcome := rs.run(r, ctx)
		if !outcome.Valid {
			result.Valid = false
		}
		if !outcome.Valid || outcome.Severity != "" {
			severity := outcome.Severity
			if !outcome.Valid {
				severity = models.SeverityError
			}
			result.Rules = append(result.Rules, models.RuleViolation{
				Rule:     r.name,
				Severity: severity,
				Message:  outcome.Message,
				Details:  outcome.Details,
			})
		}
	}
	return result
}

// run executes one evaluator, converting panics and errors into a blocking
// outcome.
func (rs *RuleSet) run(r namedEvaluator, ctx EvalContext) (outcome RuleOutcome) {
	defer func() {
		if p := recover(); p != nil {
			outcome = rs.systemFailure(apperrors.NewValidationSystemError(r.name, fmt.Errorf("panic: %v", p)))
		}
	}()

	out, err := r.eval(ctx)
	if err != nil {
		return rs.systemFailure(apperrors.NewValidationSystemError(r.name, err))
	}
	return out
}

func (rs *RuleSet) systemFailure(err *apperrors.ValidationSystemError) RuleOutcome {
	rs.log.Error().Err(err).Str("rule", err.Rule).Msg("Rule evaluator failed")
	return Fail(err.Error(), map[string]any{"system_error": true})
}

// limits returns the drawdown limits in force, preferring the monitor's.
func limits(ctx EvalContext) (daily, total float64) {
	daily, total = ctx.Drawdown.MaxDailyDrawdown, ctx.Drawdown.MaxTotalDrawdown
	if daily <= 0 {
		daily = ctx.Profile.MaxDailyDrawdown
	}
	if total <= 0 {
		total = ctx.Profile.MaxTotalDrawdown
	}
	return daily, total
}

// DrawdownLimit blocks when a limit is already breached or the order's
// potential loss would breach one, and warns at the critical level.
func DrawdownLimit(ctx EvalContext) (RuleOutcome, error) {
	if !ctx.Drawdown.Initialized {
		return Pass(), nil
	}
	dd := ctx.Drawdown
	dd.MaxDailyDrawdown, dd.MaxTotalDrawdown = limits(ctx)

	if dd.DailyLimitExceeded() {
		return Fail(
			fmt.Sprintf("Daily drawdown %s exceeds limit %s", utils.FormatRatio(dd.DailyDrawdown), utils.FormatRatio(dd.MaxDailyDrawdown)),
			map[string]any{"current": dd.DailyDrawdown, "limit": dd.MaxDailyDrawdown, "type": "daily"},
		), nil
	}
	if dd.TotalLimitExceeded() {
		return Fail(
			fmt.Sprintf("Total drawdown %s exceeds limit %s", utils.FormatRatio(dd.TotalDrawdown), utils.FormatRatio(dd.MaxTotalDrawdown)),
			map[string]any{"current": dd.TotalDrawdown, "limit": dd.MaxTotalDrawdown, "type": "total"},
		), nil
	}

	if ctx.PotentialLoss > 0 {
		if projected := dd.ProjectedDaily(ctx.PotentialLoss); dd.MaxDailyDrawdown > 0 && projected > dd.MaxDailyDrawdown {
			return Fail(
				fmt.Sprintf("Potential loss of %.2f would push daily drawdown to %s (limit %s)",
					ctx.PotentialLoss, utils.FormatRatio(projected), utils.FormatRatio(dd.MaxDailyDrawdown)),
				map[string]any{"projected": projected, "limit": dd.MaxDailyDrawdown, "potential_loss": ctx.PotentialLoss, "type": "daily"},
			), nil
		}
		if projected := dd.ProjectedTotal(ctx.PotentialLoss); dd.MaxTotalDrawdown > 0 && projected > dd.MaxTotalDrawdown {
			return Fail(
				fmt.Sprintf("Potential loss of %.2f would push total drawdown to %s (limit %s)",
					ctx.PotentialLoss, utils.FormatRatio(projected), utils.FormatRatio(dd.MaxTotalDrawdown)),
				map[string]any{"projected": projected, "limit": dd.MaxTotalDrawdown, "potential_loss": ctx.PotentialLoss, "type": "total"},
			), nil
		}
	}

	if dd.Level() == LevelCritical {
		return RuleOutcome{
			Valid:    true,
			Severity: models.SeverityWarning,
			Message:  "Drawdown is at a critical level",
			Details:  map[string]any{"daily": dd.DailyDrawdown, "total": dd.TotalDrawdown},
		}, nil
	}
	return Pass(), nil
}

// TradeSizeLimit blocks orders larger than the profile's lot cap.
func TradeSizeLimit(ctx EvalContext) (RuleOutcome, error) {
	if !ctx.Profile.HasTradeSizeLimit() || ctx.Order.Volume <= ctx.Profile.TradeSizeLimit {
		return Pass(), nil
	}
	return Fail(
		fmt.Sprintf("Volume %.2f exceeds trade size limit %.2f lots", ctx.Order.Volume, ctx.Profile.TradeSizeLimit),
		map[string]any{"limit": ctx.Profile.TradeSizeLimit, "volume": ctx.Order.Volume},
	), nil
}

// NewsTrading blocks orders during high-impact releases unless the profile
// allows news trading.
func NewsTrading(ctx EvalContext) (RuleOutcome, error) {
	if ctx.Profile.AllowNewsTrading {
		return Pass(), nil
	}
	cal := ctx.Calendar
	if cal == nil {
		cal = NoEvents{}
	}
	if !cal.IsHighImpactEventActive(ctx.Order.Symbol, ctx.Now) {
		return Pass(), nil
	}
	return Fail(
		fmt.Sprintf("High-impact news event active for %s", ctx.Order.Symbol),
		map[string]any{"symbol": ctx.Order.Symbol},
	), nil
}

// TradingDays reports progress toward the minimum trading days. It never blocks.
func TradingDays(ctx EvalContext) (RuleOutcome, error) {
	required := ctx.Profile.MinTradingDays
	if required <= 0 {
		return Pass(), nil
	}
	remaining := required - ctx.Drawdown.TradingDays
	if remaining < 0 {
		remaining = 0
	}
	msg := fmt.Sprintf("%d of %d minimum trading days completed", ctx.Drawdown.TradingDays, required)
	return RuleOutcome{
		Valid:    true,
		Severity: models.SeverityInfo,
		Message:  msg,
		Details:  map[string]any{"completed": ctx.Drawdown.TradingDays, "required": required, "remaining": remaining},
	}, nil
}
