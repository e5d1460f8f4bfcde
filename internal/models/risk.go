package models

import "time"

// Severity grades a rule outcome. Only SeverityError blocks execution.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Blocking reports whether the severity prevents an order from executing.
func (s Severity) Blocking() bool {
	return s == SeverityError
}

// RuleViolation is a single finding produced by a rule evaluator.
type RuleViolation struct {
	Rule     string
	Severity Severity
	Message  string
	Details  map[string]any
}

// ValidationResult is the verdict for a candidate order.
type ValidationResult struct {
	Valid bool
	Rules []RuleViolation
}

// Approved returns a passing result with no findings.
func Approved() ValidationResult {
	return ValidationResult{Valid: true}
}

// Blocking returns the findings that prevent execution.
func (r ValidationResult) Blocking() []RuleViolation {
	var out []RuleViolation
	for _, v := range r.Rules {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Merge folds other into r: findings are concatenated and validity is the conjunction.
func (r ValidationResult) Merge(other ValidationResult) ValidationResult {
	return ValidationResult{
		Valid: r.Valid && other.Valid,
		Rules: append(append([]RuleViolation(nil), r.Rules...), other.Rules...),
	}
}

// AccountType identifies the evaluation programme a profile models.
type AccountType string

const (
	AccountOnePhase       AccountType = "one_phase"
	AccountTwoPhase       AccountType = "two_phase"
	AccountInstantFunding AccountType = "instant_funding"
)

// Profile is a named set of FXIFY risk parameters.
type Profile struct {
	ID               string
	Name             string
	AccountType      AccountType
	ProfitTarget     float64 // fraction of initial balance, e.g. 0.10
	MaxDailyDrawdown float64 // fraction, e.g. 0.04
	MaxTotalDrawdown float64 // fraction, e.g. 0.10
	MinTradingDays   int
	TradeSizeLimit   float64 // lots; zero means no limit
	AllowNewsTrading bool
	CustomSettings   map[string]string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasTradeSizeLimit reports whether the profile caps order volume.
func (p Profile) HasTradeSizeLimit() bool {
	return p.TradeSizeLimit > 0
}

// ViolationRecord is a persisted rejection.
type ViolationRecord struct {
	ID         int64
	ProfileID  string
	Broker     string
	Symbol     string
	Direction  Direction
	Volume     float64
	Violations []RuleViolation
	CreatedAt  time.Time
}
