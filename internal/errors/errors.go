// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrConnectionTimeout    = errors.New("connection timeout")
	ErrConnectionRefused    = errors.New("connection refused")
	ErrConnectionReset      = errors.New("connection reset")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrCommandTimeout       = errors.New("command timed out")
	ErrProtocolParse        = errors.New("protocol parse error")
	ErrNotConnected         = errors.New("not connected")
	ErrUnknownBroker        = errors.New("unknown broker type")
	ErrInvalidOrder         = errors.New("invalid order")
	ErrPositionNotFound     = errors.New("position not found")
	ErrProfileNotFound      = errors.New("profile not found")
	ErrNoActiveProfile      = errors.New("no active profile")
	ErrConfigInvalid        = errors.New("invalid configuration")
	ErrDatabaseError        = errors.New("database error")
)

// BridgeError is returned when a bridge answers a command with an error field.
type BridgeError struct {
	Command string
	Message string
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge error [%s]: %s", e.Command, e.Message)
}

// NewBridgeError creates a new BridgeError.
func NewBridgeError(command, message string) *BridgeError {
	return &BridgeError{
		Command: command,
		Message: message,
	}
}

// ProtocolError describes a frame that could not be decoded.
type ProtocolError struct {
	Frame string
	Err   error
}

func (e *ProtocolError) Error() string {
	frame := e.Frame
	if len(frame) > 120 {
		frame = frame[:120] + "..."
	}
	if e.Err != nil {
		return fmt.Sprintf("%v: %q: %v", ErrProtocolParse, frame, e.Err)
	}
	return fmt.Sprintf("%v: %q", ErrProtocolParse, frame)
}

// Unwrap lets errors.Is match both ErrProtocolParse and the decode cause.
func (e *ProtocolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProtocolParse}
	}
	return []error{ErrProtocolParse, e.Err}
}

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(frame []byte, err error) *ProtocolError {
	return &ProtocolError{
		Frame: string(frame),
		Err:   err,
	}
}

// ValidationSystemError wraps an unexpected failure inside a rule evaluator.
type ValidationSystemError struct {
	Rule string
	Err  error
}

func (e *ValidationSystemError) Error() string {
	return fmt.Sprintf("validation system error [%s]: %v", e.Rule, e.Err)
}

func (e *ValidationSystemError) Unwrap() error {
	return e.Err
}

// NewValidationSystemError creates a new ValidationSystemError.
func NewValidationSystemError(rule string, err error) *ValidationSystemError {
	return &ValidationSystemError{
		Rule: rule,
		Err:  err,
	}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	Ticket string
	Symbol string
	Action string
	Reason string
	Err    error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.Ticket, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.Ticket, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(ticket, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		Ticket: ticket,
		Symbol: symbol,
		Action: action,
		Reason: reason,
		Err:    err,
	}
}

// ValidationError represents an input validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidOrder
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
