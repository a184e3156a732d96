// Package errs defines the stable error vocabulary of the simulator.
//
// Components return *Error values (or wrap them); only the HTTP layer
// translates a Code into a wire status.
package errs

import (
	"errors"
	"fmt"
)

// Code is a stable, client-visible error identifier.
type Code string

const (
	InvalidIntent          Code = "InvalidIntent"
	UnknownPosition        Code = "UnknownPosition"
	PositionsOpen          Code = "PositionsOpen"
	InsufficientFunds      Code = "InsufficientFunds"
	OppositePositionOpen   Code = "OppositePositionOpen"
	PositionAlreadyOpen    Code = "PositionAlreadyOpen"
	ConcurrentModification Code = "ConcurrentModification"
	AutoTradingDisabled    Code = "AutoTradingDisabled"
	SignalRejected         Code = "SignalRejected"
	PriceUnavailable       Code = "PriceUnavailable"
	SignalUnavailable      Code = "SignalUnavailable"
	PersistenceError       Code = "PersistenceError"
	Internal               Code = "Internal"
	Unauthorized           Code = "Unauthorized"
)

// Kind groups codes by who is expected to act on them.
type Kind int

const (
	KindValidation Kind = iota
	KindBusiness
	KindDependency
	KindSystemic
	KindAuth
)

var kinds = map[Code]Kind{
	InvalidIntent:          KindValidation,
	UnknownPosition:        KindValidation,
	PositionsOpen:          KindValidation,
	InsufficientFunds:      KindBusiness,
	OppositePositionOpen:   KindBusiness,
	PositionAlreadyOpen:    KindBusiness,
	ConcurrentModification: KindBusiness,
	AutoTradingDisabled:    KindBusiness,
	SignalRejected:         KindBusiness,
	PriceUnavailable:       KindDependency,
	SignalUnavailable:      KindDependency,
	PersistenceError:       KindSystemic,
	Internal:               KindSystemic,
	Unauthorized:           KindAuth,
}

// KindOf returns the kind of a code. Unknown codes are systemic.
func KindOf(c Code) Kind {
	if k, ok := kinds[c]; ok {
		return k
	}
	return KindSystemic
}

// Error is a coded error with a human-readable message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New creates a coded error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so sentinel-style checks work:
// errors.Is(err, errs.New(errs.InsufficientFunds, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// CodeOf extracts the code of err, or Internal when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Has reports whether err carries code.
func Has(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether a client may retry err with backoff.
func Retryable(err error) bool {
	return Has(err, ConcurrentModification)
}
