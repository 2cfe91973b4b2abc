package game

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindState               ErrorKind = "state"
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindConflict            ErrorKind = "conflict"
	KindUpstream            ErrorKind = "upstream"
	KindUnauthenticated     ErrorKind = "unauthenticated"
)

// Error is a rejected request. Code is the machine-readable reason sent
// to clients; two errors are the same (errors.Is) when their codes match.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// with returns a copy carrying a more specific message.
func (e *Error) with(format string, args ...interface{}) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

func (e *Error) wrap(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

var (
	ErrInvalidRequest       = &Error{Kind: KindValidation, Code: "invalid_request", Message: "malformed request"}
	ErrBetOutOfRange        = &Error{Kind: KindValidation, Code: "bet_out_of_range", Message: "stake outside allowed range"}
	ErrMultiplierNotReached = &Error{Kind: KindValidation, Code: "multiplier_not_reached", Message: "requested multiplier not reached yet"}

	ErrGameDisabled   = &Error{Kind: KindState, Code: "game_disabled", Message: "game is disabled"}
	ErrBettingClosed  = &Error{Kind: KindState, Code: "betting_closed", Message: "betting is closed"}
	ErrRoundNotFlying = &Error{Kind: KindState, Code: "round_not_flying", Message: "cannot cash out now"}
	ErrRoundCrashed   = &Error{Kind: KindState, Code: "round_crashed", Message: "round already crashed"}
	ErrBetNotFound    = &Error{Kind: KindState, Code: "bet_not_found", Message: "bet not found in current round"}
	ErrNotBetOwner    = &Error{Kind: KindState, Code: "not_bet_owner", Message: "bet belongs to another user"}

	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance, Code: "insufficient_balance", Message: "insufficient balance"}

	ErrPanelInUse     = &Error{Kind: KindConflict, Code: "panel_in_use", Message: "a bet is already placed on this panel"}
	ErrAlreadySettled = &Error{Kind: KindConflict, Code: "already_settled", Message: "bet already settled"}

	ErrUpstream = &Error{Kind: KindUpstream, Code: "upstream_unavailable", Message: "service temporarily unavailable"}

	ErrUnauthenticated = &Error{Kind: KindUnauthenticated, Code: "unauthenticated", Message: "missing or invalid session token"}
)

// CodeOf returns the client-facing reason for err.
func CodeOf(err error) string {
	var gameErr *Error
	if errors.As(err, &gameErr) {
		return gameErr.Code
	}
	return ErrUpstream.Code
}

// KindOf classifies err; unknown errors count as upstream failures.
func KindOf(err error) ErrorKind {
	var gameErr *Error
	if errors.As(err, &gameErr) {
		return gameErr.Kind
	}
	return KindUpstream
}
