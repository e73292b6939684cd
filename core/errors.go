package core

import (
	"errors"
	"fmt"
)

// ErrorKind groups error codes by the taxonomy callers act on.
type ErrorKind string

const (
	// KindValidation covers bad input: time window, amount, cap, hint, duplicate identity.
	KindValidation ErrorKind = "VALIDATION"
	// KindState covers operations issued in the wrong lifecycle state.
	KindState ErrorKind = "STATE"
	// KindResource covers exhausted caller-supplied budgets. Retry with a better hint
	// or a larger budget.
	KindResource ErrorKind = "RESOURCE"
	// KindTransfer covers failures of the external ledger or payout collaborators.
	KindTransfer ErrorKind = "TRANSFER"
)

// ErrorCode identifies a specific failure.
type ErrorCode string

const (
	ErrCodeSaleNotOpen      ErrorCode = "SALE_NOT_OPEN"
	ErrCodeSaleClosed       ErrorCode = "SALE_CLOSED"
	ErrCodeInvalidAmount    ErrorCode = "INVALID_AMOUNT"
	ErrCodeInvalidCap       ErrorCode = "INVALID_CAP"
	ErrCodeInvalidHint      ErrorCode = "INVALID_HINT"
	ErrCodeDuplicateBid     ErrorCode = "DUPLICATE_BID"
	ErrCodeNotAllowed       ErrorCode = "NOT_ALLOWED"
	ErrCodeUnknownBid       ErrorCode = "UNKNOWN_BID"
	ErrCodeNotBidder        ErrorCode = "NOT_BIDDER"
	ErrCodeTooLate          ErrorCode = "TOO_LATE"
	ErrCodeAlreadyWithdrawn ErrorCode = "ALREADY_WITHDRAWN"
	ErrCodeSaleNotEnded     ErrorCode = "SALE_NOT_ENDED"
	ErrCodeNotFinalized     ErrorCode = "NOT_FINALIZED"
	ErrCodeAlreadyRedeemed  ErrorCode = "ALREADY_REDEEMED"
	ErrCodeInvalidPosition  ErrorCode = "INVALID_POSITION"
	ErrCodeTransferFailed   ErrorCode = "TRANSFER_FAILED"
)

var codeKinds = map[ErrorCode]ErrorKind{
	ErrCodeSaleNotOpen:      KindValidation,
	ErrCodeSaleClosed:       KindValidation,
	ErrCodeInvalidAmount:    KindValidation,
	ErrCodeInvalidCap:       KindValidation,
	ErrCodeInvalidHint:      KindValidation,
	ErrCodeDuplicateBid:     KindValidation,
	ErrCodeNotAllowed:       KindValidation,
	ErrCodeUnknownBid:       KindValidation,
	ErrCodeNotBidder:        KindValidation,
	ErrCodeTooLate:          KindState,
	ErrCodeAlreadyWithdrawn: KindState,
	ErrCodeSaleNotEnded:     KindState,
	ErrCodeNotFinalized:     KindState,
	ErrCodeAlreadyRedeemed:  KindState,
	ErrCodeInvalidPosition:  KindResource,
	ErrCodeTransferFailed:   KindTransfer,
}

// Error is returned by every failing Auction operation. The operation that returned it
// made no state change, apart from recording external transfer legs that succeeded.
type Error struct {
	Kind    ErrorKind
	Code    ErrorCode
	Message string
	BidID   BidID
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.BidID != 0 {
		msg = fmt.Sprintf("%s (bid=%d)", msg, e.BidID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newError(code ErrorCode, id BidID, format string, args ...any) *Error {
	return &Error{
		Kind:    codeKinds[code],
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		BidID:   id,
	}
}

func transferError(id BidID, leg string, err error) *Error {
	e := newError(ErrCodeTransferFailed, id, "%s failed", leg)
	e.Err = err
	return e
}

func sentinel(code ErrorCode, msg string) *Error {
	return &Error{Kind: codeKinds[code], Code: code, Message: msg}
}

var (
	ErrSaleNotOpen      = sentinel(ErrCodeSaleNotOpen, "sale has not started")
	ErrSaleClosed       = sentinel(ErrCodeSaleClosed, "sale has ended")
	ErrInvalidAmount    = sentinel(ErrCodeInvalidAmount, "invalid amount")
	ErrInvalidCap       = sentinel(ErrCodeInvalidCap, "invalid valuation cap")
	ErrInvalidHint      = sentinel(ErrCodeInvalidHint, "invalid position hint")
	ErrDuplicateBid     = sentinel(ErrCodeDuplicateBid, "bidder already has an active bid")
	ErrNotAllowed       = sentinel(ErrCodeNotAllowed, "bidder not allowed")
	ErrUnknownBid       = sentinel(ErrCodeUnknownBid, "unknown bid")
	ErrNotBidder        = sentinel(ErrCodeNotBidder, "caller is not the bidder")
	ErrTooLate          = sentinel(ErrCodeTooLate, "withdrawals are locked")
	ErrAlreadyWithdrawn = sentinel(ErrCodeAlreadyWithdrawn, "bid already withdrawn")
	ErrSaleNotEnded     = sentinel(ErrCodeSaleNotEnded, "sale has not ended")
	ErrNotFinalized     = sentinel(ErrCodeNotFinalized, "sale is not finalized")
	ErrAlreadyRedeemed  = sentinel(ErrCodeAlreadyRedeemed, "bid already redeemed")
	ErrInvalidPosition  = sentinel(ErrCodeInvalidPosition, "insertion walk exceeded its budget")
	ErrTransferFailed   = sentinel(ErrCodeTransferFailed, "external transfer failed")
)

func isKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return isKind(err, KindValidation) }

// IsState reports whether err is a lifecycle state error.
func IsState(err error) bool { return isKind(err, KindState) }

// IsResource reports whether err is an exhausted-budget error.
func IsResource(err error) bool { return isKind(err, KindResource) }

// IsTransfer reports whether err came from an external collaborator.
func IsTransfer(err error) bool { return isKind(err, KindTransfer) }
