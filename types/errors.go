package types

import (
	"errors"
	"fmt"
)

// Error codes. Verification-outcome codes double as VerificationResult
// reasons; the HTTP layer outside this module maps codes to status classes.
const (
	ErrPriceUnavailable    = "PRICE_UNAVAILABLE"
	ErrTransactionNotFound = "TRANSACTION_NOT_FOUND"
	ErrWrongRecipient      = "WRONG_RECIPIENT"
	ErrAmountMismatch      = "AMOUNT_MISMATCH"
	ErrAlreadySettled      = "ALREADY_SETTLED"
	ErrPaymentExpired      = "PAYMENT_EXPIRED"
	ErrInvalidAddress      = "INVALID_ADDRESS"
	ErrInvalidSignature    = "INVALID_SIGNATURE"
	ErrSignatureMismatch   = "SIGNATURE_MISMATCH"
	ErrChallengeNotFound   = "CHALLENGE_NOT_FOUND"
	ErrInvalidNonce        = "INVALID_NONCE"
	ErrWalletAlreadyLinked = "WALLET_ALREADY_LINKED"
	ErrNotFound            = "NOT_FOUND"
	ErrChainUnavailable    = "CHAIN_UNAVAILABLE"
	ErrPaymentNotFound     = "PAYMENT_NOT_FOUND"
	ErrConfigError         = "CONFIG_ERROR"
	ErrValidation          = "VALIDATION_ERROR"
)

// Error is the module's error type: a stable code for programmatic
// handling, a human-readable message, and an optional underlying cause.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an Error with a formatted message.
func E(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around an underlying cause.
func Wrap(code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the error code, or empty when err is not a module error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}
