// Package reject defines the stable rejection codes returned to order
// submitters. Client-input and policy rejections are synchronous and mutate
// no state; retry is always the caller's responsibility.
package reject

import "fmt"

// Code is a stable, machine-readable rejection reason.
type Code string

const (
	// Client-input errors: rejected before any state mutation.
	CodeInvalidSignature Code = "InvalidSignature"
	CodeExpiredOrder     Code = "ExpiredOrder"
	CodeNonceReplay      Code = "NonceReplay"

	// Policy rejections: rejected at admission, before matching.
	CodeLeverageExceeded   Code = "LeverageExceeded"
	CodeInsufficientMargin Code = "InsufficientMargin"
	CodeTradingDisabled    Code = "TradingDisabled"
	CodeSlippageExceeded   Code = "SlippageExceeded"

	// Malformed request surface (bad integers, unknown instrument).
	CodeBadRequest Code = "BadRequest"
)

// Error carries a stable code plus a human-readable message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds a rejection with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the rejection code from an error, or "" if the error is
// not a rejection.
func CodeOf(err error) Code {
	if rej, ok := err.(*Error); ok {
		return rej.Code
	}
	return ""
}
