package api

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies an exchange rejection
type ErrorKind string

const (
	// ErrorKindInsufficientFunds covers balance and allowance rejections.
	// These are never retried.
	ErrorKindInsufficientFunds ErrorKind = "INSUFFICIENT_FUNDS_OR_ALLOWANCE"
	ErrorKindOther             ErrorKind = "OTHER"
)

// ExchangeError is an order rejection normalized at the client boundary
type ExchangeError struct {
	Kind    ErrorKind
	Message string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange rejected order (%s): %s", e.Kind, e.Message)
}

var fundsMarkers = []string{
	"not enough balance",
	"insufficient balance",
	"insufficient funds",
	"allowance",
}

// ClassifyRejection turns a raw rejection message into an ExchangeError
func ClassifyRejection(msg string) *ExchangeError {
	lower := strings.ToLower(msg)
	for _, marker := range fundsMarkers {
		if strings.Contains(lower, marker) {
			return &ExchangeError{Kind: ErrorKindInsufficientFunds, Message: msg}
		}
	}
	return &ExchangeError{Kind: ErrorKindOther, Message: msg}
}

// IsFundsError reports whether err is a funds or allowance rejection
func IsFundsError(err error) bool {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Kind == ErrorKindInsufficientFunds
	}
	return false
}
