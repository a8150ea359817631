package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrSymbolNotFound surfaces when a symbol cannot be resolved on the
// target exchange/market.
var ErrSymbolNotFound = errors.New("symbol not found")

// ErrorKind classifies exchange failures for retry policy.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota // transient, retry
	KindRateLimit                // retry with backoff
	KindAuth                     // surface, never retry
	KindMarket                   // surface, drop the stream
)

// Error wraps an underlying exchange failure with its classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimit:
		return "rate limit error"
	case KindAuth:
		return "auth error"
	case KindMarket:
		return "market error"
	default:
		return "network error"
	}
}

// Classify inspects an error coming out of the exchange client and maps
// it onto the retry taxonomy. Unknown failures default to network so
// callers keep retrying with backoff.
func Classify(err error) ErrorKind {
	var xerr *Error
	if errors.As(err, &xerr) {
		return xerr.Kind
	}
	if errors.Is(err, ErrSymbolNotFound) {
		return KindMarket
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return KindRateLimit
	case strings.Contains(msg, "api key"), strings.Contains(msg, "signature"), strings.Contains(msg, "unauthorized"), strings.Contains(msg, "permission"):
		return KindAuth
	case strings.Contains(msg, "symbol"), strings.Contains(msg, "market"), strings.Contains(msg, "instrument"):
		return KindMarket
	default:
		return KindNetwork
	}
}

// Retryable reports whether a failure should be retried by stream loops.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindNetwork, KindRateLimit:
		return true
	default:
		return false
	}
}

func wrap(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}
