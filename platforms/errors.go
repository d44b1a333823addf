package platforms

import (
	"errors"
	"fmt"

	"game-library-sync/models"
)

// ErrorKind classifies adapter failures.
type ErrorKind int

const (
	KindNotFound    ErrorKind = iota + 1 // unknown or invalid account
	KindPrivate                          // account exists, data is not visible
	KindRateLimited                      // platform or local quota exhausted
	KindNetwork                          // transport failure, 5xx, open breaker
	KindMalformed                        // unexpected response shape
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPrivate:
		return "private"
	case KindRateLimited:
		return "rate_limited"
	case KindNetwork:
		return "network"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Error is returned by every adapter operation that fails.
type Error struct {
	Kind       ErrorKind
	Platform   models.Platform
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Platform, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(p models.Platform, kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Platform: p, Op: op, Err: err}
}

// KindOf extracts the kind of an adapter error anywhere in the chain.
func KindOf(err error) (ErrorKind, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind, true
	}
	return 0, false
}

// IsTransient reports errors worth retrying.
func IsTransient(err error) bool {
	kind, ok := KindOf(err)
	return ok && (kind == KindRateLimited || kind == KindNetwork)
}

// IsTerminal reports account-level errors that disable automatic syncs.
func IsTerminal(err error) bool {
	kind, ok := KindOf(err)
	return ok && (kind == KindNotFound || kind == KindPrivate)
}
