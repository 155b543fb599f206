// Package errs defines the error vocabulary shared by every stash service.
//
// Each failure surfaced at the API boundary unwraps to exactly one of the
// sentinel kinds below, so transports can map errors to status codes without
// inspecting internal state.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict reports a uniqueness violation (duplicate identity, folder name).
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized reports a failed credential check. It intentionally does
	// not distinguish "no such identity" from "wrong credential".
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound reports a missing identity, item, folder, token, or upload session.
	ErrNotFound = errors.New("not found")

	// ErrExpired reports an item past its retention window.
	ErrExpired = errors.New("expired")

	// ErrInvalidRequest reports malformed input (bad chunk range, missing field).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrResourceExceeded reports an upload over the configured size ceiling.
	ErrResourceExceeded = errors.New("resource exceeded")

	// ErrRateLimited reports a client throttled for sending too many requests.
	ErrRateLimited = errors.New("rate limited")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Kind must be one of the sentinel kinds above; Msg may carry human-readable
// context and must never include credentials.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// New builds an OpError.
func New(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// Kind returns the sentinel kind an error unwraps to, or nil for untyped errors.
func Kind(err error) error {
	for _, k := range []error{
		ErrConflict, ErrUnauthorized, ErrNotFound,
		ErrExpired, ErrInvalidRequest, ErrResourceExceeded, ErrRateLimited,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsUnauthorized reports whether err represents ErrUnauthorized.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsExpired reports whether err represents ErrExpired.
func IsExpired(err error) bool { return errors.Is(err, ErrExpired) }

// IsInvalidRequest reports whether err represents ErrInvalidRequest.
func IsInvalidRequest(err error) bool { return errors.Is(err, ErrInvalidRequest) }

// IsResourceExceeded reports whether err represents ErrResourceExceeded.
func IsResourceExceeded(err error) bool { return errors.Is(err, ErrResourceExceeded) }

// IsRateLimited reports whether err represents ErrRateLimited.
func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }
