package sync

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by sync operations.
//
// Remote implementations wrap transport and status failures in these so the
// engine can classify them with errors.Is():
//
//	if errors.Is(err, sync.ErrUnauthorized) {
//	    // sign in again
//	}
var (
	// ErrUnauthorized is returned when the server rejects the credential.
	// Retrying does not help.
	ErrUnauthorized = errors.New("not authorized")

	// ErrNoSession is returned when the client has never signed in.
	ErrNoSession = fmt.Errorf("%w: not signed in", ErrUnauthorized)

	// ErrNetwork is returned when a request does not reach the server.
	ErrNetwork = errors.New("network error")

	// ErrOffline is returned when the connectivity probe reports the server
	// unreachable before a cycle starts.
	ErrOffline = errors.New("server unreachable")

	// ErrServer is returned for 5xx responses.
	ErrServer = errors.New("server error")

	// ErrNotFound is returned when the server has no record for the id.
	// On delete this counts as success.
	ErrNotFound = errors.New("not found on server")

	// ErrCycleInProgress is returned when Run is called while another cycle
	// of the same engine is running.
	ErrCycleInProgress = errors.New("sync cycle already in progress")
)

// IsRetryable returns true if the error is likely to succeed on a later
// cycle without user action.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrOffline) ||
		errors.Is(err, ErrServer) ||
		errors.Is(err, ErrCycleInProgress) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsFatal returns true if the error needs user action (a new sign-in)
// before sync can succeed.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
