// Package chaterr defines the error taxonomy shared by the chat client
// components. Every failure a caller can see is one of the typed errors
// below, possibly wrapping one of the sentinels.
package chaterr

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNoCredential = errors.New("not signed in")
	ErrNotConnected = errors.New("channel not connected")
	ErrClosed       = errors.New("channel closed")
	ErrEmptyMessage = errors.New("message has no text, media or files")
	ErrNoGroup      = errors.New("no group selected")
	ErrNotLoaded    = errors.New("group not loaded")
	ErrLoadInFlight = errors.New("load already in flight")
	// ErrStale is returned when a response arrived after the session was reset.
	ErrStale = errors.New("response discarded after session reset")
)

// AuthError reports a failed sign-in. Bad credentials and an unreachable
// auth service both surface as AuthError.
type AuthError struct {
	Username string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("sign-in failed for %q: %v", e.Username, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectionError reports a channel that could not be opened.
type ConnectionError struct {
	URL    string
	Status int
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("connect %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// FetchError reports a failed REST call. GroupID is empty for calls that
// are not scoped to a group.
type FetchError struct {
	Op      string
	GroupID string
	Err     error
}

func (e *FetchError) Error() string {
	if e.GroupID != "" {
		return fmt.Sprintf("%s (group %s): %v", e.Op, e.GroupID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SendError reports a message that did not reach the hub, or that the hub
// rejected. The caller's input is left intact for resubmission.
type SendError struct {
	RequestID string
	Target    string
	Err       error
}

func (e *SendError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("send %s (request %s): %v", e.Target, e.RequestID, e.Err)
	}
	return fmt.Sprintf("send %s: %v", e.Target, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// PayloadTooLargeError is a local precondition failure; the payload never
// reaches the network.
type PayloadTooLargeError struct {
	Size  int64
	Limit int64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload of %s exceeds the %s limit",
		humanize.IBytes(uint64(e.Size)), humanize.IBytes(uint64(e.Limit)))
}

// StatusError is returned by HTTP collaborators for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.Code == http.StatusUnauthorized
}

// IsUnauthorized reports whether err was caused by a rejected bearer token.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
