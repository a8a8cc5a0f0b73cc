package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a single-row lookup matches nothing.
	ErrNotFound = errors.New("not found")

	// ErrNotAuthenticated is returned when an operation needs a session and
	// none is available.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// FetchError reports that the initial bulk read for a scope failed.
type FetchError struct {
	Scope Scope
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Scope, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// WriteError reports that the store rejected a create or delete.
type WriteError struct {
	// Op is "upsert" or "delete".
	Op  string
	ID  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ValidationError reports input rejected before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StreamError reports a dropped change-feed connection. It is never returned
// from a controller operation; it shows up as a connection state change.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("change stream: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
