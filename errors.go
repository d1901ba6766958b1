package assetcache

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidState is returned when a lifecycle operation is attempted
	// in a state that does not allow it, e.g. activating before installing.
	ErrInvalidState = errors.New("invalid worker state")
	// ErrNoWorker is returned when a message is posted to a registration
	// that has neither a waiting nor an active worker.
	ErrNoWorker = errors.New("no worker to deliver to")
	// ErrNotInstalled is returned by Resume when the worker's cache
	// does not hold its complete manifest.
	ErrNotInstalled = errors.New("cache is not installed")
)

// PrecacheError is returned by Install when a manifest URL could not be fetched
// or returned an unusable response. Nothing from the manifest is stored.
type PrecacheError struct {
	URL string
	// StatusCode is set when the origin answered with an unusable status.
	StatusCode int
	Err        error
}

func (e *PrecacheError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("precache %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("precache %s: status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *PrecacheError) Unwrap() error {
	return e.Err
}

// NetworkError is returned by RoundTrip when a request missed the cache
// and the network could not answer it.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
