// Package errclass classifies runner failures into retryable and fatal
// categories and drives the retry delay.
package errclass

import (
	"errors"
	"fmt"
)

// NetworkError is a connection-level failure: reset, refused, timeout.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: network: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitError is returned when the venue throttles requests.
type RateLimitError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited (status %d): %v", e.Op, e.StatusCode, e.Err)
}
func (e *RateLimitError) Unwrap() error { return e.Err }

// UnavailableError is a 5xx or maintenance response from the venue.
type UnavailableError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: exchange unavailable (status %d): %v", e.Op, e.StatusCode, e.Err)
}
func (e *UnavailableError) Unwrap() error { return e.Err }

// InvalidResponseError is a malformed or non-JSON response body.
type InvalidResponseError struct {
	Op  string
	Err error
}

func (e *InvalidResponseError) Error() string { return fmt.Sprintf("%s: invalid response: %v", e.Op, e.Err) }
func (e *InvalidResponseError) Unwrap() error { return e.Err }

// DBUnavailableError wraps storage failures that are expected to heal.
type DBUnavailableError struct {
	Op  string
	Err error
}

func (e *DBUnavailableError) Error() string { return fmt.Sprintf("%s: database unavailable: %v", e.Op, e.Err) }
func (e *DBUnavailableError) Unwrap() error { return e.Err }

var (
	// ErrMasterFeedStale aborts a tick when the price-follow source is too old.
	ErrMasterFeedStale = errors.New("master price feed is stale")
	// ErrMarketDataInvalid marks a non-finite or non-positive quote.
	ErrMarketDataInvalid = errors.New("market data invalid")
)
