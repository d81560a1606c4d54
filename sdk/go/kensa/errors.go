// Package kensa provides a Go client for the Kensa eval-run API.
package kensa

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a non-2xx answer from the Kensa API.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("kensa: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func hasStatus(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return hasStatus(err, http.StatusUnauthorized) }

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool { return hasStatus(err, http.StatusForbidden) }

// IsRateLimited returns true if the error is a 429.
func IsRateLimited(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }

// IsConflict returns true if the error is a 409, e.g. cancelling a finished run.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// ErrRunNotFinished is returned by Decision when the run has not reached FINISHED.
var ErrRunNotFinished = errors.New("kensa: run is not finished")
