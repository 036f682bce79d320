package exchange

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotConfigured   = errors.New("exchange: client is not configured")
	ErrRequestFailed   = errors.New("exchange: upstream request failed")
	ErrInvalidResponse = errors.New("exchange: invalid upstream response")
)

// RequestError describes a failed call to the upstream service. The session
// secret and access token never appear in it.
type RequestError struct {
	Operation  string
	StatusCode int
	ErrorCode  string
	Message    string
	Cause      error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ErrRequestFailed.Error()
	}
	base := ErrRequestFailed.Error()
	if op := strings.TrimSpace(e.Operation); op != "" {
		base = "exchange: " + op + " failed"
	}
	if code := strings.TrimSpace(e.ErrorCode); code != "" {
		base += ": " + code
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		base += ": " + msg
	}
	if e.StatusCode > 0 {
		base += fmt.Sprintf(" (status=%d)", e.StatusCode)
	}
	if e.Cause != nil {
		base += ": " + e.Cause.Error()
	}
	return base
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}
