// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrAuthentication is matched (errors.Is) by every authentication failure
var ErrAuthentication = errors.New("authentication required")

// ErrUnsyncable is matched by codec errors for records that can never be transmitted
var ErrUnsyncable = errors.New("record cannot be synced")

// AuthError reports a 401/403 response or a token source failure.
// The request may succeed unchanged once the user re-authenticates.
type AuthError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: authentication failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: authentication failed (status %d)", e.Op, e.StatusCode)
}

func (e *AuthError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrAuthentication, e.Err}
	}
	return []error{ErrAuthentication}
}

// TransientError reports a failure that may succeed on retry: timeouts,
// refused connections, 5xx, 408 and 429
type TransientError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: server returned status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError reports a request the backend rejected; retrying it unchanged cannot succeed
type ValidationError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: rejected (status %d): %s", e.Op, e.StatusCode, e.Message)
}

// MalformedRecordError reports one listing entry that could not be decoded
type MalformedRecordError struct {
	Index int   // position in the listing
	ID    int64 // remote id when it could be read
	Err   error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed remote entry #%d (id=%d): %v", e.Index, e.ID, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// IsAuth reports whether err is an authentication failure
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// IsTransient reports whether err may succeed on retry
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsValidation reports whether err is a permanent rejection
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrUnsyncable)
}

// IsNotFound reports whether the backend answered 404
func IsNotFound(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.StatusCode == http.StatusNotFound
}

func classifyStatus(op string, status int, message string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Op: op, StatusCode: status}
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return &TransientError{Op: op, StatusCode: status, Err: errors.New(message)}
	default:
		return &ValidationError{Op: op, StatusCode: status, Message: message}
	}
}
