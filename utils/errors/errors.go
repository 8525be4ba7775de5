package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind groups error codes into the categories callers branch on.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindTransport    Kind = "transport"
	KindInternal     Kind = "internal"
)

// APIError represents a custom error type for API responses
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Kind    Kind   `json:"kind"`
	Details string `json:"details,omitempty"`

	cause error
}

// Error returns the error message
func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on Code so a detailed copy still matches its sentinel.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	return ok && t.Code == e.Code
}

func (e *APIError) Unwrap() error { return e.cause }

// Retryable reports whether the same call may succeed later.
func (e *APIError) Retryable() bool { return e.Kind == KindTransport }

// WithCause returns a copy of e carrying err as details and unwrap target.
func (e *APIError) WithCause(err error) *APIError {
	cp := *e
	cp.cause = err
	if err != nil {
		cp.Details = err.Error()
	}
	return &cp
}

func NewAPIError(code, message string, status int, details ...string) *APIError {
	err := &APIError{
		Code:    code,
		Message: message,
		Status:  status,
		Kind:    kindForStatus(status),
	}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

var (
	ErrInvalidInput = NewAPIError("INVALID_INPUT", "Invalid request data", http.StatusBadRequest)
	ErrUnauthorized = NewAPIError("UNAUTHORIZED", "Authentication required", http.StatusUnauthorized)
	ErrNotFound     = NewAPIError("NOT_FOUND", "Resource not found", http.StatusNotFound)
	ErrInternal     = NewAPIError("INTERNAL_SERVER_ERROR", "Internal server error", http.StatusInternalServerError)
	ErrConflict     = NewAPIError("CONFLICT", "Resource conflict", http.StatusConflict)
	ErrTransport    = NewAPIError("STORE_UNAVAILABLE", "Remote store is unavailable, try again", http.StatusServiceUnavailable)

	ErrInvalidTarget    = NewAPIError("INVALID_TARGET", "You cannot send a friend request to yourself", http.StatusBadRequest)
	ErrInvalidLocation  = NewAPIError("INVALID_LOCATION", "Coordinates are out of range", http.StatusBadRequest)
	ErrUserNotFound     = NewAPIError("USER_NOT_FOUND", "User not found", http.StatusNotFound)
	ErrUserExists       = NewAPIError("USER_EXISTS", "An account with this email already exists", http.StatusConflict)
	ErrAlreadyFriends   = NewAPIError("ALREADY_FRIENDS", "You are already friends", http.StatusConflict)
	ErrDuplicateRequest = NewAPIError("DUPLICATE_REQUEST", "A friend request between you is already pending", http.StatusConflict)
	ErrRequestNotFound  = NewAPIError("REQUEST_NOT_FOUND", "Friend request not found", http.StatusNotFound)
	ErrRequestResolved  = NewAPIError("REQUEST_RESOLVED", "Friend request was already answered", http.StatusNotFound)
	ErrRequestForbidden = NewAPIError("REQUEST_FORBIDDEN", "Only the receiver can answer this friend request", http.StatusForbidden)

	ErrPermissionDenied = NewAPIError("LOCATION_PERMISSION_DENIED", "Location permission was denied", http.StatusForbidden)
	ErrAlreadyStarted   = NewAPIError("ALREADY_STARTED", "Subscription is already running", http.StatusConflict)
)

func Wrap(err error, code, message string, status int) *APIError {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr
	}
	return NewAPIError(code, message, status).WithCause(err)
}

// Transport marks err as a retryable store/network failure.
func Transport(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return err
	}
	return ErrTransport.WithCause(err)
}

// KindOf returns the category of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindInternal
}

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func New(text string) error { return stderrors.New(text) }

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest:
		return KindValidation
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindConflict
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusBadGateway:
		return KindTransport
	default:
		return KindInternal
	}
}
