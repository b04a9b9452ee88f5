// Package apperr holds the error taxonomy shared by both services.
package apperr

import (
	"errors"
	"net/http"
)

// ValidationError reports input with the wrong shape.
// Field is the name of the invalid field; Reason describes why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	msg := "validation failed"
	if e != nil && e.Field != "" {
		msg += ": " + e.Field
	}
	if e != nil && e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// AuthorizeError reports a missing or rejected credential.
type AuthorizeError struct {
	Reason string
}

func (e *AuthorizeError) Error() string {
	if e == nil || e.Reason == "" {
		return "not authorized"
	}
	return "not authorized: " + e.Reason
}

// NotFoundError reports a missing entity. It wraps the store sentinel when there is one.
type NotFoundError struct {
	Entity string
	Err    error
}

func (e *NotFoundError) Error() string {
	if e == nil || e.Entity == "" {
		return "not found"
	}
	return e.Entity + " not found"
}

func (e *NotFoundError) Unwrap() error { return e.Err }

func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func Unauthorized(reason string) error {
	return &AuthorizeError{Reason: reason}
}

func NotFound(entity string, err error) error {
	return &NotFoundError{Entity: entity, Err: err}
}

// HTTPStatus maps an error to the status code returned by the HTTP handlers.
// Anything outside the taxonomy is an internal error.
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		authorize  *AuthorizeError
		notFound   *NotFoundError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &authorize):
		return http.StatusForbidden
	case errors.As(err, &notFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
