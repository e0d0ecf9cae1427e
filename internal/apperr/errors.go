package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindConfiguration    Kind = "configuration"
	KindConflict         Kind = "conflict"
	KindExternalProvider Kind = "external_provider"
	KindValidation       Kind = "validation"
)

// Error carries a Kind through any amount of %w wrapping so callers and the
// HTTP layer can branch on it.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...interface{}) error {
	return newError(KindNotFound, format, args...)
}

func Configuration(format string, args ...interface{}) error {
	return newError(KindConfiguration, format, args...)
}

func Conflict(format string, args ...interface{}) error {
	return newError(KindConflict, format, args...)
}

func Validation(format string, args ...interface{}) error {
	return newError(KindValidation, format, args...)
}

// ExternalProvider wraps a failure returned by a notification or voice provider.
func ExternalProvider(provider string, err error) error {
	return &Error{Kind: KindExternalProvider, Msg: fmt.Sprintf("%s provider failed", provider), Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or "" if none.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

func IsNotFound(err error) bool      { return KindOf(err) == KindNotFound }
func IsConfiguration(err error) bool { return KindOf(err) == KindConfiguration }
func IsConflict(err error) bool      { return KindOf(err) == KindConflict }
func IsValidation(err error) bool    { return KindOf(err) == KindValidation }
func IsExternal(err error) bool      { return KindOf(err) == KindExternalProvider }

// HTTPStatus maps an error to the status code the API reports for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindConfiguration:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindExternalProvider:
		return http.StatusBadGateway
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
