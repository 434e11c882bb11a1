// Package apierr defines the error taxonomy shared by the control plane and
// worker HTTP surfaces. Every handler-facing error is one of seven
// categories; the category alone determines the HTTP status an Error is
// answered with.
package apierr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Category is one of the seven taxonomy buckets. Each maps to exactly one
// HTTP status, keeping the mapping obvious at the call site.
type Category string

const (
	Validation    Category = "validation"
	Authorization Category = "authorization"
	Forbidden     Category = "forbidden"
	Conflict      Category = "conflict"
	Precondition  Category = "precondition"
	Transient     Category = "transient"
	Fatal         Category = "fatal"
)

var statusByCategory = map[Category]int{
	Validation:    http.StatusBadRequest,
	Authorization: http.StatusUnauthorized,
	Forbidden:     http.StatusForbidden,
	Conflict:      http.StatusConflict,
	Precondition:  http.StatusPreconditionFailed,
	Transient:     http.StatusBadGateway,
	Fatal:         http.StatusInternalServerError,
}

// Error is the typed error every handler returns. Code is a stable,
// machine-readable string clients can branch on; Message is safe to show a
// user. Detail, when set, carries structured context the client needs to
// recover (e.g. the conflicting tenant id on a duplicate setup). Cause is
// kept for logging and is never serialized.
type Error struct {
	Category Category
	Code     string
	Message  string
	Detail   map[string]any
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Code + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Status() int {
	if status, ok := statusByCategory[e.Category]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func newErr(cat Category, code, message string, cause error) *Error {
	return &Error{Category: cat, Code: code, Message: message, Cause: cause}
}

func NewValidation(code, message string) *Error {
	return newErr(Validation, code, message, nil)
}

func NewAuthorization(code, message string) *Error {
	return newErr(Authorization, code, message, nil)
}

func NewForbidden(code, message string) *Error {
	return newErr(Forbidden, code, message, nil)
}

func NewConflict(code, message string) *Error {
	return newErr(Conflict, code, message, nil)
}

func NewPrecondition(code, message string) *Error {
	return newErr(Precondition, code, message, nil)
}

func NewTransient(code, message string, cause error) *Error {
	return newErr(Transient, code, message, cause)
}

func NewFatal(code, message string, cause error) *Error {
	return newErr(Fatal, code, message, cause)
}

// WithDetail attaches structured recovery context to e and returns it, so
// constructors chain: NewConflict(...).WithDetail(...).
func (e *Error) WithDetail(detail map[string]any) *Error {
	e.Detail = detail
	return e
}

// Wrap coerces an arbitrary error into a Fatal apierr.Error unless it is
// already one, so callers can always treat the result uniformly.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return newErr(Fatal, "internal_error", "an internal error occurred", err)
}

// respBody is the wire shape: {"error": {"code": ..., "message": ...},
// "detail": {...}} — detail is omitted when the error carries none.
type respBody struct {
	Error  respError      `json:"error"`
	Detail map[string]any `json:"detail,omitempty"`
}

type respError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Respond writes err to the Gin response using its category's HTTP status.
// Fatal-category causes are logged by the caller before Respond is invoked;
// this function only ever writes the safe Message and Detail to the wire.
func Respond(c *gin.Context, err error) {
	apiErr := Wrap(err)
	c.JSON(apiErr.Status(), respBody{
		Error:  respError{Code: apiErr.Code, Message: apiErr.Message},
		Detail: apiErr.Detail,
	})
}

// Abort is Respond followed by c.Abort, for use mid-middleware-chain.
func Abort(c *gin.Context, err error) {
	Respond(c, err)
	c.Abort()
}
