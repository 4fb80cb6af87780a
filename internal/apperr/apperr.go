// Package apperr carries the public error taxonomy of the export service.
// Every error leaving the HTTP surface is one of these: a stable code, a
// human message, and an HTTP status. The wrapped cause is for logs only.
package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
)

const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeBadRequest     = "BAD_REQUEST"
	CodeTokenInvalid   = "TOKEN_INVALID"
	CodeNotFound       = "NOT_FOUND"
	CodeRateLimited    = "RATE_LIMITED"
	CodeConflict       = "CONFLICT"
	CodeExportFailed   = "EXPORT_FAILED"
	CodeInternal       = "INTERNAL"
)

// Error is a user-visible failure.
type Error struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	ExportID string `json:"export_id,omitempty"`
	Status   int    `json:"-"`
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Code + ": " + e.Message + ": " + e.cause.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Wrap attaches an internal cause that is logged but never rendered.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.cause = cause
	return &c
}

// WithExport tags the error with the export it concerns.
func (e *Error) WithExport(exportID string) *Error {
	c := *e
	c.ExportID = exportID
	return &c
}

func InvalidRequest(msg string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: msg, Status: http.StatusBadRequest}
}

func BadRequest(msg string) *Error {
	return &Error{Code: CodeBadRequest, Message: msg, Status: http.StatusBadRequest}
}

func Forbidden() *Error {
	return &Error{Code: CodeTokenInvalid, Message: "download link is invalid or expired", Status: http.StatusForbidden}
}

func NotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg, Status: http.StatusNotFound}
}

func RateLimited() *Error {
	return &Error{Code: CodeRateLimited, Message: "too many downloads, try again later", Status: http.StatusTooManyRequests}
}

func Conflict(msg string) *Error {
	return &Error{Code: CodeConflict, Message: msg, Status: http.StatusConflict}
}

func ExportFailed() *Error {
	return &Error{Code: CodeExportFailed, Message: "export could not be generated", Status: http.StatusInternalServerError}
}

func Internal() *Error {
	return &Error{Code: CodeInternal, Message: "internal server error", Status: http.StatusInternalServerError}
}

// From maps any error to its public form. Unknown errors become Internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal().Wrap(err)
}

// Write renders err as a JSON body with the matching status code.
func Write(w http.ResponseWriter, err error) {
	e := From(err)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(e)
}
