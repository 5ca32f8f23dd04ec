// Error handling utilities for the admin API.

package admin

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/getmockd/prock/pkg/httputil"
	"github.com/getmockd/prock/pkg/route"
	"github.com/getmockd/prock/pkg/store"
)

// Safe error messages for client responses.
const (
	ErrMsgInternalError    = "An internal error occurred"
	ErrMsgInvalidJSON      = "Invalid JSON in request body"
	ErrMsgBodyTooLarge     = "Request body too large"
	ErrMsgValidationFailed = "Request validation failed"
	ErrMsgNotFound         = "Resource not found"
	ErrMsgConflict         = "Resource already exists"
	ErrMsgReadOnly         = "Store is read-only"
	ErrMsgStoreError       = "Storage operation failed"
)

// Error codes returned in ErrorResponse.Error.
const (
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeStoreError      = "store_error"
	CodeValidationError = "validation_error"
	CodeInvalidJSON     = "invalid_json"
	CodeBodyTooLarge    = "body_too_large"
	CodeReadOnly        = "read_only"
	CodeInternal        = "internal_error"
	CodeUnavailable     = "unavailable"
)

// sanitizeError logs err with its context and returns the status, code and
// message that are safe to send to the client. Validation messages describe
// the caller's input and are passed through; everything else is replaced by
// a generic message.
func sanitizeError(err error, log *slog.Logger, operation string, details ...any) (int, string, string) {
	var verr *route.ValidationError
	var serr *SchemaError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, CodeValidationError, verr.Error()
	case errors.As(err, &serr):
		return http.StatusBadRequest, CodeValidationError, serr.Error()
	case errors.Is(err, store.ErrInvalidID):
		return http.StatusBadRequest, CodeValidationError, "invalid route id"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CodeNotFound, ErrMsgNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict, CodeConflict, ErrMsgConflict
	}

	if log != nil {
		args := []any{"operation", operation, "error", err}
		args = append(args, details...)
		log.Error("operation failed", args...)
	}
	if errors.Is(err, store.ErrReadOnly) {
		return http.StatusForbidden, CodeReadOnly, ErrMsgReadOnly
	}
	return http.StatusInternalServerError, CodeStoreError, ErrMsgStoreError
}

// writeStoreError writes the sanitized form of err.
func (a *API) writeStoreError(w http.ResponseWriter, err error, operation string, details ...any) {
	status, code, msg := sanitizeError(err, a.log, operation, details...)
	httputil.WriteError(w, status, code, msg)
}
