// Package apierr defines the gateway's error-kind taxonomy (spec.md §7)
// and the HTTP status/envelope mapping at the boundary.
package apierr

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/lemonade-sh/lemonade-gateway/pkg/models"
)

// Code is the error envelope's "code" field.
type Code string

const (
	CodeInvalidRequest      Code = "invalid_request_error"
	CodeModelNotFound       Code = "model_not_found"
	CodeModelNotSupported   Code = "model_not_supported"
	CodeModelNotLoaded      Code = "model_not_loaded"
	CodeModelLoadError      Code = "model_load_error"
	CodeModelInvalidated    Code = "model_invalidated"
	CodeUnsupportedOperation Code = "unsupported_operation"
	CodeNotFound            Code = "not_found"
	CodeInternalError       Code = "internal_error"
)

// Error is the gateway's single error type; Code determines both the
// JSON envelope's "code" field and the HTTP status mapping.
type Error struct {
	Code           Code
	Message        string
	Param          string
	RequestedModel string
	Wrapped        error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

func newErr(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func InvalidRequest(format string, args ...any) *Error {
	return newErr(CodeInvalidRequest, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newErr(CodeNotFound, format, args...)
}

// ModelNotSupported carries the Support Filter's human-readable reason.
func ModelNotSupported(model, reason string) *Error {
	e := newErr(CodeModelNotSupported, "model %q is not supported on this hardware: %s", model, reason)
	e.RequestedModel = model
	return e
}

func ModelNotLoaded(model string) *Error {
	e := newErr(CodeModelNotLoaded, "model %q is not currently loaded", model)
	e.RequestedModel = model
	return e
}

func ModelLoadError(model string, cause error) *Error {
	e := newErr(CodeModelLoadError, "failed to load model %q: %v", model, cause)
	e.RequestedModel = model
	e.Wrapped = cause
	return e
}

// ModelInvalidated signals an engine upgrade rendered cached files
// unusable; the scheduler never retries this one (spec.md §4.5, §7).
func ModelInvalidated(model string) *Error {
	e := newErr(CodeModelInvalidated, "model %q was invalidated by an engine upgrade; re-pull required", model)
	e.RequestedModel = model
	return e
}

func UnsupportedOperation(op string, device models.DeviceClass) *Error {
	return newErr(CodeUnsupportedOperation, "operation %q is not supported by this adapter (device class %v)", op, device)
}

func Internal(format string, args ...any) *Error {
	return newErr(CodeInternalError, format, args...)
}

// ── Artifact store kinds (not HTTP-boundary errors on their own, but
// classified the same way; spec.md §7) ──────────────────────────────

type DownloadIncompleteError struct{ Reason string }

func (e *DownloadIncompleteError) Error() string {
	return fmt.Sprintf("download incomplete: %s", e.Reason)
}

type CancelledError struct{}

func (e *CancelledError) Error() string { return "download cancelled" }

type TransientError struct{ Wrapped error }

func (e *TransientError) Error() string  { return fmt.Sprintf("transient error: %v", e.Wrapped) }
func (e *TransientError) Unwrap() error  { return e.Wrapped }

// FileNotFoundError / fileNotFoundMarkers — used to short-circuit the
// scheduler's nuclear retry (spec.md §4.5, §9: "preserve the literal
// substring list", decided in DESIGN.md not to widen it).
type FileNotFoundError struct{ Message string }

func (e *FileNotFoundError) Error() string { return e.Message }

var fileNotFoundMarkers = []string{
	"no such file",
	"file not found",
}

var modelInvalidatedMarkers = []string{
	"model invalidated",
	"invalidated by",
}

// ClassifyLoadError inspects a raw adapter error message and returns a
// typed error: FileNotFoundError or ModelInvalidated bypass the nuclear
// retry; anything else is a plain ModelLoadError candidate for retry.
func ClassifyLoadError(model, msg string) error {
	lower := strings.ToLower(msg)
	for _, m := range fileNotFoundMarkers {
		if strings.Contains(lower, m) {
			return &FileNotFoundError{Message: msg}
		}
	}
	for _, m := range modelInvalidatedMarkers {
		if strings.Contains(lower, m) {
			return ModelInvalidated(model)
		}
	}
	return ModelLoadError(model, fmt.Errorf("%s", msg))
}

// HTTPStatus maps an error to the status spec.md §7 prescribes. Errors
// that are not *Error (e.g. a bare Go error from an unexpected failure)
// map to 500, except *CancelledError, which maps to 200.
func HTTPStatus(err error) int {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else if ce, ok := err.(*CancelledError); ok {
		_ = ce
		return http.StatusOK // SSE stream ends cleanly, not an HTTP error
	} else if _, ok := err.(*FileNotFoundError); ok {
		return http.StatusInternalServerError
	} else if _, ok := err.(*DownloadIncompleteError); ok {
		return http.StatusInternalServerError
	} else {
		return http.StatusInternalServerError
	}

	switch e.Code {
	case CodeNotFound, CodeModelNotSupported, CodeModelNotLoaded:
		return http.StatusNotFound
	case CodeInvalidRequest, CodeUnsupportedOperation:
		return http.StatusBadRequest
	case CodeModelLoadError, CodeModelInvalidated:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the JSON wire shape for every error response (spec.md §6).
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

type EnvelopeBody struct {
	Message        string `json:"message"`
	Type           Code   `json:"type"`
	Code           Code   `json:"code"`
	Param          string `json:"param,omitempty"`
	RequestedModel string `json:"requested_model,omitempty"`
}

func ToEnvelope(err error) Envelope {
	if e, ok := err.(*Error); ok {
		return Envelope{Error: EnvelopeBody{
			Message:        e.Message,
			Type:           e.Code,
			Code:           e.Code,
			Param:          e.Param,
			RequestedModel: e.RequestedModel,
		}}
	}
	return Envelope{Error: EnvelopeBody{
		Message: err.Error(),
		Type:    CodeInternalError,
		Code:    CodeInternalError,
	}}
}
