// Package errors defines the HTTP error envelope and the typed errors the
// server and CLI map onto it. Envelopes are gofulmen ErrorEnvelopes; the
// request id travels as their correlation id.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"maps"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

// RequestIDHeader carries the request id in requests and responses.
const RequestIDHeader = "X-Request-ID"

// Error codes used in the envelope.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeTooManyRequests    = "RATE_LIMITED"
	CodeTimeout            = "COMPILE_TIMEOUT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorBody is the payload of an error response.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the JSON envelope of every error response.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Error pairs an envelope with the HTTP status it is served under.
type Error struct {
	*gferrors.ErrorEnvelope
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details map[string]any) *Error {
	env := *e.ErrorEnvelope
	cp := *e
	cp.ErrorEnvelope = env.WithDetails(details)
	return &cp
}

// New creates an Error.
func New(status int, code, message string) *Error {
	env := gferrors.NewErrorEnvelope(code, message)
	env, _ = env.WithSeverity(severityFor(status))
	return &Error{ErrorEnvelope: env, Status: status}
}

// Wrap creates an Error around err.
func Wrap(status int, code, message string, err error) *Error {
	e := New(status, code, message)
	e.ErrorEnvelope.WithOriginal(err)
	e.Err = err
	return e
}

func NotFound(message string) *Error {
	return New(http.StatusNotFound, CodeNotFound, message)
}

func BadRequest(message string) *Error {
	return New(http.StatusBadRequest, CodeBadRequest, message)
}

// NewExternalServiceError reports an unavailable dependency such as the
// mirror store or the compiler process.
func NewExternalServiceError(message string) *Error {
	return New(http.StatusServiceUnavailable, CodeExternalService, message)
}

// WrapInternal wraps an unexpected failure. A cancelled ctx is reported as
// unavailable rather than internal.
func WrapInternal(ctx context.Context, err error, message string) *Error {
	if ctx != nil && ctx.Err() != nil {
		return Wrap(http.StatusServiceUnavailable, CodeServiceUnavailable, message, err)
	}
	return Wrap(http.StatusInternalServerError, CodeInternal, message, err)
}

func severityFor(status int) gferrors.Severity {
	switch {
	case status >= http.StatusInternalServerError:
		return gferrors.SeverityHigh
	case status == http.StatusTooManyRequests, status == http.StatusConflict:
		return gferrors.SeverityMedium
	default:
		return gferrors.SeverityLow
	}
}

// RespondWithError writes err as an envelope. Errors that are not *Error
// become 500 INTERNAL_ERROR.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *Error
	if !stderrors.As(err, &appErr) {
		appErr = Wrap(http.StatusInternalServerError, CodeInternal, "internal error", err)
	}

	env := *appErr.ErrorEnvelope
	env.Message = appErr.Error()

	requestID := ""
	if r != nil {
		requestID = r.Header.Get(RequestIDHeader)
	}
	if requestID == "" {
		requestID = w.Header().Get(RequestIDHeader)
	}
	WriteEnvelope(w, env.WithCorrelationID(requestID), appErr.Status)
}

// WriteEnvelope renders env under status. Envelope context entries are
// merged into details; details win on key clashes.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	if env == nil {
		env = gferrors.NewErrorEnvelope(CodeInternal, http.StatusText(status))
	}
	body := ErrorBody{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
		Severity:  string(env.Severity),
		Timestamp: env.Timestamp,
	}
	if len(env.Context) > 0 || len(env.Details) > 0 {
		body.Details = make(map[string]any, len(env.Context)+len(env.Details))
		maps.Copy(body.Details, env.Context)
		maps.Copy(body.Details, env.Details)
	}
	WriteJSON(w, status, HTTPErrorResponse{Error: body})
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
