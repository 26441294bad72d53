// Package errors defines the failure taxonomy shared by the HTTP
// surface and the CLI. Transport code hands any error to
// RespondWithError and gets the standard envelope back; everything
// else here exists so that mapping stays in one place.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/goanvil/pkg/deck"
	"github.com/3leaps/goanvil/pkg/jobregistry"
)

// Error codes carried in the code field of the envelope.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeInternal         = "INTERNAL_ERROR"
	CodeUnavailable      = "SERVICE_UNAVAILABLE"
	CodeExternalService  = "EXTERNAL_SERVICE_ERROR"
)

// RequestIDHeader names the header the request id middleware reads
// from the client and echoes on every response.
const RequestIDHeader = "X-Request-ID"

// HTTPErrorResponse is the JSON body of every error response.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// HTTPErrorDetail mirrors the envelope fields clients are expected to
// inspect.
type HTTPErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AppError is an error that already knows how it should surface over
// HTTP. Code and Status are picked once at the point the failure is
// understood; transport just renders them.
type AppError struct {
	Code      string
	Status    int
	Message   string
	Details   map[string]interface{}
	RequestID string
	Err       error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// NewValidationError reports a request the caller can fix. Details are
// surfaced verbatim in the envelope.
func NewValidationError(message string, details map[string]interface{}) *AppError {
	return &AppError{Code: CodeValidation, Status: http.StatusBadRequest, Message: message, Details: details}
}

// NewNotFoundError reports a resource that does not exist.
func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: message}
}

// NewMethodNotAllowedError reports a method the route does not serve.
func NewMethodNotAllowedError(message string) *AppError {
	return &AppError{Code: CodeMethodNotAllowed, Status: http.StatusMethodNotAllowed, Message: message}
}

// NewUnavailableError reports that the service cannot answer right
// now. Health probes use it to carry per-check context.
func NewUnavailableError(message string, details map[string]interface{}) *AppError {
	return &AppError{Code: CodeUnavailable, Status: http.StatusServiceUnavailable, Message: message, Details: details}
}

// NewExternalServiceError reports a dependency outside this process
// that did not answer the way it should.
func NewExternalServiceError(message string) *AppError {
	return &AppError{Code: CodeExternalService, Status: http.StatusBadGateway, Message: message}
}

// WrapInternal tags err as an internal fault and captures the request
// id from ctx so the failure can be correlated with the request that
// triggered it.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	return &AppError{
		Code:      CodeInternal,
		Status:    http.StatusInternalServerError,
		Message:   message,
		RequestID: RequestIDFromContext(ctx),
		Err:       err,
	}
}

type requestIDKey struct{}

// WithRequestID returns a context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored by the request id
// middleware, or "" when none is set.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RespondWithError classifies err and writes the standard envelope.
// Domain sentinels map to client errors; anything unrecognized is an
// internal error.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	app := classify(err)

	envelope := gferrors.NewErrorEnvelope(app.Code, app.Message)
	if id := requestIDFor(r, app); id != "" {
		envelope = envelope.WithCorrelationID(id)
	}
	if len(app.Details) > 0 {
		if enriched, cerr := envelope.WithContext(app.Details); cerr == nil {
			envelope = enriched
		}
	}

	WriteEnvelope(w, envelope, app.Status)
}

// WriteEnvelope renders a gofulmen envelope as the standard error
// body with the given status.
func WriteEnvelope(w http.ResponseWriter, envelope *gferrors.ErrorEnvelope, status int) {
	resp := HTTPErrorResponse{Error: HTTPErrorDetail{
		Code:      envelope.Code,
		Message:   envelope.Message,
		RequestID: envelope.CorrelationID,
		Details:   envelope.Context,
	}}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func classify(err error) *AppError {
	var app *AppError
	switch {
	case stderrors.As(err, &app):
		return app
	case stderrors.Is(err, deck.ErrInvalidPayload),
		stderrors.Is(err, deck.ErrTaskNotFound),
		stderrors.Is(err, deck.ErrValidationFailed),
		stderrors.Is(err, jobregistry.ErrBadPattern):
		return &AppError{Code: CodeValidation, Status: http.StatusBadRequest, Message: err.Error()}
	case jobregistry.IsNotFound(err):
		return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: err.Error()}
	default:
		return &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: err.Error()}
	}
}

func requestIDFor(r *http.Request, app *AppError) string {
	if id := RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	if id := r.Header.Get(RequestIDHeader); id != "" {
		return id
	}
	return app.RequestID
}
