package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pincer-org/restgate/internal/metrics"
	"github.com/pincer-org/restgate/internal/observability"
	"github.com/pincer-org/restgate/internal/rest"
	"github.com/pincer-org/restgate/internal/server/middleware"
)

// Error codes carried in envelopes.
const (
	CodeNotModified         = "NOT_MODIFIED"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeNotFound            = "NOT_FOUND"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeUpstreamClientError = "UPSTREAM_CLIENT_ERROR"
	CodeRetriesExhausted    = "RETRIES_EXHAUSTED"
	CodeExternalService     = "EXTERNAL_SERVICE_ERROR"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeTimeout             = "TIMEOUT"
	CodeInternal            = "INTERNAL_ERROR"
)

const maxUpstreamBody = 4096

var recorder *metrics.Metrics

// SetMetrics sets where error responses are counted. Nil disables counting.
func SetMetrics(m *metrics.Metrics) {
	recorder = m
}

func NewInvalidInputError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeInvalidInput, message)
}

func NewNotFoundError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeNotFound, message)
}

func NewMethodNotAllowedError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeMethodNotAllowed, message)
}

func NewServiceUnavailableError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeServiceUnavailable, message)
}

func NewInternalError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeInternal, message)
}

// Wrap builds an envelope for err carrying the request's correlation id.
func Wrap(ctx context.Context, code string, err error, message string) *errors.ErrorEnvelope {
	envelope := errors.NewErrorEnvelope(code, message)
	envelope = envelope.WithCorrelationID(extractCorrelationID(ctx))
	envelope = envelope.WithTraceID(extractCorrelationID(ctx))
	return withWrappedError(envelope, err)
}

// FromPipelineError translates an error returned by the request pipeline.
// Terminal upstream statuses keep their status code; exhausted retries and
// undecodable responses surface as gateway errors.
func FromPipelineError(ctx context.Context, err error) *errors.ErrorEnvelope {
	var statusErr *rest.StatusError
	switch {
	case stderrors.Is(err, rest.ErrRetriesExhausted):
		envelope := Wrap(ctx, CodeRetriesExhausted, err, "upstream retries exhausted")
		envelope, _ = envelope.WithSeverity(errors.SeverityHigh)
		return envelope
	case stderrors.As(err, &statusErr):
		envelope := Wrap(ctx, statusCode(statusErr.Kind), err, statusErr.Error())
		details := map[string]interface{}{
			"upstream_status": statusErr.StatusCode,
			"route":           statusErr.Route.String(),
		}
		if len(statusErr.Body) > 0 && len(statusErr.Body) <= maxUpstreamBody && json.Valid(statusErr.Body) {
			details["upstream_body"] = json.RawMessage(statusErr.Body)
		}
		return envelope.WithDetails(details)
	case stderrors.Is(err, rest.ErrDecode):
		return Wrap(ctx, CodeExternalService, err, "upstream returned an undecodable response")
	case stderrors.Is(err, rest.ErrClosed):
		return Wrap(ctx, CodeServiceUnavailable, err, "pipeline is shutting down")
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, context.Canceled):
		return Wrap(ctx, CodeTimeout, err, "request cancelled before completion")
	default:
		envelope := Wrap(ctx, CodeInternal, err, "unexpected pipeline error")
		envelope, _ = envelope.WithSeverity(errors.SeverityHigh)
		return envelope
	}
}

func statusCode(kind error) string {
	switch kind {
	case rest.ErrNotModified:
		return CodeNotModified
	case rest.ErrBadRequest:
		return CodeInvalidInput
	case rest.ErrUnauthorized:
		return CodeUnauthorized
	case rest.ErrForbidden:
		return CodeForbidden
	case rest.ErrNotFound:
		return CodeNotFound
	case rest.ErrMethodNotAllowed:
		return CodeMethodNotAllowed
	default:
		return CodeUpstreamClientError
	}
}

// extractCorrelationID gets correlation ID from context, falls back to generating new UUID
func extractCorrelationID(ctx context.Context) string {
	if ctx != nil {
		if requestID := middleware.GetRequestID(ctx); requestID != "" {
			return requestID
		}
	}
	return uuid.New().String()
}

// EnsureEnvelope normalizes any error into a gofulmen ErrorEnvelope.
func EnsureEnvelope(err error) *errors.ErrorEnvelope {
	if err == nil {
		env := errors.NewErrorEnvelope(CodeInternal, "unexpected nil error")
		env, _ = env.WithSeverity(errors.SeverityCritical)
		return env
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil {
		return envelope
	}

	return FromPipelineError(context.Background(), err)
}

// EnsureCorrelationID attaches a correlation ID to the envelope using the context when available.
func EnsureCorrelationID(envelope *errors.ErrorEnvelope, ctx context.Context) *errors.ErrorEnvelope {
	if envelope == nil {
		return nil
	}
	if ctx != nil {
		if requestID := middleware.GetRequestID(ctx); requestID != "" && envelope.CorrelationID != requestID {
			return envelope.WithCorrelationID(requestID)
		}
	}
	if envelope.CorrelationID != "" {
		return envelope
	}
	return envelope.WithCorrelationID("fallback-" + errors.GenerateCorrelationID())
}

// HTTPStatusFromEnvelope resolves the HTTP status code corresponding to an error envelope.
func HTTPStatusFromEnvelope(envelope *errors.ErrorEnvelope) int {
	if envelope == nil {
		return http.StatusInternalServerError
	}
	if envelope.Code == CodeUpstreamClientError {
		if status, ok := envelope.Details["upstream_status"].(int); ok && status >= 300 && status < 500 {
			return status
		}
		return http.StatusBadRequest
	}
	return HTTPStatusFromCode(envelope.Code)
}

// HTTPStatusFromCode resolves the HTTP status code corresponding to an error code.
func HTTPStatusFromCode(code string) int {
	switch code {
	case CodeNotModified:
		return http.StatusNotModified
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeRetriesExhausted, CodeExternalService:
		return http.StatusBadGateway
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func withWrappedError(envelope *errors.ErrorEnvelope, err error) *errors.ErrorEnvelope {
	if envelope == nil || err == nil {
		return envelope
	}

	updated, updateErr := envelope.WithContext(map[string]interface{}{
		"wrapped_error": err.Error(),
	})
	if updateErr != nil {
		return envelope
	}
	return updated
}

// ResponseDetails constructs API-safe details map by merging envelope details and context.
func ResponseDetails(envelope *errors.ErrorEnvelope) map[string]interface{} {
	if envelope == nil {
		return nil
	}

	details := make(map[string]interface{})
	for key, value := range envelope.Details {
		details[key] = value
	}
	for key, value := range envelope.Context {
		if _, exists := details[key]; !exists {
			details[key] = value
		}
	}

	if len(details) == 0 {
		return nil
	}
	return details
}

// HTTPErrorDetail captures the error body returned to callers.
type HTTPErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HTTPErrorResponse wraps HTTPErrorDetail in the standard envelope structure.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// RespondWithError normalizes the supplied error and writes a JSON response.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	RespondWithEnvelope(w, r, EnsureEnvelope(err))
}

// RespondWithEnvelope finalizes the provided envelope, logging and emitting metrics.
func RespondWithEnvelope(w http.ResponseWriter, r *http.Request, envelope *errors.ErrorEnvelope) {
	if w == nil {
		return
	}

	if r != nil {
		envelope = EnsureCorrelationID(envelope, r.Context())
	} else {
		envelope = EnsureCorrelationID(envelope, nil)
	}

	statusCode := HTTPStatusFromEnvelope(envelope)

	logHTTPError(envelope, statusCode)
	recorder.RecordError(envelope.Code, statusCode)

	w.Header().Set(middleware.RequestIDHeader, envelope.CorrelationID)
	if statusCode == http.StatusNotModified {
		w.WriteHeader(statusCode)
		return
	}

	response := HTTPErrorResponse{
		Error: HTTPErrorDetail{
			Code:      envelope.Code,
			Message:   envelope.Message,
			Details:   ResponseDetails(envelope),
			RequestID: envelope.CorrelationID,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

func logHTTPError(envelope *errors.ErrorEnvelope, statusCode int) {
	if observability.ServerLogger == nil || envelope == nil {
		return
	}

	fields := []zap.Field{
		zap.String("error_code", envelope.Code),
		zap.Int("http_status", statusCode),
	}
	if envelope.Severity != "" {
		fields = append(fields, zap.String("severity", string(envelope.Severity)))
	}
	for key, value := range envelope.Context {
		fields = append(fields, zap.Any(key, value))
	}
	if envelope.CorrelationID != "" {
		fields = append(fields, zap.String("request_id", envelope.CorrelationID))
	}

	switch envelope.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		observability.ServerLogger.Error(envelope.Message, fields...)
	case errors.SeverityMedium:
		observability.ServerLogger.Warn(envelope.Message, fields...)
	default:
		observability.ServerLogger.Info(envelope.Message, fields...)
	}
}
