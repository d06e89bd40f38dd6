package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/pincer-org/restgate/internal/metrics"
	"github.com/pincer-org/restgate/internal/observability"
)

// Recovery turns a panic in a handler into a 500 envelope and counts it.
func Recovery(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					envelope := errors.NewErrorEnvelope("INTERNAL_ERROR", fmt.Sprintf("panic: %v", rec)).
						WithCorrelationID(GetRequestID(r.Context()))
					envelope, _ = envelope.WithSeverity(errors.SeverityCritical)

					m.RecordPanic()
					if observability.ServerLogger != nil {
						observability.ServerLogger.Error("handler panic",
							zap.String("request_id", envelope.CorrelationID),
							zap.String("path", r.URL.Path),
							zap.ByteString("stack", debug.Stack()))
					}

					writeErrorResponse(w, envelope, http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// ErrorResponse mirrors the server's error body. It is duplicated here
// because the errors package imports middleware.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, statusCode int) {
	response := ErrorResponse{
		Error: ErrorDetail{
			Code:      envelope.Code,
			Message:   envelope.Message,
			RequestID: envelope.CorrelationID,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}
