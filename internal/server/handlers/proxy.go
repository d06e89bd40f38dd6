package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/pincer-org/restgate/internal/errors"
	"github.com/pincer-org/restgate/internal/ratelimit"
	"github.com/pincer-org/restgate/internal/rest"
)

// TTLHeader lets a proxy caller lower or raise the attempt budget of one
// request.
const TTLHeader = "X-Restgate-TTL"

// forwardedRequestHeaders are copied from the caller to the upstream call.
var forwardedRequestHeaders = []string{
	"X-Audit-Log-Reason",
	"If-None-Match",
	"If-Modified-Since",
	"Accept-Language",
}

// forwardedResponseHeaders are copied from the upstream response.
var forwardedResponseHeaders = []string{
	"Content-Type",
	"ETag",
	"Last-Modified",
	ratelimit.HeaderBucket,
	ratelimit.HeaderLimit,
	ratelimit.HeaderRemaining,
	ratelimit.HeaderReset,
	ratelimit.HeaderResetAfter,
	ratelimit.HeaderScope,
}

// Pipeline executes one logical upstream call.
type Pipeline interface {
	Do(ctx context.Context, call rest.Call) (*rest.Result, error)
}

// ProxyHandler forwards /api/{path} through the pipeline so every local
// caller shares one rate-limit view. maxBody bounds the request body.
func ProxyHandler(p Pipeline, maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.Trim(chi.URLParam(r, "*"), "/")
		if path == "" {
			respondWithError(w, r, apperrors.NewInvalidInputError("missing upstream path"))
			return
		}

		call := rest.Call{
			Method:      r.Method,
			Path:        path,
			ContentType: r.Header.Get("Content-Type"),
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondWithError(w, r, apperrors.Wrap(r.Context(), apperrors.CodeInvalidInput, err, "request body too large"))
				return
			}
			respondWithError(w, r, apperrors.Wrap(r.Context(), apperrors.CodeInvalidInput, err, "unable to read request body"))
			return
		}
		if len(body) > 0 {
			call.Body = body
		}

		if values := r.URL.Query(); len(values) > 0 {
			call.Query = make(map[string]any, len(values))
			for key, v := range values {
				call.Query[key] = v
			}
		}

		for _, name := range forwardedRequestHeaders {
			if v := r.Header.Get(name); v != "" {
				rest.WithHeader(name, v)(&call)
			}
		}

		if raw := r.Header.Get(TTLHeader); raw != "" {
			ttl, err := strconv.Atoi(raw)
			if err != nil {
				respondWithError(w, r, apperrors.Wrap(r.Context(), apperrors.CodeInvalidInput, err, "invalid "+TTLHeader+" header"))
				return
			}
			rest.WithTTL(ttl)(&call)
		}

		result, err := p.Do(r.Context(), call)
		if err != nil {
			respondWithError(w, r, apperrors.FromPipelineError(r.Context(), err))
			return
		}

		for _, name := range forwardedResponseHeaders {
			if v := result.Header.Get(name); v != "" {
				w.Header().Set(name, v)
			}
		}
		w.WriteHeader(result.StatusCode)
		if r.Method != http.MethodHead && len(result.Body) > 0 {
			_, _ = w.Write(result.Body)
		}
	}
}
