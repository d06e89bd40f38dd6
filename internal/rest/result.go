package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Result is a successful response.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Data is the parsed JSON body, or nil for empty and non-JSON bodies.
	Data any
}

// Empty reports whether the response carried no body.
func (r *Result) Empty() bool {
	return r == nil || len(r.Body) == 0
}

// Decode unmarshals the JSON body into v.
func (r *Result) Decode(v any) error {
	if r.Empty() {
		return fmt.Errorf("%w: empty body", ErrDecode)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

func newResult(resp *Response) (*Result, error) {
	result := &Result{StatusCode: resp.StatusCode, Header: resp.Header}
	if resp.StatusCode == http.StatusNoContent || len(resp.Body) == 0 {
		return result, nil
	}

	result.Body = resp.Body
	if !isJSON(resp.Header) {
		return result, nil
	}
	if err := json.Unmarshal(resp.Body, &result.Data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return result, nil
}

func isJSON(header http.Header) bool {
	ct := header.Get("Content-Type")
	return ct == "" || strings.Contains(strings.ToLower(ct), "json")
}

// rateLimitBody is the payload of a 429 response.
type rateLimitBody struct {
	Message    string   `json:"message"`
	RetryAfter *float64 `json:"retry_after"`
	Global     bool     `json:"global"`
}
