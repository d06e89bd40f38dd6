package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single attempt when the client builds its own
// *http.Client.
const DefaultTimeout = 30 * time.Second

// Request is one wire-level attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the fully read reply to one attempt.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport performs a single attempt. Every HTTP status is a Response. An
// error means the attempt failed; a Response returned alongside it carries
// the status and headers that did arrive, so rate-limit updates still reach
// the gate.
type Transport interface {
	Perform(ctx context.Context, req *Request) (*Response, error)
}

// HTTPTransport sends attempts over a shared *http.Client.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport wraps client, or a client with DefaultTimeout when nil.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPTransport{client: client}
}

// Perform implements Transport.
func (t *HTTPTransport) Perform(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, fmt.Errorf("read response: %w", err)
	}
	out.Body = data
	return out, nil
}

// Close releases idle pooled connections.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
