package rest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// DefaultContentType is sent with every request unless the call sets one.
const DefaultContentType = "application/json"

// Call describes one logical request. Body may be nil, a []byte or string
// sent verbatim, or any value encoded as JSON.
type Call struct {
	Method      string
	Path        string
	Body        any
	Header      map[string]string
	Query       map[string]any
	ContentType string

	ttl    int
	ttlSet bool
}

// CallOption adjusts a Call.
type CallOption func(*Call)

// WithHeader adds a request header. Empty values are dropped.
func WithHeader(key, value string) CallOption {
	return func(c *Call) {
		if c.Header == nil {
			c.Header = make(map[string]string)
		}
		c.Header[key] = value
	}
}

// WithQuery adds a query parameter. Nil values are dropped.
func WithQuery(key string, value any) CallOption {
	return func(c *Call) {
		if c.Query == nil {
			c.Query = make(map[string]any)
		}
		c.Query[key] = value
	}
}

// WithContentType overrides DefaultContentType.
func WithContentType(contentType string) CallOption {
	return func(c *Call) {
		c.ContentType = contentType
	}
}

// WithTTL sets the attempt budget for this call instead of the client's
// ceiling. A budget of zero fails without sending anything.
func WithTTL(ttl int) CallOption {
	return func(c *Call) {
		c.ttl = ttl
		c.ttlSet = true
	}
}

func (c *Call) budget(ceiling int) int {
	if c.ttlSet {
		return c.ttl
	}
	return ceiling
}

func encodeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func encodeQuery(query map[string]any) url.Values {
	values := url.Values{}
	for key, raw := range query {
		switch v := raw.(type) {
		case nil:
		case string:
			values.Add(key, v)
		case []string:
			for _, item := range v {
				values.Add(key, item)
			}
		case bool:
			values.Add(key, strconv.FormatBool(v))
		default:
			values.Add(key, fmt.Sprint(v))
		}
	}
	return values
}
