package ratelimit

import (
	"net/http"
	"net/url"
	"strings"
)

// Route identifies a rate-limit scope: the HTTP method plus the normalized
// endpoint path. Two requests with equal Routes share bucket state.
type Route struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// NewRoute builds a normalized Route. The method is upper-cased (GET when
// empty); the path loses any scheme, host and query string and has leading,
// trailing and repeated slashes removed.
func NewRoute(method, path string) Route {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Route{Method: method, Path: normalizePath(path)}
}

// ParseRoute parses the "METHOD path" form produced by String.
func ParseRoute(value string) Route {
	method, path, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok {
		return NewRoute("", method)
	}
	return NewRoute(method, path)
}

func (r Route) String() string {
	return r.Method + " " + r.Path
}

func normalizePath(raw string) string {
	value := strings.TrimSpace(raw)
	if strings.Contains(value, "://") {
		if parsed, err := url.Parse(value); err == nil {
			value = parsed.Path
		}
	}
	if idx := strings.IndexAny(value, "?#"); idx >= 0 {
		value = value[:idx]
	}

	parts := strings.Split(value, "/")
	kept := parts[:0]
	for _, part := range parts {
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, "/")
}
