// Package cookie parses Cookie request headers into a name to value map.
package cookie

import (
	"net/http"
	"net/url"
	"strings"
)

// Parse splits a Cookie header value into name/value pairs. The first
// occurrence of a name wins, matching how browsers order more specific
// paths first. Surrounding quotes are removed and percent-encoding is
// decoded when valid.
func Parse(header string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, seen := out[name]; seen {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		if decoded, err := url.PathUnescape(value); err == nil {
			value = decoded
		}
		out[name] = value
	}
	return out
}

// FromRequest parses every Cookie header on r.
func FromRequest(r *http.Request) map[string]string {
	return Parse(strings.Join(r.Header.Values("Cookie"), "; "))
}

// Get returns the named cookie value from r.
func Get(r *http.Request, name string) (string, bool) {
	v, ok := FromRequest(r)[name]
	return v, ok
}
