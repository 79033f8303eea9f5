package ratelimit

import (
	"net/http"
	"strings"
)

// LoopbackIP is returned when no proxy header names the client.
const LoopbackIP = "127.0.0.1"

var clientIPHeaders = []string{"X-Real-IP", "CF-Connecting-IP"}

// GetClientIP returns the originating address, preferring the first
// X-Forwarded-For entry, then X-Real-IP, then CF-Connecting-IP.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	for _, h := range clientIPHeaders {
		if ip := strings.TrimSpace(r.Header.Get(h)); ip != "" {
			return ip
		}
	}

	return LoopbackIP
}
