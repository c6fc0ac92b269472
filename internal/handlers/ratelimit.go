package handlers

import (
	"net"
	"net/http"
	"strings"
)

// RateLimiter decides whether one more request under key may proceed.
type RateLimiter interface {
	Allow(key string) bool
}

// allowRequest keys scope by subject when given, otherwise by client address.
func allowRequest(limiter RateLimiter, r *http.Request, scope, subject string) bool {
	if limiter == nil {
		return true
	}
	return limiter.Allow(rateLimitKey(r, scope, subject))
}

func rateLimitKey(r *http.Request, scope, subject string) string {
	id := strings.TrimSpace(subject)
	if id == "" {
		id = clientIP(r)
	}
	if scope == "" {
		return id
	}
	return scope + ":" + id
}

func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
