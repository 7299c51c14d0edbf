package server

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginChecker restricts websocket upgrades to a set of browser origins.
// With no origins configured every origin is accepted.
type OriginChecker struct {
	allowed map[string]struct{}
}

func NewOriginChecker(allowedOrigins []string) *OriginChecker {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}

		allowed[strings.ToLower(strings.TrimSuffix(origin, "/"))] = struct{}{}
	}

	return &OriginChecker{
		allowed,
	}
}

func (c *OriginChecker) Check(r *http.Request) bool {
	if len(c.allowed) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}

	_, ok := c.allowed[strings.ToLower(u.Scheme+"://"+u.Host)]

	return ok
}
