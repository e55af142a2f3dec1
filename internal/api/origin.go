package api

import (
	"net/http"
	"strings"
)

// OriginChecker validates the Origin of WebSocket upgrades against an allowlist.
type OriginChecker struct {
	allowed map[string]struct{}
	devMode bool
}

// NewOriginChecker creates a checker for the given origins. devMode allows every origin.
func NewOriginChecker(allowedOrigins []string, devMode bool) *OriginChecker {
	oc := &OriginChecker{
		allowed: make(map[string]struct{}, len(allowedOrigins)),
		devMode: devMode,
	}
	for _, origin := range allowedOrigins {
		if origin = normalizeOrigin(origin); origin != "" {
			oc.allowed[origin] = struct{}{}
		}
	}
	return oc
}

// Check reports whether r may upgrade. Requests without an Origin header
// come from native clients and pass; the token still has to verify.
func (oc *OriginChecker) Check(r *http.Request) bool {
	if oc.devMode {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	_, ok := oc.allowed[normalizeOrigin(origin)]
	return ok
}

func normalizeOrigin(origin string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
}
