package api

import (
	"log/slog"
	"net/http"

	"github.com/alecgard/centime/internal/auth"
)

// auditLog emits a structured audit log entry for an admin or team action.
func auditLog(r *http.Request, action string, resourceType string, resourceID string, detail ...any) {
	attrs := []any{
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"ip", clientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	}

	if t := auth.TeamFromContext(r.Context()); t != nil {
		attrs = append(attrs, "team_id", t.ID, "team_name", t.Name)
	}

	attrs = append(attrs, detail...)
	slog.Info("audit", attrs...)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
