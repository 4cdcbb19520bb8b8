package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/pickmylab/dispatch/internal/platform/auth"
)

// AuditEntry records who changed dispatch state, on what, and the outcome.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Resource   string // bookings, phlebotomists, dispatch
	ResourceID string
	Action     string // create, update, assign, cancel, ...
	Route      string
	Method     string
	IPAddress  string
	StatusCode int
	RequestID  string
	Timestamp  time.Time
}

// AuditRecorder persists audit entries. The middleware always logs; a
// recorder is optional.
type AuditRecorder interface {
	RecordAction(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAction(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every state-changing request under /api/v1. Reads are not
// audited.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditable(req.Method, req.URL.Path) {
				return next(c)
			}

			err := next(c)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			ctx := req.Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Route:      c.Path(),
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				StatusCode: status,
				Timestamp:  time.Now().UTC(),
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.Resource, entry.Action = describeRoute(req.Method, c.Path())
			entry.ResourceID = c.Param("id")

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAction(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "dispatch_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("route", entry.Route).
				Int("status", entry.StatusCode).
				Str("remote_ip", entry.IPAddress).
				Msg("dispatch_action")

			return err
		}
	}
}

func isAuditable(method, path string) bool {
	if !strings.HasPrefix(path, "/api/v1/") {
		return false
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// describeRoute derives the resource and action from a route pattern such as
// /api/v1/bookings/:id/assign.
func describeRoute(method, route string) (resource, action string) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(route, "/api/v1"), "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "unknown", httpMethodToAction(method)
	}
	resource = segments[0]
	last := segments[len(segments)-1]
	if len(segments) > 1 && !strings.HasPrefix(last, ":") {
		return resource, last
	}
	return resource, httpMethodToAction(method)
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
