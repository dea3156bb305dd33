package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/pharmacy/internal/platform/auth"
)

// AuditEntry records who changed inventory, where and with what outcome.
type AuditEntry struct {
	UserID       string
	UserRoles    []string
	Clinic       string
	MedicationID string
	Action       string
	IPAddress    string
	UserAgent    string
	Path         string
	Method       string
	Timestamp    time.Time
	RequestID    string
	StatusCode   int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// inventoryActions names the audited routes, keyed by method and route path.
var inventoryActions = map[string]string{
	"POST /api/v1/medications":                     "medication.create",
	"PATCH /api/v1/medications/:id":                "medication.update",
	"DELETE /api/v1/medications/:id":               "medication.deactivate",
	"POST /api/v1/medications/:id/batches":         "batch.add",
	"POST /api/v1/medications/:id/batches/receive": "batch.receive",
	"POST /api/v1/medications/:id/adjustments":     "stock.adjust",
	"POST /api/v1/medications/alerts/refresh":      "alerts.refresh",
}

// Audit logs every inventory mutation after it completes, successful or not.
// Reads are not audited. The first recorder, if any, also receives the entry.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isMutation(req.Method) || !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Timestamp:    time.Now().UTC(),
				Path:         req.URL.Path,
				Method:       req.Method,
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				StatusCode:   c.Response().Status,
				Action:       auditAction(req.Method, c.Path()),
				MedicationID: c.Param("id"),
			}
			if he, ok := err.(*echo.HTTPError); ok {
				entry.StatusCode = he.Code
			}

			ctx := req.Context()
			entry.UserID = auth.UserIDFromContext(ctx)
			entry.UserRoles = auth.RolesFromContext(ctx)
			entry.Clinic, _ = c.Get("tenant_id").(string)
			entry.RequestID, _ = c.Get("request_id").(string)

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "inventory_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("clinic", entry.Clinic).
				Str("medication_id", entry.MedicationID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("inventory_change")

			return err
		}
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func auditAction(method, route string) string {
	if action, ok := inventoryActions[method+" "+route]; ok {
		return action
	}
	return strings.ToLower(method)
}
