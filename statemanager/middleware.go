package statemanager

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// operationIDKey is the echo.Context key a handler reads to find its
// own in-flight operation, set by Middleware before calling next.
const operationIDKey = "operation_id"

// Middleware wraps an Echo route with StartOperation/CompleteOperation
// tracking, tagging each operation with the request path and method.
func (m *Manager) Middleware(operationType string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			opID := uuid.New().String()
			m.StartOperation(opID, operationType, map[string]interface{}{
				"path":   c.Path(),
				"method": c.Request().Method,
			})
			c.Set(operationIDKey, opID)

			err := next(c)

			m.CompleteOperation(opID, err)
			return err
		}
	}
}

// OperationID retrieves the ID Middleware assigned to the in-flight
// request, or "" if Middleware wasn't applied to this route.
func OperationID(c echo.Context) string {
	if opID, ok := c.Get(operationIDKey).(string); ok {
		return opID
	}
	return ""
}
