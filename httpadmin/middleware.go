package httpadmin

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// OperationIDKey is the echo.Context key the tracking middleware stores the
// generated operation id under.
const OperationIDKey = "operation_id"

// TrackingMiddleware returns echo middleware that starts an operation on
// every request and completes it with the handler's error.
func (t *OperationTracker) TrackingMiddleware(operationType string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			opID := uuid.New().String()
			t.Start(opID, operationType, map[string]interface{}{
				"path":   c.Path(),
				"method": c.Request().Method,
			})
			c.Set(OperationIDKey, opID)

			err := next(c)

			t.Complete(opID, err)
			return err
		}
	}
}

// GetOperationID retrieves the operation id stamped by TrackingMiddleware,
// or "" if the middleware wasn't installed on this route.
func GetOperationID(c echo.Context) string {
	if id, ok := c.Get(OperationIDKey).(string); ok {
		return id
	}
	return ""
}
