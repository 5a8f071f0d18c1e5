package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// RequestObserver receives the timing of every request (Prometheus in production).
type RequestObserver interface {
	ObserveHTTPRequest(method, path string, status int, duration time.Duration)
}

// LoggerMiddleware logs HTTP requests. observer may be nil.
func LoggerMiddleware(observer RequestObserver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		// route template keeps metric labels bounded
		path := c.Path()
		if route := c.Route(); route != nil && route.Path != "" {
			path = route.Path
		}
		if observer != nil {
			observer.ObserveHTTPRequest(c.Method(), path, status, duration)
		}

		logrus.WithFields(logrus.Fields{
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     status,
			"duration":   duration.String(),
			"ip":         c.IP(),
			"user_agent": c.Get("User-Agent"),
		}).Info("HTTP Request")

		return err
	}
}

// LogActivity writes an audit line for a state-changing scheduling action.
func LogActivity(c *fiber.Ctx, action, resource string, resourceID uint, details map[string]interface{}) {
	fields := logrus.Fields{
		"action":      action,
		"resource":    resource,
		"resource_id": resourceID,
		"ip":          c.IP(),
		"request_id":  c.Get("X-Request-ID"),
	}
	if claims, err := GetCurrentClaims(c); err == nil {
		fields["user_id"] = claims.UserID
		fields["username"] = claims.Username
		fields["role"] = claims.Role
	}
	for k, v := range details {
		fields[k] = v
	}
	logrus.WithFields(fields).Info("Activity")
}
