package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"englishkorat_scheduler/config"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	paths    []string
	statuses []int
}

func (r *recordingObserver) ObserveHTTPRequest(method, path string, status int, _ time.Duration) {
	r.paths = append(r.paths, path)
	r.statuses = append(r.statuses, status)
}

func newTestApp(observer RequestObserver) *fiber.App {
	config.AppConfig = &config.Config{JWTSecret: "test-secret-0123456789", JWTExpiresIn: time.Hour}

	app := fiber.New()
	app.Use(LoggerMiddleware(observer))
	api := app.Group("/api", JWTMiddleware())
	api.Get("/classes/:id", RequireTeacherOrAbove(), func(c *fiber.Ctx) error {
		claims, err := GetCurrentClaims(c)
		if err != nil {
			return err
		}
		return c.SendString(claims.Username)
	})
	api.Post("/reschedule", RequireOwnerOrAdmin(), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusAccepted)
	})
	return app
}

func TestJWTMiddlewareAndRoles(t *testing.T) {
	observer := &recordingObserver{}
	app := newTestApp(observer)

	teacherToken, err := GenerateToken(5, "kru.ann", RoleTeacher, 1)
	require.NoError(t, err)
	parentToken, err := GenerateToken(9, "parent", "parent", 1)
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		auth   string
		status int
	}{
		{"missing header", "GET", "/api/classes/1", "", fiber.StatusUnauthorized},
		{"not bearer", "GET", "/api/classes/1", "Token abc", fiber.StatusUnauthorized},
		{"garbage token", "GET", "/api/classes/1", "Bearer abc.def.ghi", fiber.StatusUnauthorized},
		{"unknown role", "GET", "/api/classes/1", "Bearer " + parentToken, fiber.StatusUnauthorized},
		{"teacher reads", "GET", "/api/classes/1", "Bearer " + teacherToken, fiber.StatusOK},
		{"teacher cannot reschedule", "POST", "/api/reschedule", "Bearer " + teacherToken, fiber.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	assert.Contains(t, observer.paths, "/api/classes/:id")
}

func TestAdminCanReschedule(t *testing.T) {
	app := newTestApp(nil)
	token, err := GenerateToken(1, "admin", RoleAdmin, 0)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/reschedule", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
}
