package router

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droplink/droplink-api/app/controllers"
)

func TestSystemRoutes(t *testing.T) {
	app := fiber.New()
	InstallRouter(app, Handlers{})

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestHealthReportsUnavailable(t *testing.T) {
	app := fiber.New()
	InstallRouter(app, Handlers{Ready: func() error { return errors.New("database down") }})

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestPlansRouteIsPublic(t *testing.T) {
	app := fiber.New()
	InstallRouter(app, Handlers{})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/plans", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestApiIsRateLimited(t *testing.T) {
	t.Setenv("RATE_LIMIT_MAX", "1")
	app := fiber.New()
	InstallRouter(app, Handlers{})

	req := func() int {
		r := httptest.NewRequest("GET", "/api/v1/plans", nil)
		r.Header.Set("X-Pi-Username", "alice")
		resp, err := app.Test(r)
		require.NoError(t, err)
		return resp.StatusCode
	}
	assert.Equal(t, fiber.StatusOK, req())
	assert.Equal(t, fiber.StatusTooManyRequests, req())

	// Health checks sit outside the limiter.
	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRejectsOversizedIdentity(t *testing.T) {
	app := fiber.New()
	InstallRouter(app, Handlers{})

	r := httptest.NewRequest("GET", "/api/v1/plans", nil)
	r.Header.Set("X-Pi-Username", strings.Repeat("x", 100))
	resp, err := app.Test(r)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestPaymentRoutesRequireIdentity(t *testing.T) {
	app := fiber.New()
	InstallRouter(app, Handlers{Payments: controllers.NewPaymentController(nil)})

	for _, path := range []string{"prepare", "approve", "complete", "cancel", "error"} {
		r := httptest.NewRequest("POST", "/api/v1/payments/"+path, strings.NewReader(`{"paymentId":"pay_1"}`))
		r.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(r)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode, path)
	}
}
