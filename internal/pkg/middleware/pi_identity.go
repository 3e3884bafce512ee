package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/droplink/droplink-api/internal/pkg/usercontext"
)

const (
	HeaderPiUsername = "X-Pi-Username"
	HeaderPiUID      = "X-Pi-Uid"

	maxUsernameLength = 64
)

// PiIdentityMiddleware reads the Pi identity headers set by the client after
// Pi authentication. Requests without them continue as anonymous.
func PiIdentityMiddleware(c *fiber.Ctx) error {
	username := strings.TrimPrefix(strings.TrimSpace(c.Get(HeaderPiUsername)), "@")
	if len(username) > maxUsernameLength {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": "Pi username too long",
		})
	}

	c.Locals(usercontext.LocalsKey, usercontext.UserContext{
		Username:        username,
		PiUID:           strings.TrimSpace(c.Get(HeaderPiUID)),
		IsAuthenticated: username != "",
	})
	return c.Next()
}

// RequirePiIdentity rejects anonymous requests with JSON 401.
func RequirePiIdentity(c *fiber.Ctx) error {
	if !usercontext.IsAuthenticated(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "Pi authentication required",
		})
	}
	return c.Next()
}
