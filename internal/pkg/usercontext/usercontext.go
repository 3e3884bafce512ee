package usercontext

import "github.com/gofiber/fiber/v2"

// LocalsKey is the fiber Locals key holding the request's UserContext.
const LocalsKey = "USER_CONTEXT"

// UserContext represents the Pi identity of a request
type UserContext struct {
	Username        string `json:"username"`
	PiUID           string `json:"pi_uid,omitempty"`
	IsAuthenticated bool   `json:"is_authenticated"`
}

// GetUserContext retrieves the user context from fiber context
// Returns a default anonymous context if none is set
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx, ok := c.Locals(LocalsKey).(UserContext); ok {
		return ctx
	}
	return UserContext{}
}

// IsAuthenticated checks if the request carries a Pi identity
func IsAuthenticated(c *fiber.Ctx) bool {
	return GetUserContext(c).IsAuthenticated
}

// GetUsername returns the caller's Pi username, or empty string for anonymous requests
func GetUsername(c *fiber.Ctx) string {
	return GetUserContext(c).Username
}
