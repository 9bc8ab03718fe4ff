package httpapi

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"caseledger/auth"
	"caseledger/claim"
)

const actorKey = "actor"

// requireAuth authenticates the bearer token and stores the resolved actor in
// the request locals for downstream handlers.
func (s *Server) requireAuth(c *fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return errorJSON(c, fiber.StatusUnauthorized, "unauthorized", "missing bearer token")
	}

	userID, role, err := s.auth.VerifyToken(token)
	if err != nil {
		return errorJSON(c, fiber.StatusUnauthorized, "unauthorized", "invalid token")
	}

	c.Locals(actorKey, claim.Actor{ID: userID, Admin: role == auth.RoleAdmin})
	return c.Next()
}

func (s *Server) requireAdmin(c *fiber.Ctx) error {
	if !actorFrom(c).Admin {
		return errorJSON(c, fiber.StatusForbidden, "forbidden", "admin role required")
	}
	return c.Next()
}

func actorFrom(c *fiber.Ctx) claim.Actor {
	actor, _ := c.Locals(actorKey).(claim.Actor)
	return actor
}
