package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"caseledger/auth"
)

type userJSON struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	FullName      string `json:"full_name"`
	Role          string `json:"role"`
	MaxClaims     int    `json:"max_claims"`
	BillingActive bool   `json:"billing_active"`
}

func toUserJSON(u auth.User) userJSON {
	return userJSON{
		ID:            u.ID,
		Email:         u.Email,
		FullName:      u.FullName,
		Role:          string(u.Role),
		MaxClaims:     u.MaxClaims,
		BillingActive: u.BillingActive,
	}
}

func (s *Server) handleRegister(c *fiber.Ctx) error {
	var req auth.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "invalid request body")
	}

	user, err := s.auth.Register(c.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrDuplicateEmail) {
			return errorJSON(c, fiber.StatusConflict, "duplicate_email", "email already registered")
		}
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(toUserJSON(*user))
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req auth.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "invalid request body")
	}

	result, err := s.auth.Login(c.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return errorJSON(c, fiber.StatusUnauthorized, "unauthorized", "invalid credentials")
		}
		return errorJSON(c, fiber.StatusInternalServerError, "internal_error", "login failed")
	}
	return c.JSON(fiber.Map{
		"token": result.Token,
		"user":  toUserJSON(result.User),
	})
}
