package httpapi

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"caseledger/claim"
	"caseledger/pricing"
)

type claimRequest struct {
	CaseIDs []string `json:"case_ids"`
}

type claimJSON struct {
	ID                string     `json:"id"`
	CaseID            string     `json:"case_id"`
	ClaimantID        string     `json:"claimant_id"`
	ClaimedAt         time.Time  `json:"claimed_at"`
	ReleasedAt        *time.Time `json:"released_at,omitempty"`
	ScoreAtClaim      int        `json:"score_at_claim"`
	PriceCentsAtClaim int        `json:"price_cents_at_claim"`
	IsActive          bool       `json:"is_active"`
}

func toClaimJSON(claims []claim.Claim) []claimJSON {
	out := make([]claimJSON, 0, len(claims))
	for _, cl := range claims {
		out = append(out, claimJSON{
			ID:                cl.ID,
			CaseID:            cl.CaseID,
			ClaimantID:        cl.ClaimantID,
			ClaimedAt:         cl.ClaimedAt,
			ReleasedAt:        cl.ReleasedAt,
			ScoreAtClaim:      cl.ScoreAtClaim,
			PriceCentsAtClaim: cl.PriceCentsAtClaim,
			IsActive:          cl.IsActive,
		})
	}
	return out
}

func (s *Server) handleClaim(c *fiber.Ctx) error {
	var req claimRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "invalid request body")
	}
	if len(req.CaseIDs) == 0 {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "case_ids is required")
	}

	result, err := s.claims.Claim(c.Context(), req.CaseIDs, actorFrom(c))
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "internal_error", "claim failed")
	}
	return c.JSON(fiber.Map{
		"claimed":  toClaimJSON(result.Claimed),
		"rejected": result.Rejected,
	})
}

func (s *Server) handleRelease(c *fiber.Ctx) error {
	var req claimRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "invalid request body")
	}
	if len(req.CaseIDs) == 0 {
		return errorJSON(c, fiber.StatusBadRequest, "bad_request", "case_ids is required")
	}

	result, err := s.claims.Release(c.Context(), req.CaseIDs, actorFrom(c))
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "internal_error", "release failed")
	}
	return c.JSON(fiber.Map{
		"released": toClaimJSON(result.Released),
		"rejected": result.Rejected,
	})
}

// handleCaseAccess answers the ownership gate: may this actor open the case
// detail. Admins always may; everyone else only while they hold the claim.
func (s *Server) handleCaseAccess(c *fiber.Ctx) error {
	caseID := c.Params("id")

	allowed, err := s.claims.IsOwnerOrAdmin(c.Context(), caseID, actorFrom(c))
	if err != nil {
		if errors.Is(err, claim.ErrCaseNotFound) {
			return errorJSON(c, fiber.StatusNotFound, "not_found", "case not found")
		}
		return errorJSON(c, fiber.StatusInternalServerError, "internal_error", "access check failed")
	}
	return c.JSON(fiber.Map{"access": allowed})
}

func (s *Server) handlePricingTiers(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"tiers": pricing.Tiers()})
}
