// handlers/admin.go
package handlers

import (
	"github.com/gofiber/fiber/v2"

	"game-library-sync/middleware"
	"game-library-sync/models"
	"game-library-sync/services"
	"game-library-sync/store"
)

type mergeRequest struct {
	SurvivorID string `json:"survivor_id"`
}

type ignoreRequest struct {
	Ignored *bool `json:"ignored"`
}

// AdminHandler serves operator routes for duplicate review and run upkeep.
type AdminHandler struct {
	coordinator *services.Coordinator
	merger      *services.Merger
}

func NewAdminHandler(coordinator *services.Coordinator, merger *services.Merger) *AdminHandler {
	return &AdminHandler{coordinator: coordinator, merger: merger}
}

func SetupAdminRoutes(app *fiber.App, h *AdminHandler) {
	admin := app.Group("/s/admin", middleware.UserContextMiddleware(), middleware.RequireRole("admin"))

	admin.Get("/pairs", h.ListPairs)
	admin.Post("/pairs/scan", h.ScanPairs)
	admin.Post("/pairs/:id/merge", h.MergePair)
	admin.Post("/pairs/:id/reject", h.RejectPair)
	admin.Post("/pairs/:id/ignore", h.IgnorePair)

	admin.Get("/collisions", h.ListCollisions)
	admin.Post("/collisions/:id/review", h.ReviewCollision)

	admin.Get("/runs", h.ListRuns)
	admin.Post("/runs/sweep", h.Sweep)
}

func (h *AdminHandler) ListPairs(c *fiber.Ctx) error {
	pairs, err := h.merger.Pairs(c.UserContext(), c.QueryInt("limit", 50), c.QueryInt("offset", 0))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"pairs": pairs})
}

func (h *AdminHandler) ScanPairs(c *fiber.Ctx) error {
	found, err := h.merger.Scan(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"new_pairs": found})
}

func (h *AdminHandler) MergePair(c *fiber.Ctx) error {
	var req mergeRequest
	if err := c.BodyParser(&req); err != nil || req.SurvivorID == "" {
		return badRequest(c, "survivor_id is required")
	}
	survivor, err := h.merger.Merge(c.UserContext(), c.Params("id"), req.SurvivorID, middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(survivor)
}

func (h *AdminHandler) RejectPair(c *fiber.Ctx) error {
	if err := h.merger.Reject(c.UserContext(), c.Params("id"), middleware.UserID(c)); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *AdminHandler) IgnorePair(c *fiber.Ctx) error {
	ignored := true
	if len(c.Body()) > 0 {
		var req ignoreRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		if req.Ignored != nil {
			ignored = *req.Ignored
		}
	}
	if err := h.merger.Ignore(c.UserContext(), c.Params("id"), ignored); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *AdminHandler) ListCollisions(c *fiber.Ctx) error {
	collisions, err := h.merger.Collisions(c.UserContext(), c.QueryBool("include_reviewed", false), c.QueryInt("limit", 50), c.QueryInt("offset", 0))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"collisions": collisions})
}

func (h *AdminHandler) ReviewCollision(c *fiber.Ctx) error {
	if err := h.merger.ReviewCollision(c.UserContext(), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *AdminHandler) ListRuns(c *fiber.Ctx) error {
	filter := store.RunFilter{
		UserID: c.Query("user_id"),
		State:  models.RunState(c.Query("state")),
		Limit:  c.QueryInt("limit", 50),
		Offset: c.QueryInt("offset", 0),
	}
	if raw := c.Query("platform"); raw != "" {
		p, err := models.ParsePlatform(raw)
		if err != nil {
			return badRequest(c, err.Error())
		}
		filter.Platform = p
	}
	runs, err := h.coordinator.Runs(c.UserContext(), filter)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"runs": runs})
}

// Sweep runs the stale-run sweeper and lost-retry recovery immediately.
func (h *AdminHandler) Sweep(c *fiber.Ctx) error {
	swept, err := h.coordinator.SweepStale(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	recovered, err := h.coordinator.RecoverLostRetries(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"swept": swept, "recovered": recovered})
}
