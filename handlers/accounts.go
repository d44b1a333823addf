// handlers/accounts.go
package handlers

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"game-library-sync/middleware"
	"game-library-sync/models"
	"game-library-sync/services"
	"game-library-sync/store"
	"game-library-sync/utils"
)

type linkRequest struct {
	Identifier string `json:"identifier"`
}

type syncRequest struct {
	IsFast              bool `json:"is_fast"`
	DisableAchievements bool `json:"disable_achievements"`
}

// AccountHandler serves the user-facing link, sync and run history routes.
type AccountHandler struct {
	coordinator *services.Coordinator
	objects     utils.ObjectStore
}

func NewAccountHandler(coordinator *services.Coordinator, objects utils.ObjectStore) *AccountHandler {
	return &AccountHandler{coordinator: coordinator, objects: objects}
}

func SetupAccountRoutes(app *fiber.App, h *AccountHandler) {
	// Run duration estimates are not user specific
	app.Get("/runs/stats", h.RunStats)

	// 🔐 Secured routes, require user context
	secured := app.Group("/s", middleware.UserContextMiddleware())

	secured.Get("/accounts", h.ListAccounts)
	secured.Post("/accounts/file/upload", h.UploadExport)
	secured.Post("/accounts/:platform", h.LinkAccount)
	secured.Post("/accounts/:platform/sync", h.RequestSync)
	secured.Get("/runs", h.ListRuns)
}

func platformParam(c *fiber.Ctx) (models.Platform, error) {
	return models.ParsePlatform(c.Params("platform"))
}

func (h *AccountHandler) ListAccounts(c *fiber.Ctx) error {
	links, err := h.coordinator.Accounts(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"accounts": links})
}

func (h *AccountHandler) LinkAccount(c *fiber.Ctx) error {
	p, err := platformParam(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req linkRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	link, err := h.coordinator.LinkAccount(c.UserContext(), middleware.UserID(c), p, req.Identifier)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(link)
}

func (h *AccountHandler) RequestSync(c *fiber.Ctx) error {
	p, err := platformParam(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req syncRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	err = h.coordinator.RequestSync(c.UserContext(), middleware.UserID(c), p, services.SyncRequest{
		IsFast:              req.IsFast,
		DisableAchievements: req.DisableAchievements,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "queued"})
}

// UploadExport stores a library export file and links it as the user's
// file-import account, which queues its import.
func (h *AccountHandler) UploadExport(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "missing file")
	}
	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	if ext != ".csv" && ext != ".json" {
		return badRequest(c, "export must be a .csv or .json file")
	}

	userID := middleware.UserID(c)
	key := fmt.Sprintf("imports/%s/%s%s", userID, uuid.NewString(), ext)
	if err := utils.UploadMultipart(c.UserContext(), h.objects, fileHeader, key); err != nil {
		return respondError(c, err)
	}

	link, err := h.coordinator.LinkAccount(c.UserContext(), userID, models.PlatformFileImport, key)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(link)
}

func (h *AccountHandler) ListRuns(c *fiber.Ctx) error {
	filter := store.RunFilter{
		UserID: middleware.UserID(c),
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

func (h *AccountHandler) RunStats(c *fiber.Ctx) error {
	stats, err := h.coordinator.DurationStats(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"stats": stats})
}
