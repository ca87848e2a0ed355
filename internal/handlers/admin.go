package handlers

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/vshub/backend/internal/middleware"
	"github.com/vshub/backend/internal/models"
	"github.com/vshub/backend/internal/services"
	"github.com/vshub/backend/internal/storage"
	"github.com/vshub/backend/internal/vault"
	"github.com/vshub/backend/pkg/utils"
	"gorm.io/gorm"
)

type AdminHandler struct {
	DB      *gorm.DB
	Lockout *services.LockoutService
	Audit   *services.AuditService
	Vault   *vault.Vault
	Storage *storage.MinIOClient
}

func NewAdminHandler(db *gorm.DB, lockout *services.LockoutService, audit *services.AuditService,
	v *vault.Vault, storageClient *storage.MinIOClient) *AdminHandler {
	return &AdminHandler{DB: db, Lockout: lockout, Audit: audit, Vault: v, Storage: storageClient}
}

// UnlockUser lifts a lockout ahead of its natural expiry.
func (h *AdminHandler) UnlockUser(c *fiber.Ctx) error {
	admin := middleware.GetCurrentUser(c)
	if admin == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	userID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user ID")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", userID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "user not found")
	}

	if err := h.Lockout.Unlock(&user, admin.Username, c.IP(), c.Get("User-Agent")); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to unlock account")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"message": "account unlocked",
	})
}

type enforceTwofaRequest struct {
	Enforced bool `json:"enforced"`
}

// SetTwofaEnforced marks an account as required to keep a second factor.
// Enforced users cannot run the disable flow.
func (h *AdminHandler) SetTwofaEnforced(c *fiber.Ctx) error {
	userID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user ID")
	}

	var req enforceTwofaRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", userID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "user not found")
	}

	if err := h.DB.Model(&user).Update("twofa_enforced", req.Enforced).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to update user")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"userID":   user.ID,
		"enforced": req.Enforced,
	})
}

// ListAuditEvents pages through the security trail, newest first. Stored IPs
// are decrypted for display; rows written before a vault key existed pass
// through unchanged.
func (h *AdminHandler) ListAuditEvents(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	query := h.DB.Model(&models.AuditEvent{})
	if eventType := strings.TrimSpace(c.Query("type")); eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}
	if actor := strings.TrimSpace(c.Query("actor")); actor != "" {
		query = query.Where("actor = ?", actor)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading audit events")
	}

	var events []models.AuditEvent
	if err := query.Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&events).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading audit events")
	}

	for i := range events {
		events[i].IPAddress = h.Vault.DecryptOrPlaintext(events[i].IPAddress)
	}

	return utils.Paginated(c, events, page, limit, total)
}

// ListAuditExports lists the NDJSON archive files written by the exporter.
func (h *AdminHandler) ListAuditExports(c *fiber.Ctx) error {
	if h.Storage == nil {
		return utils.Error(c, fiber.StatusServiceUnavailable, "audit archive is not configured")
	}

	exports, err := h.Storage.ListExports(c.Context(), "audit-events/")
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing audit exports")
	}
	return utils.Success(c, fiber.StatusOK, exports)
}

// AuditExportURL returns a short-lived download link for one archive file.
func (h *AdminHandler) AuditExportURL(c *fiber.Ctx) error {
	if h.Storage == nil {
		return utils.Error(c, fiber.StatusServiceUnavailable, "audit archive is not configured")
	}

	objectName := strings.TrimSpace(c.Query("object"))
	if objectName == "" || !strings.HasPrefix(objectName, "audit-events/") {
		return utils.Error(c, fiber.StatusBadRequest, "invalid object name")
	}

	url, err := h.Storage.PresignedGetURL(c.Context(), objectName, 15*time.Minute)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating download link")
	}
	return utils.Success(c, fiber.StatusOK, fiber.Map{"url": url})
}

// ListLoginAttempts exposes the raw attempt log for an account, newest first.
func (h *AdminHandler) ListLoginAttempts(c *fiber.Ctx) error {
	userID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user ID")
	}

	var attempts []models.LoginAttempt
	if err := h.DB.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(200).
		Find(&attempts).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading login attempts")
	}

	return utils.Success(c, fiber.StatusOK, attempts)
}
