package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/vshub/backend/internal/middleware"
	"github.com/vshub/backend/internal/models"
	"github.com/vshub/backend/internal/services"
	"github.com/vshub/backend/internal/vault"
	"github.com/vshub/backend/pkg/logger"
	"github.com/vshub/backend/pkg/utils"
	"gorm.io/gorm"
)

type TwofaHandler struct {
	DB       *gorm.DB
	TOTP     *services.TOTPService
	Recovery *services.RecoveryService
	Risk     *services.RiskService
	Audit    *services.AuditService
}

func NewTwofaHandler(db *gorm.DB, totp *services.TOTPService, recovery *services.RecoveryService,
	risk *services.RiskService, audit *services.AuditService) *TwofaHandler {
	return &TwofaHandler{DB: db, TOTP: totp, Recovery: recovery, Risk: risk, Audit: audit}
}

func (h *TwofaHandler) Status(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	enrolled, err := h.TOTP.Enrolled(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load 2FA status")
	}

	remaining, _ := h.Recovery.Remaining(user.ID)

	var passkeys int64
	h.DB.Model(&models.WebAuthnCredential{}).Where("user_id = ?", user.ID).Count(&passkeys)

	var trustedDevices int64
	h.DB.Model(&models.TrustedDevice{}).Where("user_id = ?", user.ID).Count(&trustedDevices)

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"twofaEnabled":           user.TwofaEnabled,
		"twofaEnforced":          user.TwofaEnforced,
		"totpEnrolled":           enrolled,
		"lastTwofaAt":            user.LastTwofaAt,
		"recoveryCodesRemaining": remaining,
		"passkeyCount":           passkeys,
		"trustedDeviceCount":     trustedDevices,
	})
}

// Setup starts TOTP enrollment and returns the provisioning material. The
// confirmation window starts now; a 2FA-enabled account gets a conflict.
func (h *TwofaHandler) Setup(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	info, err := h.TOTP.BeginSetup(user)
	if err != nil {
		switch err {
		case vault.ErrUnavailable:
			return utils.Error(c, fiber.StatusServiceUnavailable, "two-factor enrollment is not available")
		case services.ErrAlreadyEnrolled:
			return utils.Error(c, fiber.StatusConflict, "two-factor authentication is already enabled")
		default:
			return utils.Error(c, fiber.StatusInternalServerError, "failed to start 2FA setup")
		}
	}

	logger.Info("twofa_setup_started", map[string]interface{}{
		"user_id": user.ID.String(),
	})
	return utils.Success(c, fiber.StatusOK, info)
}

type verifySetupRequest struct {
	Code string `json:"code"`
}

// VerifySetup confirms the enrollment code. An expired pending secret comes
// back as 410 so the client knows to restart rather than retry.
func (h *TwofaHandler) VerifySetup(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req verifySetupRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "code is required")
	}

	codes, err := h.TOTP.ConfirmSetup(user, req.Code, c.IP(), c.Get("User-Agent"))
	if err != nil {
		switch err {
		case services.ErrNoPendingSetup:
			return utils.Error(c, fiber.StatusBadRequest, "2FA setup not started")
		case services.ErrSetupExpired:
			return utils.Error(c, fiber.StatusGone, "setup window expired, restart enrollment")
		case services.ErrInvalidCode:
			return utils.Error(c, fiber.StatusBadRequest, "invalid verification code")
		default:
			return utils.Error(c, fiber.StatusInternalServerError, "failed to verify setup")
		}
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"recoveryCodes": codes,
	})
}

type disableTwofaRequest struct {
	Password string `json:"password"`
}

func (h *TwofaHandler) Disable(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req disableTwofaRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Password == "" {
		return utils.Error(c, fiber.StatusBadRequest, "password is required")
	}

	err := h.TOTP.Disable(user, req.Password, c.IP(), c.Get("User-Agent"))
	if err != nil {
		switch err {
		case services.ErrInvalidPassword:
			return utils.Error(c, fiber.StatusUnauthorized, "invalid password")
		case services.ErrDisableForbidden:
			return utils.Error(c, fiber.StatusForbidden, "two-factor authentication is required for this account")
		default:
			return utils.Error(c, fiber.StatusInternalServerError, "failed to disable 2FA")
		}
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"message": "two-factor authentication disabled",
	})
}

// RegenerateRecovery replaces the recovery code set. Only available once 2FA
// is active; the previous set, used or not, stops working immediately.
func (h *TwofaHandler) RegenerateRecovery(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	if !user.TwofaEnabled {
		return utils.Error(c, fiber.StatusBadRequest, "two-factor authentication is not enabled")
	}

	codes, err := h.Recovery.Generate(user.ID, h.TOTP.Config.RecoveryCodeCount)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to regenerate recovery codes")
	}

	logger.Info("recovery_codes_regenerated", map[string]interface{}{
		"user_id": user.ID.String(),
		"count":   len(codes),
	})
	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"recoveryCodes": codes,
	})
}

func (h *TwofaHandler) ListDevices(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	devices, err := h.Risk.ListDevices(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to list trusted devices")
	}
	return utils.Success(c, fiber.StatusOK, devices)
}

func (h *TwofaHandler) DeleteDevice(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	deviceID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid device ID")
	}

	if err := h.Risk.DeleteDevice(user.ID, deviceID); err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.Error(c, fiber.StatusNotFound, "trusted device not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed to remove trusted device")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"message": "trusted device removed",
	})
}

func (h *TwofaHandler) DeleteAllDevices(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	removed, err := h.Risk.DeleteAllDevices(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to remove trusted devices")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"removed": removed,
	})
}
