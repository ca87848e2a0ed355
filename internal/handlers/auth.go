package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/vshub/backend/internal/middleware"
	"github.com/vshub/backend/internal/models"
	"github.com/vshub/backend/internal/services"
	"github.com/vshub/backend/internal/session"
	"github.com/vshub/backend/pkg/logger"
	"github.com/vshub/backend/pkg/utils"
	"gorm.io/gorm"
)

type AuthHandler struct {
	DB       *gorm.DB
	Audit    *services.AuditService
	Risk     *services.RiskService
	Lockout  *services.LockoutService
	TOTP     *services.TOTPService
	Recovery *services.RecoveryService
	Session  *session.Store
}

func NewAuthHandler(db *gorm.DB, audit *services.AuditService, risk *services.RiskService,
	lockout *services.LockoutService, totp *services.TOTPService,
	recovery *services.RecoveryService, store *session.Store) *AuthHandler {
	return &AuthHandler{
		DB: db, Audit: audit, Risk: risk, Lockout: lockout,
		TOTP: totp, Recovery: recovery, Session: store,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login runs the password step. Depending on the account and device it ends
// in one of three ways: a full session token, an MFA pending token plus the
// factors the client may try, or a locked response.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Username == "" || req.Password == "" {
		return utils.Error(c, fiber.StatusBadRequest, "username and password are required")
	}

	var user models.User
	if err := h.DB.Where("username = ? OR email = ?", req.Username, req.Username).
		First(&user).Error; err != nil {
		h.Lockout.RecordUnknownUser(req.Username, c.IP())
		return utils.Error(c, fiber.StatusUnauthorized, "invalid credentials")
	}

	if locked, until := h.Lockout.IsLocked(&user); locked {
		return lockedResponse(c, until)
	}

	if !utils.CheckPassword(req.Password, user.PasswordHash) {
		locked, err := h.Lockout.RecordFailure(&user, c.IP(), c.Get("User-Agent"))
		if err != nil {
			logger.Error("login_attempt_record_failed", err, map[string]interface{}{
				"user_id": user.ID.String(),
			})
		}
		if locked {
			return lockedResponse(c, *user.LockedUntil)
		}
		return utils.Error(c, fiber.StatusUnauthorized, "invalid credentials")
	}

	required, reason, err := h.Risk.ShouldRequireSecondFactor(&user, c.Get("User-Agent"))
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to assess login")
	}

	if required {
		mfaToken, _, err := utils.GenerateMFAToken(user.ID, user.Username)
		if err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
		}

		remaining, _ := h.Recovery.Remaining(user.ID)
		var passkeys int64
		h.DB.Model(&models.WebAuthnCredential{}).Where("user_id = ?", user.ID).Count(&passkeys)

		return utils.Success(c, fiber.StatusOK, fiber.Map{
			"mfaRequired": true,
			"mfaToken":    mfaToken,
			"reason":      reason,
			"methods": fiber.Map{
				"totp":     true,
				"recovery": remaining > 0,
				"webauthn": passkeys > 0,
			},
		})
	}

	if err := h.Lockout.RecordSuccess(&user, c.IP()); err != nil {
		logger.Error("login_attempt_record_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
	}

	token, err := utils.GenerateToken(&user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	logger.Info("login_success", map[string]interface{}{
		"user_id":             user.ID.String(),
		"trusted_device_skip": user.TwofaEnabled,
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"token": token,
		"user":  user,
	})
}

type verifyTwofaRequest struct {
	MFAToken    string `json:"mfaToken"`
	Code        string `json:"code"`
	TrustDevice bool   `json:"trustDevice"`
}

// Verify2FA finishes a pending login with a TOTP code or a recovery code. The
// pending token is single use: a success consumes it, and a failure that
// trips the lockout discards it.
func (h *AuthHandler) Verify2FA(c *fiber.Ctx) error {
	var req verifyTwofaRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "code is required")
	}

	claims, err := utils.ValidateMFAToken(req.MFAToken)
	if err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired MFA token")
	}
	if !h.Session.IsJTIValid(claims.JTI) {
		return utils.Error(c, fiber.StatusUnauthorized, "MFA token already used")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", claims.UserID).Error; err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "user not found")
	}

	if locked, until := h.Lockout.IsLocked(&user); locked {
		return lockedResponse(c, until)
	}

	method := "totp"
	ok, err := h.TOTP.VerifyLogin(&user, req.Code)
	if err != nil && err != services.ErrNotEnrolled {
		return utils.Error(c, fiber.StatusInternalServerError, "verification failed")
	}
	totpEnrolled := err == nil
	if !ok {
		ok, err = h.Recovery.Consume(user.ID, req.Code)
		if err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "verification failed")
		}
		switch {
		case ok || !totpEnrolled:
			method = "recovery_code"
		default:
			// Both factors rejected the code; do not guess which one was meant.
			method = "unknown"
		}
	}

	if !ok {
		locked, lockErr := h.Lockout.RecordFailure(&user, c.IP(), c.Get("User-Agent"))
		if lockErr != nil {
			logger.Error("login_attempt_record_failed", lockErr, map[string]interface{}{
				"user_id": user.ID.String(),
			})
		}
		h.Audit.Record(services.AuditEntry{
			EventType: models.Audit2FAFailure,
			Actor:     user.Username,
			Target:    user.ID.String(),
			IPAddress: c.IP(),
			UserAgent: c.Get("User-Agent"),
			Details:   map[string]interface{}{"method": method},
		})
		if locked {
			// Lock discards the pending login; the user restarts after the window.
			h.Session.ConsumeJTI(claims.JTI)
			return lockedResponse(c, *user.LockedUntil)
		}
		return utils.Error(c, fiber.StatusUnauthorized, "invalid verification code")
	}

	if !h.Session.ConsumeJTI(claims.JTI) {
		return utils.Error(c, fiber.StatusUnauthorized, "MFA token already used")
	}

	now := time.Now()
	if err := h.DB.Model(&user).Update("last_twofa_at", now).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to finalize login")
	}
	user.LastTwofaAt = &now

	if err := h.Lockout.RecordSuccess(&user, c.IP()); err != nil {
		logger.Error("login_attempt_record_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
	}

	if req.TrustDevice {
		if err := h.Risk.GrantTrust(user.ID, c.Get("User-Agent"), c.IP()); err != nil {
			logger.Error("trust_grant_failed", err, map[string]interface{}{
				"user_id": user.ID.String(),
			})
		}
	}

	h.Audit.Record(services.AuditEntry{
		EventType: models.Audit2FASuccess,
		Actor:     user.Username,
		Target:    user.ID.String(),
		IPAddress: c.IP(),
		UserAgent: c.Get("User-Agent"),
		Details:   map[string]interface{}{"method": method},
	})

	token, err := utils.GenerateToken(&user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	response := fiber.Map{
		"token": token,
		"user":  user,
	}
	if method == "recovery_code" {
		remaining, _ := h.Recovery.Remaining(user.ID)
		response["recoveryCodesRemaining"] = remaining
	}
	return utils.Success(c, fiber.StatusOK, response)
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	return utils.Success(c, fiber.StatusOK, user)
}

func lockedResponse(c *fiber.Ctx, until time.Time) error {
	return c.Status(fiber.StatusLocked).JSON(fiber.Map{
		"success":     false,
		"error":       "account is temporarily locked",
		"lockedUntil": until.Format(time.RFC3339),
	})
}
