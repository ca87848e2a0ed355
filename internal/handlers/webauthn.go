package handlers

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/vshub/backend/internal/middleware"
	"github.com/vshub/backend/internal/models"
	"github.com/vshub/backend/internal/services"
	"github.com/vshub/backend/internal/session"
	"github.com/vshub/backend/pkg/logger"
	"github.com/vshub/backend/pkg/utils"
	"gorm.io/gorm"
)

type WebAuthnHandler struct {
	DB       *gorm.DB
	WebAuthn *webauthn.WebAuthn
	Audit    *services.AuditService
	Risk     *services.RiskService
	Lockout  *services.LockoutService
	Session  *session.Store
}

func NewWebAuthnHandler(db *gorm.DB, wa *webauthn.WebAuthn, audit *services.AuditService,
	risk *services.RiskService, lockout *services.LockoutService, store *session.Store) *WebAuthnHandler {
	return &WebAuthnHandler{DB: db, WebAuthn: wa, Audit: audit, Risk: risk, Lockout: lockout, Session: store}
}

type webAuthnUser struct {
	user  models.User
	creds []webauthn.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	b, _ := u.user.ID.MarshalBinary()
	return b
}

func (u *webAuthnUser) WebAuthnName() string {
	return u.user.Email
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	return u.user.Username
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.creds
}

func (h *WebAuthnHandler) loadWebAuthnUser(userID uuid.UUID) (*webAuthnUser, error) {
	var user models.User
	if err := h.DB.First(&user, "id = ?", userID).Error; err != nil {
		return nil, err
	}

	var dbCreds []models.WebAuthnCredential
	h.DB.Where("user_id = ?", userID).Find(&dbCreds)

	creds := make([]webauthn.Credential, len(dbCreds))
	for i, dc := range dbCreds {
		var transports []protocol.AuthenticatorTransport
		if dc.Transports != "" {
			var ts []string
			json.Unmarshal([]byte(dc.Transports), &ts)
			for _, t := range ts {
				transports = append(transports, protocol.AuthenticatorTransport(t))
			}
		}
		creds[i] = webauthn.Credential{
			ID:              dc.CredentialID,
			PublicKey:       dc.PublicKey,
			AttestationType: dc.AttestationType,
			Authenticator: webauthn.Authenticator{
				AAGUID:    dc.AAGUID,
				SignCount: dc.SignCount,
			},
			Transport: transports,
			Flags: webauthn.CredentialFlags{
				BackupEligible: dc.BackupEligible,
				BackupState:    dc.BackupState,
			},
		}
	}

	return &webAuthnUser{user: user, creds: creds}, nil
}

func registrationKey(userID uuid.UUID) string {
	return "reg:" + userID.String()
}

func authenticationKey(jti string) string {
	return "auth:" + jti
}

// RegisterBegin opens a passkey registration ceremony for the logged-in user.
// Existing credentials are excluded so the authenticator refuses to register
// the same key twice.
func (h *WebAuthnHandler) RegisterBegin(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	waUser, err := h.loadWebAuthnUser(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load user")
	}

	exclusions := make([]protocol.CredentialDescriptor, len(waUser.creds))
	for i, cred := range waUser.creds {
		exclusions[i] = cred.Descriptor()
	}

	options, sessionData, err := h.WebAuthn.BeginRegistration(waUser,
		webauthn.WithExclusions(exclusions))
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin registration")
	}

	h.Session.PutCeremony(registrationKey(user.ID), *sessionData)

	return utils.Success(c, fiber.StatusOK, fiber.Map{"options": options})
}

type registerFinishRequest struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

func (h *WebAuthnHandler) RegisterFinish(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req registerFinishRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	sessionData, ok := h.Session.TakeCeremony(registrationKey(user.ID))
	if !ok {
		return utils.Error(c, fiber.StatusBadRequest, "No hay challenge pendiente")
	}

	waUser, err := h.loadWebAuthnUser(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load user")
	}

	parsedResponse, err := protocol.ParseCredentialCreationResponseBody(strings.NewReader(string(req.Response)))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential response")
	}

	credential, err := h.WebAuthn.CreateCredential(waUser, sessionData, parsedResponse)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "failed to verify credential")
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = services.DeviceLabel(c.Get("User-Agent"))
	}

	var transportsJSON []byte
	if len(credential.Transport) > 0 {
		ts := make([]string, len(credential.Transport))
		for i, t := range credential.Transport {
			ts[i] = string(t)
		}
		transportsJSON, _ = json.Marshal(ts)
	}

	deviceType := models.CredentialSingleDevice
	if credential.Flags.BackupEligible {
		deviceType = models.CredentialMultiDevice
	}

	dbCred := models.WebAuthnCredential{
		UserID:          user.ID,
		CredentialID:    credential.ID,
		PublicKey:       credential.PublicKey,
		AttestationType: credential.AttestationType,
		AAGUID:          credential.Authenticator.AAGUID,
		SignCount:       credential.Authenticator.SignCount,
		DeviceType:      deviceType,
		Transports:      string(transportsJSON),
		BackupEligible:  credential.Flags.BackupEligible,
		BackupState:     credential.Flags.BackupState,
		Label:           name,
	}
	if err := h.DB.Create(&dbCred).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save credential")
	}

	logger.Info("passkey_registered", map[string]interface{}{
		"user_id":       user.ID.String(),
		"credential_id": dbCred.ID.String(),
		"label":         dbCred.Label,
	})

	h.Audit.Record(services.AuditEntry{
		EventType: models.AuditPasskeyRegister,
		Actor:     user.Username,
		Target:    user.ID.String(),
		IPAddress: c.IP(),
		UserAgent: c.Get("User-Agent"),
		Details: map[string]interface{}{
			"label": dbCred.Label,
		},
	})

	return utils.Success(c, fiber.StatusCreated, dbCred)
}

type authBeginRequest struct {
	MFAToken string `json:"mfaToken"`
}

// AuthBegin opens a passkey login ceremony for a password-verified user. The
// ceremony is keyed to the pending token, so each login gets its own
// challenge and two parallel logins cannot cross.
func (h *WebAuthnHandler) AuthBegin(c *fiber.Ctx) error {
	var req authBeginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	claims, err := utils.ValidateMFAToken(req.MFAToken)
	if err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired MFA token")
	}
	if !h.Session.IsJTIValid(claims.JTI) {
		return utils.Error(c, fiber.StatusUnauthorized, "MFA token already used")
	}

	waUser, err := h.loadWebAuthnUser(claims.UserID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load user")
	}
	if len(waUser.creds) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "No hay passkeys registradas")
	}

	options, sessionData, err := h.WebAuthn.BeginLogin(waUser)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin authentication")
	}

	h.Session.PutCeremony(authenticationKey(claims.JTI), *sessionData)

	return utils.Success(c, fiber.StatusOK, fiber.Map{"options": options})
}

type authFinishRequest struct {
	MFAToken    string          `json:"mfaToken"`
	Response    json.RawMessage `json:"response"`
	TrustDevice bool            `json:"trustDevice"`
}

// AuthFinish validates the assertion and completes the login. A failed
// assertion is audited as a passkey failure but does not feed the lockout
// counter: possession of the pending token already proves the password.
func (h *WebAuthnHandler) AuthFinish(c *fiber.Ctx) error {
	var req authFinishRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	claims, err := utils.ValidateMFAToken(req.MFAToken)
	if err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired MFA token")
	}
	if !h.Session.IsJTIValid(claims.JTI) {
		return utils.Error(c, fiber.StatusUnauthorized, "MFA token already used")
	}

	sessionData, ok := h.Session.TakeCeremony(authenticationKey(claims.JTI))
	if !ok {
		return utils.Error(c, fiber.StatusBadRequest, "No hay challenge pendiente")
	}

	waUser, err := h.loadWebAuthnUser(claims.UserID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load user")
	}

	parsedResponse, err := protocol.ParseCredentialRequestResponseBody(strings.NewReader(string(req.Response)))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid assertion response")
	}

	credential, err := h.WebAuthn.ValidateLogin(waUser, sessionData, parsedResponse)
	if err != nil {
		h.Audit.Record(services.AuditEntry{
			EventType: models.AuditPasskeyFailure,
			Actor:     waUser.user.Username,
			Target:    waUser.user.ID.String(),
			IPAddress: c.IP(),
			UserAgent: c.Get("User-Agent"),
			Details:   nil,
		})
		return utils.Error(c, fiber.StatusUnauthorized, "passkey verification failed")
	}

	if !h.Session.ConsumeJTI(claims.JTI) {
		return utils.Error(c, fiber.StatusUnauthorized, "MFA token already used")
	}

	now := time.Now()
	h.DB.Model(&models.WebAuthnCredential{}).
		Where("user_id = ? AND credential_id = ?", claims.UserID, credential.ID).
		Updates(map[string]interface{}{
			"sign_count":   credential.Authenticator.SignCount,
			"last_used_at": now,
		})

	if err := h.DB.Model(&waUser.user).Update("last_twofa_at", now).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to finalize login")
	}
	waUser.user.LastTwofaAt = &now

	if err := h.Lockout.RecordSuccess(&waUser.user, c.IP()); err != nil {
		logger.Error("login_attempt_record_failed", err, map[string]interface{}{
			"user_id": waUser.user.ID.String(),
		})
	}

	if req.TrustDevice {
		if err := h.Risk.GrantTrust(waUser.user.ID, c.Get("User-Agent"), c.IP()); err != nil {
			logger.Error("trust_grant_failed", err, map[string]interface{}{
				"user_id": waUser.user.ID.String(),
			})
		}
	}

	h.Audit.Record(services.AuditEntry{
		EventType: models.AuditPasskeyAuthenticate,
		Actor:     waUser.user.Username,
		Target:    waUser.user.ID.String(),
		IPAddress: c.IP(),
		UserAgent: c.Get("User-Agent"),
		Details:   nil,
	})

	token, err := utils.GenerateToken(&waUser.user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"token": token,
		"user":  waUser.user,
	})
}

func (h *WebAuthnHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var creds []models.WebAuthnCredential
	h.DB.Where("user_id = ?", user.ID).Order("created_at DESC").Find(&creds)

	return utils.Success(c, fiber.StatusOK, creds)
}

type renamePasskeyRequest struct {
	Label string `json:"label"`
}

func (h *WebAuthnHandler) Rename(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	credID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential ID")
	}

	var req renamePasskeyRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Label) == "" {
		return utils.Error(c, fiber.StatusBadRequest, "label is required")
	}

	result := h.DB.Model(&models.WebAuthnCredential{}).
		Where("id = ? AND user_id = ?", credID, user.ID).
		Update("label", strings.TrimSpace(req.Label))
	if result.Error != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to rename passkey")
	}
	if result.RowsAffected == 0 {
		return utils.Error(c, fiber.StatusNotFound, "passkey not found")
	}

	var cred models.WebAuthnCredential
	h.DB.First(&cred, "id = ?", credID)
	return utils.Success(c, fiber.StatusOK, cred)
}

// Delete removes one of the caller's passkeys. The query is owner scoped, so
// deleting someone else's credential ID reads as not found.
func (h *WebAuthnHandler) Delete(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	credID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential ID")
	}

	var cred models.WebAuthnCredential
	if err := h.DB.First(&cred, "id = ? AND user_id = ?", credID, user.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "passkey not found")
	}

	if err := h.DB.Delete(&cred).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to delete passkey")
	}

	logger.Info("passkey_deleted", map[string]interface{}{
		"user_id":       user.ID.String(),
		"credential_id": credID.String(),
		"label":         cred.Label,
	})

	h.Audit.Record(services.AuditEntry{
		EventType: models.AuditPasskeyDelete,
		Actor:     user.Username,
		Target:    user.ID.String(),
		IPAddress: c.IP(),
		UserAgent: c.Get("User-Agent"),
		Details: map[string]interface{}{
			"label": cred.Label,
		},
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "passkey removed"})
}
