package handlers

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/herdbook/backend/internal/config"
	"github.com/herdbook/backend/internal/metrics"
	"github.com/herdbook/backend/internal/middleware"
	"github.com/herdbook/backend/internal/models"
	"github.com/herdbook/backend/internal/services"
	"github.com/herdbook/backend/pkg/logger"
	"github.com/herdbook/backend/pkg/utils"
	"gorm.io/gorm"
)

type WebAuthnHandler struct {
	DB       *gorm.DB
	Service  *services.WebAuthnService
	Sessions *services.RefreshSessionService
	Cfg      *config.Config
}

func NewWebAuthnHandler(db *gorm.DB, service *services.WebAuthnService, sessions *services.RefreshSessionService, cfg *config.Config) *WebAuthnHandler {
	return &WebAuthnHandler{DB: db, Service: service, Sessions: sessions, Cfg: cfg}
}

func (h *WebAuthnHandler) RegisterOptions(c *fiber.Ctx) error {
	staff := middleware.CurrentStaff(c)
	if staff == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	options, err := h.Service.BeginRegistration(c.Context(), staff.ID)
	if err != nil {
		logger.Error("webauthn_register_begin_failed", err, map[string]interface{}{
			"staff_id": staff.ID,
		})
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin registration")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"options": options})
}

type registerVerifyRequest struct {
	DeviceLabel string          `json:"deviceLabel"`
	Response    json.RawMessage `json:"response"`
}

func (h *WebAuthnHandler) RegisterVerify(c *fiber.Ctx) error {
	staff := middleware.CurrentStaff(c)
	if staff == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req registerVerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	credential, err := h.Service.FinishRegistration(c.Context(), staff.ID, req.Response, strings.TrimSpace(req.DeviceLabel))
	if err != nil {
		metrics.WebAuthnCeremonies.WithLabelValues("registration", "failure").Inc()
		if errors.Is(err, services.ErrChallengeNotFound) {
			return utils.Error(c, fiber.StatusBadRequest, "no pending registration challenge")
		}
		logger.Warn("webauthn_register_verify_failed", map[string]interface{}{
			"staff_id": staff.ID,
			"error":    err.Error(),
		})
		return utils.Error(c, fiber.StatusBadRequest, "failed to verify credential")
	}

	logger.Info("webauthn_credential_registered", map[string]interface{}{
		"staff_id":      staff.ID,
		"credential_id": credential.ID,
		"device_label":  credential.DeviceLabel,
	})
	metrics.WebAuthnCeremonies.WithLabelValues("registration", "success").Inc()

	return utils.Success(c, fiber.StatusCreated, fiber.Map{"credential": credential})
}

type loginOptionsRequest struct {
	Username string `json:"username"`
}

// LoginOptions is public. Every failure collapses into one generic message
// so the endpoint does not reveal which usernames exist or hold passkeys.
func (h *WebAuthnHandler) LoginOptions(c *fiber.Ctx) error {
	var req loginOptionsRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		return utils.Error(c, fiber.StatusBadRequest, "username is required")
	}

	options, err := h.Service.BeginAuthentication(c.Context(), req.Username)
	if err != nil {
		logger.Warn("webauthn_login_begin_failed", map[string]interface{}{
			"username": req.Username,
			"ip":       c.IP(),
			"error":    err.Error(),
		})
		return utils.Error(c, fiber.StatusBadRequest, "passkey login unavailable")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"options": options})
}

type loginVerifyRequest struct {
	Username   string          `json:"username"`
	RememberMe bool            `json:"rememberMe"`
	Response   json.RawMessage `json:"response"`
}

func (h *WebAuthnHandler) LoginVerify(c *fiber.Ctx) error {
	var req loginVerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		return utils.Error(c, fiber.StatusBadRequest, "username is required")
	}

	staff, _, err := h.Service.FinishAuthentication(c.Context(), req.Username, req.Response)
	if err != nil {
		metrics.WebAuthnCeremonies.WithLabelValues("authentication", "failure").Inc()
		metrics.Logins.WithLabelValues("passkey", "failure").Inc()
		if errors.Is(err, services.ErrChallengeNotFound) {
			return utils.Error(c, fiber.StatusBadRequest, "no pending login challenge")
		}
		logger.Warn("webauthn_login_verify_failed", map[string]interface{}{
			"username": req.Username,
			"ip":       c.IP(),
			"error":    err.Error(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "passkey verification failed")
	}

	payload, err := issueSession(c, h.Sessions, h.Cfg, staff, req.RememberMe)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to create session")
	}

	logger.Info("passkey_login", map[string]interface{}{
		"staff_id": staff.ID,
		"username": staff.Username,
		"ip":       c.IP(),
	})
	metrics.WebAuthnCeremonies.WithLabelValues("authentication", "success").Inc()
	metrics.Logins.WithLabelValues("passkey", "success").Inc()

	return utils.Success(c, fiber.StatusOK, payload)
}

func (h *WebAuthnHandler) ListCredentials(c *fiber.Ctx) error {
	staff := middleware.CurrentStaff(c)
	if staff == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var credentials []models.WebAuthnCredential
	if err := h.DB.Where("staff_id = ?", staff.ID).Order("created_at DESC").Find(&credentials).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to list credentials")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"credentials": credentials})
}

// DeleteCredential removes one passkey. Deleting the last one flips the
// account's passkey_enabled flag back off.
func (h *WebAuthnHandler) DeleteCredential(c *fiber.Ctx) error {
	staff := middleware.CurrentStaff(c)
	if staff == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	credID, err := parseID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential ID")
	}

	var credential models.WebAuthnCredential
	if err := h.DB.First(&credential, "id = ? AND staff_id = ?", credID, staff.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "passkey not found")
	}

	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&credential).Error; err != nil {
			return err
		}

		var remaining int64
		if err := tx.Model(&models.WebAuthnCredential{}).Where("staff_id = ?", staff.ID).Count(&remaining).Error; err != nil {
			return err
		}
		if remaining == 0 {
			return tx.Model(&models.Staff{}).Where("id = ?", staff.ID).Update("passkey_enabled", false).Error
		}
		return nil
	})
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to delete passkey")
	}

	logger.Info("webauthn_credential_deleted", map[string]interface{}{
		"staff_id":      staff.ID,
		"credential_id": credID,
		"device_label":  credential.DeviceLabel,
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "passkey removed"})
}
