package handlers

import (
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

type AuthHandler struct {
	DB       *gorm.DB
	Sessions *services.RefreshSessionService
	Cfg      *config.Config
}

func NewAuthHandler(db *gorm.DB, sessions *services.RefreshSessionService, cfg *config.Config) *AuthHandler {
	return &AuthHandler{DB: db, Sessions: sessions, Cfg: cfg}
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

// Login verifies username/password and opens a new refresh session. Unknown
// usernames and wrong passwords produce the same response so the endpoint
// cannot be used to probe for accounts.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Username = strings.TrimSpace(req.Username)

	if req.Username == "" || req.Password == "" {
		return utils.Error(c, fiber.StatusBadRequest, "username and password are required")
	}

	var staff models.Staff
	if err := h.DB.First(&staff, "username = ? AND is_active = ?", req.Username, true).Error; err != nil {
		logger.Warn("login_failed_user_not_found", map[string]interface{}{
			"username": req.Username,
			"ip":       c.IP(),
		})
		metrics.Logins.WithLabelValues("password", "failure").Inc()
		return utils.Error(c, fiber.StatusUnauthorized, "invalid credentials")
	}

	if !utils.CheckPassword(req.Password, staff.PasswordHash) {
		logger.Warn("login_failed_invalid_password", map[string]interface{}{
			"staff_id": staff.ID,
			"ip":       c.IP(),
		})
		metrics.Logins.WithLabelValues("password", "failure").Inc()
		return utils.Error(c, fiber.StatusUnauthorized, "invalid credentials")
	}

	payload, err := issueSession(c, h.Sessions, h.Cfg, &staff, req.RememberMe)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to create session")
	}

	logger.Info("staff_login", map[string]interface{}{
		"staff_id":   staff.ID,
		"username":   staff.Username,
		"ip":         c.IP(),
		"request_id": getRequestID(c),
	})
	metrics.Logins.WithLabelValues("password", "success").Inc()

	return utils.Success(c, fiber.StatusOK, payload)
}

// Logout revokes the current refresh session. The cookie is cleared and 200
// returned no matter what; a failed server-side revoke must not surface to
// the client.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	if raw := c.Cookies(refreshCookieName); raw != "" {
		if err := h.Sessions.Revoke(raw, "logout"); err != nil {
			logger.Error("logout_revoke_failed", err, map[string]interface{}{
				"ip": c.IP(),
			})
		}
	}

	clearRefreshCookie(c, h.Cfg)
	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "logged out"})
}

// Refresh rotates the presented refresh token and reissues an access token.
// The old raw token is unusable afterwards.
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	raw := c.Cookies(refreshCookieName)
	if raw == "" {
		return utils.Error(c, fiber.StatusUnauthorized, "missing refresh token")
	}

	session, err := h.Sessions.Verify(raw)
	if err != nil {
		if !errors.Is(err, services.ErrSessionNotFound) {
			return utils.Error(c, fiber.StatusInternalServerError, "failed to verify session")
		}
		metrics.RefreshRotations.WithLabelValues("failure").Inc()
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired refresh token")
	}

	var staff models.Staff
	if err := h.DB.First(&staff, "id = ? AND is_active = ?", session.StaffID, true).Error; err != nil {
		metrics.RefreshRotations.WithLabelValues("failure").Inc()
		return utils.Error(c, fiber.StatusUnauthorized, "account not found or inactive")
	}

	newToken, rotated, err := h.Sessions.Rotate(raw, &staff, c.Get("User-Agent"), c.IP())
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			metrics.RefreshRotations.WithLabelValues("failure").Inc()
			return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired refresh token")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed to rotate session")
	}

	accessToken, err := utils.GenerateAccessToken(&staff)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	setRefreshCookie(c, h.Cfg, newToken, rotated.ExpiresAt)
	metrics.RefreshRotations.WithLabelValues("success").Inc()

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"token":     accessToken,
		"expiresIn": int(utils.AccessTokenTTL.Seconds()),
	})
}

func (h *AuthHandler) GetSessions(c *fiber.Ctx) error {
	staff := middleware.CurrentStaff(c)
	if staff == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	sessions, err := h.Sessions.ListSessions(staff.ID, c.Cookies(refreshCookieName))
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to list sessions")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"sessions": sessions})
}

func (h *AuthHandler) RevokeSession(c *fiber.Ctx) error {
	staff := middleware.CurrentStaff(c)
	if staff == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	sessionID, err := parseID(c.Params("tokenId"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid session ID")
	}

	if err := h.Sessions.RevokeByID(sessionID, staff.ID, "revoked_by_user"); err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			return utils.Error(c, fiber.StatusNotFound, "session not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed to revoke session")
	}

	logger.Info("session_revoked", map[string]interface{}{
		"staff_id":   staff.ID,
		"session_id": sessionID,
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "session revoked"})
}

func (h *AuthHandler) RevokeAllOtherSessions(c *fiber.Ctx) error {
	staff := middleware.CurrentStaff(c)
	if staff == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	revoked, err := h.Sessions.RevokeAllOthers(staff.ID, c.Cookies(refreshCookieName), "revoked_all_others")
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to revoke sessions")
	}

	logger.Info("sessions_revoked_all_others", map[string]interface{}{
		"staff_id": staff.ID,
		"revoked":  revoked,
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"revoked": revoked})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	staff := middleware.CurrentStaff(c)
	if staff == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	return utils.Success(c, fiber.StatusOK, staff)
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// ChangePassword re-hashes the credential and revokes every other live
// session, so a stolen refresh token does not survive a password change.
func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	staff := middleware.CurrentStaff(c)
	if staff == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req changePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if len(req.NewPassword) < 8 {
		return utils.Error(c, fiber.StatusBadRequest, "newPassword must be at least 8 characters")
	}

	var current models.Staff
	if err := h.DB.First(&current, "id = ?", staff.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading account")
	}

	if !utils.CheckPassword(req.OldPassword, current.PasswordHash) {
		return utils.Error(c, fiber.StatusBadRequest, "oldPassword is incorrect")
	}

	hash, err := utils.HashPassword(req.NewPassword)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed hashing password")
	}

	err = h.DB.Model(&models.Staff{}).Where("id = ?", staff.ID).Updates(map[string]interface{}{
		"password_hash": hash,
		"first_login":   false,
	}).Error
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating password")
	}

	if _, err := h.Sessions.RevokeAllOthers(staff.ID, c.Cookies(refreshCookieName), "password_changed"); err != nil {
		logger.Error("password_change_revoke_failed", err, map[string]interface{}{
			"staff_id": staff.ID,
		})
	}

	logger.Info("password_changed", map[string]interface{}{
		"staff_id": staff.ID,
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "password updated"})
}
