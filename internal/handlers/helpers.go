package handlers

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/herdbook/backend/internal/config"
	"github.com/herdbook/backend/internal/models"
	"github.com/herdbook/backend/internal/services"
	"github.com/herdbook/backend/pkg/utils"
)

const refreshCookieName = "refreshToken"

func parseID(value string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(value), 10, 32)
	return uint(id), err
}

func getRequestID(c *fiber.Ctx) string {
	if requestID, ok := c.Locals("requestID").(string); ok {
		return requestID
	}
	return ""
}

func setRefreshCookie(c *fiber.Ctx, cfg *config.Config, token string, expiresAt time.Time) {
	c.Cookie(&fiber.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HTTPOnly: true,
		Secure:   cfg.Server.IsProduction(),
		SameSite: fiber.CookieSameSiteStrictMode,
	})
}

func clearRefreshCookie(c *fiber.Ctx, cfg *config.Config) {
	c.Cookie(&fiber.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Now().Add(-time.Hour),
		MaxAge:   -1,
		HTTPOnly: true,
		Secure:   cfg.Server.IsProduction(),
		SameSite: fiber.CookieSameSiteStrictMode,
	})
}

// issueSession mints the access/refresh token pair for a freshly
// authenticated staff member, persists the refresh session, and sets the
// refresh cookie. Shared by password login and passkey login.
func issueSession(c *fiber.Ctx, sessions *services.RefreshSessionService, cfg *config.Config, staff *models.Staff, rememberMe bool) (fiber.Map, error) {
	accessToken, err := utils.GenerateAccessToken(staff)
	if err != nil {
		return nil, err
	}

	ttl := utils.RefreshTokenTTL
	if rememberMe {
		ttl = utils.RememberMeTokenTTL
	}
	expiresAt := time.Now().Add(ttl)

	refreshToken, err := utils.GenerateRefreshToken(staff, expiresAt)
	if err != nil {
		return nil, err
	}

	if _, err := sessions.Store(refreshToken, staff.ID, c.Get("User-Agent"), c.IP(), expiresAt); err != nil {
		return nil, err
	}

	setRefreshCookie(c, cfg, refreshToken, expiresAt)

	return fiber.Map{
		"user":      staff,
		"token":     accessToken,
		"expiresIn": int(utils.AccessTokenTTL.Seconds()),
	}, nil
}
