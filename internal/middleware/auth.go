package middleware

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/herdbook/backend/internal/models"
	"github.com/herdbook/backend/pkg/logger"
	"github.com/herdbook/backend/pkg/utils"
	"gorm.io/gorm"
)

const currentStaffKey = "currentStaff"

// NewTokenHeader carries the rolling replacement access token attached to
// every authenticated response.
const NewTokenHeader = "X-New-Token"

type AuthMiddleware struct {
	DB *gorm.DB
}

func NewAuthMiddleware(db *gorm.DB) *AuthMiddleware {
	return &AuthMiddleware{DB: db}
}

func CORS() fiber.Handler {
	return cors.New(cors.Config{
		AllowOrigins:     "http://localhost:3001,http://127.0.0.1:3001",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowCredentials: true,
		ExposeHeaders:    NewTokenHeader,
	})
}

// RequireAuth validates the bearer access token, attaches the staff record
// to the request, and mints a rolling replacement token into the response
// headers. The replacement is minted on every request regardless of how
// fresh the presented token is.
func (a *AuthMiddleware) RequireAuth(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		logger.Warn("jwt_missing_header", map[string]interface{}{
			"ip":   c.IP(),
			"path": c.Path(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "missing authorization header")
	}

	tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
	if tokenString == authHeader || tokenString == "" {
		logger.Warn("jwt_invalid_format", map[string]interface{}{
			"ip":   c.IP(),
			"path": c.Path(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid authorization format")
	}

	claims, err := utils.ValidateToken(tokenString, utils.TokenKindAccess)
	if err != nil {
		logger.Warn("jwt_validation_failed", map[string]interface{}{
			"ip":    c.IP(),
			"path":  c.Path(),
			"error": err.Error(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired token")
	}

	var staff models.Staff
	if err := a.DB.First(&staff, "id = ? AND is_active = ?", claims.StaffID, true).Error; err != nil {
		logger.Warn("jwt_staff_not_found", map[string]interface{}{
			"ip":       c.IP(),
			"path":     c.Path(),
			"staff_id": claims.StaffID,
		})
		return utils.Error(c, fiber.StatusUnauthorized, "account not found or inactive")
	}

	c.Locals(currentStaffKey, &staff)
	c.Locals("staffID", strconv.FormatUint(uint64(staff.ID), 10))

	if fresh, err := utils.GenerateAccessToken(&staff); err == nil {
		c.Set(NewTokenHeader, fresh)
	}

	return c.Next()
}

func CurrentStaff(c *fiber.Ctx) *models.Staff {
	value := c.Locals(currentStaffKey)
	if value == nil {
		return nil
	}
	staff, ok := value.(*models.Staff)
	if !ok {
		return nil
	}
	return staff
}
