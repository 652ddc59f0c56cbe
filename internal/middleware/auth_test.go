package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/herdbook/backend/internal/models"
	"github.com/herdbook/backend/pkg/logger"
	"github.com/herdbook/backend/pkg/utils"
	"gorm.io/gorm"
)

var setupOnce sync.Once

func setupAuthTest(t *testing.T) (*fiber.App, *gorm.DB) {
	t.Helper()

	setupOnce.Do(func() {
		logger.Init()
		utils.ConfigureJWT("test-secret")
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if err := db.AutoMigrate(&models.Staff{}); err != nil {
		t.Fatalf("failed automigrating: %v", err)
	}

	app := fiber.New()
	auth := NewAuthMiddleware(db)
	app.Get("/protected", auth.RequireAuth, func(c *fiber.Ctx) error {
		staff := CurrentStaff(c)
		if staff == nil {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.JSON(fiber.Map{"username": staff.Username})
	})

	return app, db
}

func createStaff(t *testing.T, db *gorm.DB, active bool) (*models.Staff, string) {
	t.Helper()

	staff := &models.Staff{
		Username:     "amina",
		FullName:     "Amina Serikova",
		PasswordHash: "irrelevant",
		Role:         models.StaffRoleOfficer,
		IsActive:     active,
	}
	if err := db.Create(staff).Error; err != nil {
		t.Fatalf("failed creating staff: %v", err)
	}

	token, err := utils.GenerateAccessToken(staff)
	if err != nil {
		t.Fatalf("failed generating token: %v", err)
	}
	return staff, token
}

func request(t *testing.T, app *fiber.App, authorization string) *http.Response {
	t.Helper()

	req := httptest.NewRequest("GET", "/protected", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	resp, err := app.Test(req, int((5 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestRequireAuthAcceptsValidToken(t *testing.T) {
	app, db := setupAuthTest(t)
	_, token := createStaff(t, db, true)

	resp := request(t, app, "Bearer "+token)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRequireAuthMintsRollingToken(t *testing.T) {
	app, db := setupAuthTest(t)
	staff, token := createStaff(t, db, true)

	resp := request(t, app, "Bearer "+token)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	fresh := resp.Header.Get(NewTokenHeader)
	if fresh == "" {
		t.Fatal("expected rolling token header")
	}
	claims, err := utils.ValidateToken(fresh, utils.TokenKindAccess)
	if err != nil {
		t.Fatalf("rolling token failed validation: %v", err)
	}
	if claims.StaffID != staff.ID {
		t.Errorf("rolling token bound to staff %d, expected %d", claims.StaffID, staff.ID)
	}
}

func TestRequireAuthRejections(t *testing.T) {
	app, db := setupAuthTest(t)
	staff, token := createStaff(t, db, true)

	cases := []struct {
		name          string
		authorization string
	}{
		{name: "missing header", authorization: ""},
		{name: "wrong scheme", authorization: "Basic " + token},
		{name: "bare token", authorization: token},
		{name: "empty bearer", authorization: "Bearer "},
		{name: "garbage token", authorization: "Bearer not-a-jwt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := request(t, app, tc.authorization)
			if resp.StatusCode != fiber.StatusUnauthorized {
				t.Errorf("expected 401, got %d", resp.StatusCode)
			}
			if resp.Header.Get(NewTokenHeader) != "" {
				t.Error("rejected requests must not receive a rolling token")
			}
		})
	}

	t.Run("refresh token in header", func(t *testing.T) {
		refresh, err := utils.GenerateRefreshToken(staff, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("failed generating refresh token: %v", err)
		}
		resp := request(t, app, "Bearer "+refresh)
		if resp.StatusCode != fiber.StatusUnauthorized {
			t.Errorf("refresh token must not pass as access token, got %d", resp.StatusCode)
		}
	})
}

func TestRequireAuthRejectsDeactivatedStaff(t *testing.T) {
	app, db := setupAuthTest(t)
	staff, token := createStaff(t, db, true)

	db.Model(staff).Update("is_active", false)

	resp := request(t, app, "Bearer "+token)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("expected 401 for deactivated staff, got %d", resp.StatusCode)
	}
}

func TestCurrentStaffOutsideAuth(t *testing.T) {
	app := fiber.New()
	app.Get("/open", func(c *fiber.Ctx) error {
		if CurrentStaff(c) != nil {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/open", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("CurrentStaff should be nil outside RequireAuth, got %d", resp.StatusCode)
	}
}
