package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/herdbook/backend/internal/config"
	"github.com/herdbook/backend/internal/middleware"
	"github.com/herdbook/backend/internal/models"
	"github.com/herdbook/backend/internal/services"
	"github.com/herdbook/backend/pkg/logger"
	"github.com/herdbook/backend/pkg/utils"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type testEnv struct {
	app      *fiber.App
	db       *gorm.DB
	redis    *miniredis.Miniredis
	sessions *services.RefreshSessionService
	cfg      *config.Config
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
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

	err = db.AutoMigrate(
		&models.Staff{},
		&models.RefreshToken{},
		&models.WebAuthnCredential{},
	)
	if err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: "Herdbook Test",
		RPID:          "localhost",
		RPOrigins:     []string{"http://localhost:3001"},
	})
	if err != nil {
		t.Fatalf("failed building webauthn config: %v", err)
	}

	cfg := &config.Config{
		Server: config.ServerConfig{Port: "8080", Env: "test"},
	}

	sessionService := services.NewRefreshSessionService(db)
	challengeStore := services.NewChallengeStore(rdb)
	webauthnService := services.NewWebAuthnService(db, wa, challengeStore)

	authHandler := NewAuthHandler(db, sessionService, cfg)
	webauthnHandler := NewWebAuthnHandler(db, webauthnService, sessionService, cfg)
	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS())
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	v1 := app.Group("/v1")

	authRoutes := v1.Group("/auth")
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Post("/logout", authHandler.Logout)
	authRoutes.Post("/refresh", authHandler.Refresh)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)
	authRoutes.Put("/password", authMiddleware.RequireAuth, authHandler.ChangePassword)

	authRoutes.Get("/sessions", authMiddleware.RequireAuth, authHandler.GetSessions)
	authRoutes.Delete("/sessions/:tokenId", authMiddleware.RequireAuth, authHandler.RevokeSession)
	authRoutes.Post("/sessions/revoke-all-others", authMiddleware.RequireAuth, authHandler.RevokeAllOtherSessions)

	webauthnRoutes := authRoutes.Group("/webauthn")
	webauthnRoutes.Post("/register/options", authMiddleware.RequireAuth, webauthnHandler.RegisterOptions)
	webauthnRoutes.Post("/register/verify", authMiddleware.RequireAuth, webauthnHandler.RegisterVerify)
	webauthnRoutes.Post("/login/options", webauthnHandler.LoginOptions)
	webauthnRoutes.Post("/login/verify", webauthnHandler.LoginVerify)
	webauthnRoutes.Get("/credentials", authMiddleware.RequireAuth, webauthnHandler.ListCredentials)
	webauthnRoutes.Delete("/credentials/:id", authMiddleware.RequireAuth, webauthnHandler.DeleteCredential)

	return &testEnv{app: app, db: db, redis: mr, sessions: sessionService, cfg: cfg}
}

func createTestStaff(t *testing.T, db *gorm.DB, username, password string) (*models.Staff, string) {
	t.Helper()

	hash, err := utils.HashPassword(password)
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	staff := &models.Staff{
		Username:     username,
		FullName:     "Test Staff",
		PasswordHash: hash,
		Role:         models.StaffRoleOfficer,
		Designation:  "Field Officer",
		IsActive:     true,
	}
	if err := db.Create(staff).Error; err != nil {
		t.Fatalf("failed creating test staff: %v", err)
	}

	token, err := utils.GenerateAccessToken(staff)
	if err != nil {
		t.Fatalf("failed generating access token: %v", err)
	}

	return staff, token
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func dataField(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data object in response, got %+v", body)
	}
	return data
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertEnvelopeError(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if success, _ := body["success"].(bool); success {
		t.Fatalf("expected success=false, got %+v", body)
	}
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q", expected, got)
	}
}

func refreshCookie(t *testing.T, resp *http.Response) *http.Cookie {
	t.Helper()
	for _, cookie := range resp.Cookies() {
		if cookie.Name == refreshCookieName {
			return cookie
		}
	}
	t.Fatal("expected refreshToken cookie in response")
	return nil
}

func cookieHeader(cookie *http.Cookie) map[string]string {
	return map[string]string{"Cookie": refreshCookieName + "=" + cookie.Value}
}
