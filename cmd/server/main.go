package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/herdbook/backend/internal/config"
	"github.com/herdbook/backend/internal/database"
	"github.com/herdbook/backend/internal/handlers"
	"github.com/herdbook/backend/internal/metrics"
	"github.com/herdbook/backend/internal/middleware"
	"github.com/herdbook/backend/internal/services"
	"github.com/herdbook/backend/pkg/logger"
	"github.com/herdbook/backend/pkg/utils"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

func main() {
	_ = godotenv.Load()
	logger.Init()

	cfg := config.Load()
	utils.ConfigureJWT(cfg.JWT.Secret)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPID:          cfg.WebAuthn.RPID,
		RPOrigins:     []string{cfg.WebAuthn.RPOrigin},
	})
	if err != nil {
		log.Fatalf("webauthn initialization failed: %v", err)
	}

	sessionService := services.NewRefreshSessionService(db)
	challengeStore := services.NewChallengeStore(rdb)
	webauthnService := services.NewWebAuthnService(db, wa, challengeStore)

	sweep := func() {
		swept, err := sessionService.SweepExpired()
		if err != nil {
			logger.Error("refresh_session_sweep_failed", err, nil)
			return
		}
		metrics.SessionsSwept.Add(float64(swept))
		if swept > 0 {
			logger.Info("refresh_sessions_swept", map[string]interface{}{"swept": swept})
		}
	}
	sweep()

	var sweeper *cron.Cron
	if cfg.Server.IsProduction() {
		sweeper = cron.New()
		if _, err := sweeper.AddFunc("@hourly", sweep); err != nil {
			log.Fatalf("failed scheduling session sweep: %v", err)
		}
		sweeper.Start()
	}

	authHandler := handlers.NewAuthHandler(db, sessionService, cfg)
	webauthnHandler := handlers.NewWebAuthnHandler(db, webauthnService, sessionService, cfg)
	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{})
	app.Use(recover.New(recover.Config{EnableStackTrace: !cfg.Server.IsProduction()}))
	app.Use(middleware.CORS())
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

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

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":    cfg.Server.Port,
		"address": listenAddr,
		"env":     cfg.Server.Env,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		if sweeper != nil {
			sweeper.Stop()
		}
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}
