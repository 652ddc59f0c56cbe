package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/herdbook/backend/pkg/logger"
)

func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		requestID := logger.GenerateRequestID()
		c.Locals("requestID", requestID)

		err := c.Next()

		latency := time.Since(start)
		statusCode := c.Response().StatusCode()

		details := map[string]interface{}{
			"method":        c.Method(),
			"path":          c.Path(),
			"status_code":   statusCode,
			"latency_ms":    latency.Milliseconds(),
			"user_agent":    c.Get("User-Agent"),
			"ip":            c.IP(),
			"request_body":  logger.GetRequestBodySummary(c),
			"response_body": logger.GetResponseSizeSummary(c),
			"request_id":    requestID,
		}

		staffID := logger.GetStaffIDFromContext(c)
		if staffID != nil {
			if statusCode >= 400 {
				logger.ErrorWithStaff(*staffID, "http_request", err, details)
			} else {
				logger.InfoWithStaff(*staffID, "http_request", details)
			}
		} else {
			if statusCode >= 400 {
				logger.Error("http_request", err, details)
			} else {
				logger.Info("http_request", details)
			}
		}

		return err
	}
}

func SecurityLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()

		statusCode := c.Response().StatusCode()
		if statusCode != fiber.StatusUnauthorized && statusCode != fiber.StatusForbidden {
			return err
		}

		details := map[string]interface{}{
			"method": c.Method(),
			"path":   c.Path(),
			"ip":     c.IP(),
			"reason": "access_denied",
		}

		if staffID := logger.GetStaffIDFromContext(c); staffID != nil {
			logger.WarnWithStaff(*staffID, "access_denied", details)
		} else {
			logger.Warn("access_denied_unauthenticated", details)
		}

		return err
	}
}
