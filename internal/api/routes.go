package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/linht-le/realtime-voice-agent/internal/auth"
	"github.com/linht-le/realtime-voice-agent/internal/metrics"
	"github.com/linht-le/realtime-voice-agent/internal/websocket"
)

// Controller is the conversation surface exposed over HTTP
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect()
	Status() websocket.Status
}

// InitRoutes initializes all control API routes. Mutating routes require
// an operator token when the issuer has a secret.
func InitRoutes(e *echo.Echo, controller Controller, issuer *auth.Issuer, m *metrics.Metrics, logger *zap.Logger) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:  "ok",
			Service: "realtime-voice-agent",
			Time:    time.Now(),
		})
	})

	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	v1 := e.Group("/api/v1")

	v1.GET("/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, controller.Status())
	})

	v1.GET("/transcript", func(c echo.Context) error {
		status := controller.Status()
		return c.JSON(http.StatusOK, TranscriptResponse{
			Entries:    status.Transcript,
			AiThinking: status.AiThinking,
			Count:      len(status.Transcript),
		})
	})

	protected := v1.Group("", requireOperator(issuer, logger))

	protected.POST("/connect", func(c echo.Context) error {
		return connect(c, controller, logger)
	})

	protected.POST("/disconnect", func(c echo.Context) error {
		controller.Disconnect()
		logger.Info("Disconnected via control API")
		return c.JSON(http.StatusOK, ConnectResponse{State: controller.Status().State})
	})
}

func connect(c echo.Context, controller Controller, logger *zap.Logger) error {
	err := controller.Connect(c.Request().Context())
	if errors.Is(err, websocket.ErrInvalidTransition) {
		return c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "invalid_state",
			Message: err.Error(),
		})
	}
	if err != nil {
		logger.Error("Failed to start connection", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "connect_failed",
			Message: "Failed to start connection",
		})
	}

	logger.Info("Connection started via control API")
	return c.JSON(http.StatusAccepted, ConnectResponse{State: controller.Status().State})
}

// requireOperator validates the bearer token on mutating routes
func requireOperator(issuer *auth.Issuer, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !issuer.Enabled() {
				return next(c)
			}

			token, err := auth.TokenFromHeader(c.Request().Header.Get("Authorization"))
			if err != nil {
				logger.Warn("Control request rejected: missing token")
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "missing_token",
					Message: "JWT token is required in Authorization header",
				})
			}

			claims, err := issuer.ValidateToken(token)
			if err != nil {
				logger.Warn("Control request rejected: invalid token", zap.Error(err))
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "invalid_token",
					Message: "Invalid or expired JWT token",
				})
			}

			if claims.Role != auth.RoleOperator {
				logger.Warn("Control request rejected: invalid role",
					zap.String("role", claims.Role))
				return c.JSON(http.StatusForbidden, ErrorResponse{
					Error:   "invalid_role",
					Message: "Only operator tokens may change the connection",
				})
			}

			return next(c)
		}
	}
}
