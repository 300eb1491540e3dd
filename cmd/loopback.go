package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/linht-le/realtime-voice-agent/domain/entities"
	"github.com/linht-le/realtime-voice-agent/internal/auth"
	"github.com/linht-le/realtime-voice-agent/internal/config"
	"github.com/linht-le/realtime-voice-agent/internal/loopback"
)

type loopbackFlags struct {
	listenAddr  string
	greeting    string
	idleTimeout time.Duration
	logLevel    string
}

func newLoopbackCmd() *cobra.Command {
	var flags loopbackFlags

	cmd := &cobra.Command{
		Use:   "serve-loopback",
		Short: "Run a local voice server that echoes your speech back",
		Long:  "Serve /ws and /settings with a level based turn detector so the client can be exercised without a real backend",
		Example: `  voice-agent serve-loopback --listen 127.0.0.1:8000
  voice-agent --server http://127.0.0.1:8000`,
		Args: cobra.NoArgs,
		RunE: flags.run,
	}

	cmd.Flags().StringVarP(&flags.listenAddr, "listen", "l", "127.0.0.1:8000", "Address to listen on")
	cmd.Flags().StringVar(&flags.greeting, "greeting", "", "Notification announced to every new session")
	cmd.Flags().DurationVar(&flags.idleTimeout, "idle-timeout", 5*time.Minute, "Expire sessions that send no audio for this long")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "Log level")

	return cmd
}

func (f *loopbackFlags) run(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(f.logLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	// Shares VOICE_AUTH_SECRET with the client so tokens verify on both ends
	cfg := config.Default()
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	issuer := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTLDuration(), nil)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubConfig := loopback.DefaultConfig()
	hubConfig.Greeting = f.greeting
	hubConfig.IdleTimeout = f.idleTimeout

	hub := loopback.NewHub(hubConfig, issuer, nil, logger)
	go hub.Run(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	loopback.InitRoutes(e, hub, entities.DefaultClientSettings())

	go func() {
		if err := e.Start(f.listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Loopback server stopped", zap.Error(err))
			stop()
		}
	}()

	logger.Info("Loopback voice server started",
		zap.String("address", f.listenAddr),
		zap.Bool("auth", issuer.Enabled()))

	<-ctx.Done()

	logger.Info("Loopback server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Loopback server forced to shutdown", zap.Error(err))
	}

	logger.Info("Loopback server exited")
	return nil
}
