package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/linht-le/realtime-voice-agent/adapters/microphone"
	"github.com/linht-le/realtime-voice-agent/adapters/mock"
	"github.com/linht-le/realtime-voice-agent/adapters/settings"
	"github.com/linht-le/realtime-voice-agent/adapters/speaker"
	"github.com/linht-le/realtime-voice-agent/adapters/tts"
	"github.com/linht-le/realtime-voice-agent/domain/entities"
	"github.com/linht-le/realtime-voice-agent/domain/repositories"
	"github.com/linht-le/realtime-voice-agent/internal/api"
	"github.com/linht-le/realtime-voice-agent/internal/auth"
	"github.com/linht-le/realtime-voice-agent/internal/capture"
	"github.com/linht-le/realtime-voice-agent/internal/config"
	"github.com/linht-le/realtime-voice-agent/internal/conversation"
	"github.com/linht-le/realtime-voice-agent/internal/metrics"
	"github.com/linht-le/realtime-voice-agent/internal/playback"
	"github.com/linht-le/realtime-voice-agent/internal/websocket"
	"github.com/linht-le/realtime-voice-agent/usecase"
)

type rootFlags struct {
	configPath  string
	serverURL   string
	controlAddr string
	fakeAudio   bool
	autoConnect bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "voice-agent",
		Short: "Talk to a realtime voice assistant",
		Long:  "Stream microphone audio to a voice server, play its replies and show the live transcript",
		Example: `  voice-agent --server http://localhost:8000
  voice-agent --fake-audio --control-addr 127.0.0.1:8090`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         flags.run,
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML config file")
	cmd.Flags().StringVarP(&flags.serverURL, "server", "s", "", "Voice server URL (http, https, ws or wss)")
	cmd.Flags().StringVar(&flags.controlAddr, "control-addr", "", "Address of the local control API")
	cmd.Flags().BoolVar(&flags.fakeAudio, "fake-audio", false, "Use silent fake audio devices")
	cmd.Flags().BoolVar(&flags.autoConnect, "connect", true, "Connect as soon as the client starts")

	cmd.AddCommand(newLoopbackCmd())

	return cmd
}

func (f *rootFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("server") {
		cfg.Server.URL = f.serverURL
	}
	if cmd.Flags().Changed("control-addr") {
		cfg.Control.Address = f.controlAddr
		cfg.Control.Enabled = f.controlAddr != ""
	}
	if cmd.Flags().Changed("fake-audio") {
		cfg.Audio.Fake = f.fakeAudio
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (f *rootFlags) run(cmd *cobra.Command, _ []string) error {
	cfg, err := f.load(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wsURL, err := cfg.Server.WebSocketURL()
	if err != nil {
		return err
	}
	settingsURL, err := cfg.Server.SettingsURL()
	if err != nil {
		return err
	}

	m := metrics.NewMetrics()

	provider := settings.NewHTTPProvider(settingsURL, logger).WithSampleRate(cfg.Audio.SampleRate)
	clientSettings := settings.LoadOrDefault(ctx, provider, logger)
	clientSettings.AudioInput.SampleRate = cfg.Audio.SampleRate

	input, output, release, err := openAudio(cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	queue := playback.NewQueue(output, playback.OptionsFromSettings(clientSettings), nil, logger, m)
	state := conversation.NewState(nil)

	var (
		announcer websocket.Announcer
		notifier  *usecase.NotificationService
	)
	if cfg.Notifications.Speak {
		if speech := newSpeech(logger); speech != nil {
			notifier = usecase.NewNotificationService(speech, queue, clientSettings.SpeechLocale(), logger)
			announcer = notifier
		}
	}

	router := websocket.NewRouter(state, queue, announcer, websocket.RouterConfig{
		AllowBargeIn:     clientSettings.Interaction.AllowBargeIn,
		ResponseErrorTTL: cfg.Errors.ResponseErrorTTLDuration(),
		SessionErrorTTL:  cfg.Errors.SessionErrorTTLDuration(),
	}, logger, m)

	issuer := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTLDuration(), nil)

	client := websocket.NewClient(websocket.ClientConfig{
		URL:         wsURL,
		DialTimeout: cfg.Server.DialTimeoutDuration(),
		Capture:     capture.ConfigFromSettings(clientSettings.AudioInput),
		Token:       issuer.TokenSource(cfg.Auth.ClientID),
		Settings:    provider,
	}, capture.NewSession(input, logger, m), queue, announcer, router, state, logger, m)

	client.OnSettings(func(s entities.ClientSettings) {
		queue.SetOptions(playback.OptionsFromSettings(s))
		if notifier != nil {
			notifier.SetLanguage(s.SpeechLocale())
		}
	})

	var e *echo.Echo
	if cfg.Control.Enabled {
		e = newControlServer(client, issuer, m, logger)
		go func() {
			if err := e.Start(cfg.Control.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Control API stopped", zap.Error(err))
			}
		}()
		logger.Info("Control API started", zap.String("address", cfg.Control.Address))
	}

	printer := newTranscriptPrinter(cmd.OutOrStdout())
	go printer.Watch(ctx, client)

	logger.Info("Voice client started",
		zap.String("server", wsURL),
		zap.Bool("fakeAudio", cfg.Audio.Fake),
		zap.Bool("speakNotifications", announcer != nil))

	if f.autoConnect {
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
	}

	<-ctx.Done()

	logger.Info("Voice client is shutting down...")
	client.Disconnect()

	if e != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Error("Control API forced to shutdown", zap.Error(err))
		}
	}

	logger.Info("Voice client exited")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, err
	}

	if lvl == zapcore.DebugLevel {
		return zap.NewDevelopment()
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(lvl)
	return config.Build()
}

func openAudio(cfg *config.Config, logger *zap.Logger) (repositories.AudioInput, repositories.AudioOutput, func(), error) {
	if cfg.Audio.Fake {
		return mock.NewMicrophone(nil, 0, 0, logger), mock.NewSpeaker(nil, logger), func() {}, nil
	}

	mic, err := microphone.NewMicrophone(cfg.Audio.PeriodMillis, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	out, err := speaker.NewSpeaker(cfg.Audio.SampleRate, logger)
	if err != nil {
		mic.Close()
		return nil, nil, nil, err
	}

	release := func() {
		if err := mic.Close(); err != nil {
			logger.Warn("Failed to release microphone", zap.Error(err))
		}
	}
	return mic, out, release, nil
}

// newSpeech returns the notification voice, or nil when no API key is set
func newSpeech(logger *zap.Logger) repositories.TextToSpeech {
	ttsConfig := tts.NewElevenLabsConfigFromEnv()
	if ttsConfig.APIKey == "" {
		logger.Info("ELEVEN_LABS_API_KEY not set, notifications will not be spoken")
		return nil
	}

	speech, err := tts.NewElevenLabsTTS(ttsConfig, logger)
	if err != nil {
		logger.Warn("Notification speech disabled", zap.Error(err))
		return nil
	}
	return speech
}

func newControlServer(client api.Controller, issuer *auth.Issuer, m *metrics.Metrics, logger *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, client, issuer, m, logger)
	return e
}
