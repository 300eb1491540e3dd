package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/linht-le/realtime-voice-agent/domain/entities"
	"github.com/linht-le/realtime-voice-agent/domain/repositories"
)

const defaultTimeout = 5 * time.Second

// HTTPProvider reads the settings tree from the backend REST API
type HTTPProvider struct {
	url        string
	sampleRate int
	client     *http.Client
	logger     *zap.Logger
}

var _ repositories.SettingsProvider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a provider for the given /settings URL
func NewHTTPProvider(url string, logger *zap.Logger) *HTTPProvider {
	return &HTTPProvider{
		url:    url,
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger,
	}
}

// WithSampleRate pins the capture sample rate of every snapshot to the
// locally configured device rate
func (p *HTTPProvider) WithSampleRate(rate int) *HTTPProvider {
	p.sampleRate = rate
	return p
}

// ClientSettings fetches and normalizes the settings tree
func (p *HTTPProvider) ClientSettings(ctx context.Context) (entities.ClientSettings, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return entities.ClientSettings{}, fmt.Errorf("failed to create settings request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return entities.ClientSettings{}, fmt.Errorf("failed to fetch settings: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return entities.ClientSettings{}, fmt.Errorf("settings endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tree map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&tree); err != nil {
		return entities.ClientSettings{}, fmt.Errorf("failed to decode settings: %w", err)
	}

	settings := Normalize(tree)
	if p.sampleRate > 0 {
		settings.AudioInput.SampleRate = p.sampleRate
	}
	if err := settings.Validate(); err != nil {
		return entities.ClientSettings{}, fmt.Errorf("invalid settings: %w", err)
	}

	p.logger.Info("Loaded client settings",
		zap.String("noiseReduction", string(settings.AudioInput.NoiseReduction)),
		zap.Float64("inputSensitivity", settings.AudioInput.InputSensitivity),
		zap.Bool("allowBargeIn", settings.Interaction.AllowBargeIn),
		zap.String("language", settings.Language))

	return settings, nil
}

// LoadOrDefault returns the backend settings, or the defaults when the
// fetch fails.
func LoadOrDefault(ctx context.Context, provider repositories.SettingsProvider, logger *zap.Logger) entities.ClientSettings {
	settings, err := provider.ClientSettings(ctx)
	if err != nil {
		logger.Warn("Using default client settings", zap.Error(err))
		return entities.DefaultClientSettings()
	}
	return settings
}

// Normalize extracts the leaves the client reads from a settings tree.
// A leaf is either a raw value or an object carrying "value" (and
// optionally "default"). Missing or mistyped leaves keep their defaults.
func Normalize(tree map[string]interface{}) entities.ClientSettings {
	s := entities.DefaultClientSettings()

	if v, ok := leafString(tree, "client", "audio_input", "noise_reduction"); ok {
		switch nr := entities.NoiseReduction(v); nr {
		case entities.NoiseReductionNearField, entities.NoiseReductionFarField, entities.NoiseReductionOff:
			s.AudioInput.NoiseReduction = nr
		}
	}
	if v, ok := leafBool(tree, "client", "audio_input", "echo_cancellation"); ok {
		s.AudioInput.EchoCancellation = v
	}
	if v, ok := leafBool(tree, "client", "audio_input", "auto_gain_control"); ok {
		s.AudioInput.AutoGainControl = v
	}
	if v, ok := leafNumber(tree, "client", "audio_input", "input_sensitivity"); ok && v >= 0 && v <= 1 {
		s.AudioInput.InputSensitivity = v
	}
	if v, ok := leafNumber(tree, "client", "audio_output", "speaking_rate"); ok && v > 0 {
		s.AudioOutput.SpeakingRate = v
	}
	if v, ok := leafNumber(tree, "client", "audio_output", "volume_gain_db"); ok {
		s.AudioOutput.VolumeGainDB = v
	}
	if v, ok := leafBool(tree, "client", "interaction", "allow_barge_in"); ok {
		s.Interaction.AllowBargeIn = v
	}
	if v, ok := leafNumber(tree, "client", "interaction", "response_delay_ms"); ok && v >= 0 {
		s.Interaction.ResponseDelay = time.Duration(v * float64(time.Millisecond))
	}
	if v, ok := leafString(tree, "backend", "language"); ok && v != "" {
		s.Language = v
	}

	return s
}

func leaf(tree map[string]interface{}, path ...string) (interface{}, bool) {
	var node interface{} = tree
	for _, key := range path {
		m, ok := node.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if node, ok = m[key]; !ok {
			return nil, false
		}
	}

	if m, ok := node.(map[string]interface{}); ok {
		if v, ok := m["value"]; ok && v != nil {
			return v, true
		}
		if v, ok := m["default"]; ok && v != nil {
			return v, true
		}
		return nil, false
	}
	return node, node != nil
}

func leafString(tree map[string]interface{}, path ...string) (string, bool) {
	v, ok := leaf(tree, path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func leafBool(tree map[string]interface{}, path ...string) (bool, bool) {
	v, ok := leaf(tree, path...)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func leafNumber(tree map[string]interface{}, path ...string) (float64, bool) {
	v, ok := leaf(tree, path...)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}
