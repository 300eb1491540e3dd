package loopback

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/linht-le/realtime-voice-agent/domain/entities"
)

// InitRoutes registers the loopback voice server routes
func InitRoutes(e *echo.Echo, hub *Hub, settings entities.ClientSettings) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"service":  "voice-loopback",
			"sessions": hub.Count(),
		})
	})

	e.GET("/settings", func(c echo.Context) error {
		return c.JSON(http.StatusOK, SettingsTree(settings))
	})

	e.GET("/ws", hub.HandleWebSocket)
}

// SettingsTree renders settings in the backend's {type, value, default} shape
func SettingsTree(s entities.ClientSettings) map[string]interface{} {
	d := entities.DefaultClientSettings()
	leaf := func(kind string, value, def interface{}) map[string]interface{} {
		return map[string]interface{}{"type": kind, "value": value, "default": def}
	}

	return map[string]interface{}{
		"backend": map[string]interface{}{
			"language": leaf("select", s.Language, d.Language),
		},
		"client": map[string]interface{}{
			"audio_input": map[string]interface{}{
				"noise_reduction":   leaf("select", string(s.AudioInput.NoiseReduction), string(d.AudioInput.NoiseReduction)),
				"echo_cancellation": leaf("boolean", s.AudioInput.EchoCancellation, d.AudioInput.EchoCancellation),
				"auto_gain_control": leaf("boolean", s.AudioInput.AutoGainControl, d.AudioInput.AutoGainControl),
				"input_sensitivity": leaf("number", s.AudioInput.InputSensitivity, d.AudioInput.InputSensitivity),
			},
			"audio_output": map[string]interface{}{
				"speaking_rate":  leaf("number", s.AudioOutput.SpeakingRate, d.AudioOutput.SpeakingRate),
				"volume_gain_db": leaf("number", s.AudioOutput.VolumeGainDB, d.AudioOutput.VolumeGainDB),
			},
			"interaction": map[string]interface{}{
				"allow_barge_in":    leaf("boolean", s.Interaction.AllowBargeIn, d.Interaction.AllowBargeIn),
				"response_delay_ms": leaf("number", s.Interaction.ResponseDelay.Milliseconds(), d.Interaction.ResponseDelay.Milliseconds()),
			},
		},
	}
}
