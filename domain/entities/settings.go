package entities

import (
	"errors"
	"fmt"
	"time"
)

// NoiseReduction selects the capture noise processing mode
type NoiseReduction string

const (
	NoiseReductionNearField NoiseReduction = "near_field"
	NoiseReductionFarField  NoiseReduction = "far_field"
	NoiseReductionOff       NoiseReduction = "off"
)

// DefaultSampleRate is the fixed sample rate of every audio frame on the wire
const DefaultSampleRate = 24000

// AudioInputSettings configures the microphone path
type AudioInputSettings struct {
	NoiseReduction   NoiseReduction `json:"noise_reduction"`
	EchoCancellation bool           `json:"echo_cancellation"`
	AutoGainControl  bool           `json:"auto_gain_control"`
	InputSensitivity float64        `json:"input_sensitivity"`
	SampleRate       int            `json:"sample_rate"`
}

// AudioOutputSettings configures the speaker path
type AudioOutputSettings struct {
	SpeakingRate float64 `json:"speaking_rate"`
	VolumeGainDB float64 `json:"volume_gain_db"`
}

// InteractionSettings configures turn-taking behaviour
type InteractionSettings struct {
	AllowBargeIn  bool          `json:"allow_barge_in"`
	ResponseDelay time.Duration `json:"response_delay"`
}

// ClientSettings is the typed snapshot the conversation core reads.
// It is produced once from the backend settings tree.
type ClientSettings struct {
	AudioInput  AudioInputSettings  `json:"audio_input"`
	AudioOutput AudioOutputSettings `json:"audio_output"`
	Interaction InteractionSettings `json:"interaction"`
	Language    string              `json:"language"`
}

// DefaultClientSettings returns the values used when the backend provides none
func DefaultClientSettings() ClientSettings {
	return ClientSettings{
		AudioInput: AudioInputSettings{
			NoiseReduction:   NoiseReductionNearField,
			EchoCancellation: true,
			AutoGainControl:  true,
			InputSensitivity: 0.7,
			SampleRate:       DefaultSampleRate,
		},
		AudioOutput: AudioOutputSettings{
			SpeakingRate: 1.0,
			VolumeGainDB: 0,
		},
		Interaction: InteractionSettings{
			AllowBargeIn:  true,
			ResponseDelay: 0,
		},
		Language: "auto",
	}
}

// Validate validates the settings snapshot
func (s *ClientSettings) Validate() error {
	switch s.AudioInput.NoiseReduction {
	case NoiseReductionNearField, NoiseReductionFarField, NoiseReductionOff:
	default:
		return fmt.Errorf("invalid noise_reduction %q", s.AudioInput.NoiseReduction)
	}
	if s.AudioInput.InputSensitivity < 0 || s.AudioInput.InputSensitivity > 1 {
		return fmt.Errorf("input_sensitivity must be between 0 and 1, got %f", s.AudioInput.InputSensitivity)
	}
	if s.AudioInput.SampleRate <= 0 {
		return errors.New("sample_rate must be positive")
	}
	if s.AudioOutput.SpeakingRate <= 0 {
		return fmt.Errorf("speaking_rate must be positive, got %f", s.AudioOutput.SpeakingRate)
	}
	if s.Interaction.ResponseDelay < 0 {
		return errors.New("response_delay cannot be negative")
	}
	return nil
}

// SpeechLocale maps the backend language setting to a speech locale
func (s *ClientSettings) SpeechLocale() string {
	switch s.Language {
	case "en":
		return "en-US"
	case "ja":
		return "ja-JP"
	case "vi", "auto", "":
		return "vi-VN"
	}
	return "vi-VN"
}
