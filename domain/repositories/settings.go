package repositories

import (
	"context"

	"github.com/linht-le/realtime-voice-agent/domain/entities"
)

// SettingsProvider loads the client settings snapshot from the backend
type SettingsProvider interface {
	ClientSettings(ctx context.Context) (entities.ClientSettings, error)
}
