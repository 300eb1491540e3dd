// Package config loads the voice client configuration from defaults, an
// optional YAML file, a .env file and VOICE_* environment variables.
package config
