// Package config loads application settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Settings holds all runtime configuration.
type Settings struct {
	// DatabasePath is the sqlite database file.
	DatabasePath string `env:"DATABASE_PATH" envDefault:"calcheck.db"`

	// Google Calendar API credentials. The refresh token is obtained via
	// the auth command (or any OAuth playground) and grants offline access.
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRefreshToken string `env:"GOOGLE_REFRESH_TOKEN"`
	GoogleTokenFile    string `env:"GOOGLE_TOKEN_FILE"`
	GoogleCalendarID   string `env:"GOOGLE_CALENDAR_ID" envDefault:"primary"`

	// SyncInterval is the period between background sync passes.
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`

	// LookBehind/LookAhead bound the full-sync window around now.
	LookBehind time.Duration `env:"SYNC_LOOK_BEHIND" envDefault:"2h"`
	LookAhead  time.Duration `env:"SYNC_LOOK_AHEAD" envDefault:"720h"`

	// RecheckParsedItems makes a "[x]" in a re-synced description re-check
	// the matching item. Off by default to protect user progress.
	RecheckParsedItems bool `env:"RECHECK_PARSED_ITEMS" envDefault:"false"`

	// Listen is the HTTP listen address for the serve command.
	Listen string `env:"LISTEN" envDefault:"127.0.0.1:8080"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads .env (if present) and parses the environment.
func Load() (Settings, error) {
	// Missing .env is fine; the environment may be fully set already.
	_ = godotenv.Load()

	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return s, nil
}

// HasCredentials reports whether the Google client can authenticate.
func (s Settings) HasCredentials() bool {
	return s.GoogleClientID != "" && s.GoogleClientSecret != "" &&
		(s.GoogleRefreshToken != "" || s.GoogleTokenFile != "")
}

// Window returns the full-sync time window around now.
func (s Settings) Window(now time.Time) (time.Time, time.Time) {
	return now.Add(-s.LookBehind), now.Add(s.LookAhead)
}
