package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// applyEnvOverrides layers RESTDECK_* environment variables over the
// loaded file. A .env in the working directory is read first; absence
// is not an error.
func applyEnvOverrides(settings Settings) Settings {
	_ = godotenv.Load()

	if v := os.Getenv("RESTDECK_DATA_DIR"); v != "" {
		settings.DataDir = v
	}
	if v := os.Getenv("RESTDECK_DB"); v != "" {
		settings.DatabaseFile = v
	}
	if v := os.Getenv("RESTDECK_SCRIPT_TIMEOUT"); v != "" {
		settings.ScriptTimeout = v
	}
	if v := os.Getenv("RESTDECK_REQUEST_TIMEOUT"); v != "" {
		settings.RequestTimeout = v
	}
	if v := os.Getenv("RESTDECK_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.HistoryLimit = n
		}
	}
	return settings
}
