package config

import (
	"log/slog"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads environment variables from the given .env file path,
// if present, before Load() reads os.Getenv. Mirrors cmd/tarsy/main.go's
// godotenv.Load call: a missing file is logged and otherwise ignored,
// since the process may already have its environment populated (e.g. by
// the container runtime).
func LoadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment", "path", path, "error", err)
		return
	}
	slog.Info("loaded environment file", "path", path)
}
