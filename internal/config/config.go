package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port         string        // Panel HTTP port
	DBPath       string        // SQLite database path
	JWTSecret    string        // JWT signing secret
	DataDir      string        // Data directory root
	StacksRoot   string        // Directory holding per-stack compose files
	AppDataRoot  string        // Directory holding per-app persistent data
	DockerSocket string        // Docker daemon socket path
	CatalogURL   string        // Remote template catalog URL
	CatalogTTL   time.Duration // Catalog cache lifetime
	UpdateCron   string        // Cron spec for the background update check; empty disables it
}

// Load reads configuration from environment variables with sensible defaults
func Load() *Config {
	dataDir := envOrDefault("HOMESTACK_DATA_DIR", "./data")

	cfg := &Config{
		Port:         envOrDefault("HOMESTACK_PORT", "8080"),
		DBPath:       envOrDefault("HOMESTACK_DB_PATH", filepath.Join(dataDir, "homestack.db")),
		JWTSecret:    envOrDefault("HOMESTACK_JWT_SECRET", "homestack-change-me-in-production"),
		DataDir:      dataDir,
		StacksRoot:   envOrDefault("HOMESTACK_STACKS_ROOT", filepath.Join(dataDir, "stacks")),
		AppDataRoot:  envOrDefault("HOMESTACK_APP_DATA_ROOT", filepath.Join(dataDir, "appdata")),
		DockerSocket: envOrDefault("HOMESTACK_DOCKER_SOCKET", "/var/run/docker.sock"),
		CatalogURL:   envOrDefault("HOMESTACK_CATALOG_URL", "https://raw.githubusercontent.com/portainer/templates/master/templates-2.0.json"),
		CatalogTTL:   envDurationOrDefault("HOMESTACK_CATALOG_TTL", 15*time.Minute),
		UpdateCron:   envOrDefault("HOMESTACK_UPDATE_CRON", "0 */6 * * *"),
	}

	// Ensure directories exist
	os.MkdirAll(dataDir, 0755)
	os.MkdirAll(cfg.StacksRoot, 0755)
	os.MkdirAll(cfg.AppDataRoot, 0755)

	return cfg
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
