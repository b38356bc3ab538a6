package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/joho/godotenv"

	"github.com/sipeed/wxclaw/pkg/config"
	"github.com/sipeed/wxclaw/pkg/logger"
)

const Logo = "🦀"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// ConfigPathOverride is bound to the root --config flag.
var ConfigPathOverride string

func GetConfigPath() string {
	if ConfigPathOverride != "" {
		return ConfigPathOverride
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wxclaw", "config.json")
}

// LoadConfig reads .env files from the working directory and the config
// directory, then the config file, and applies the log settings.
func LoadConfig() (*config.Config, error) {
	path := GetConfigPath()
	for _, envPath := range []string{".env", filepath.Join(filepath.Dir(path), ".env")} {
		if err := loadEnvFile(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if cfg.Channels.WX849.Debug {
		logger.SetLevel(logger.DEBUG)
	}
	if cfg.Log.File != "" {
		if err := logger.EnableFileLogging(cfg.Log.File); err != nil {
			return nil, fmt.Errorf("enable file logging: %w", err)
		}
	}
	return cfg, nil
}

// loadEnvFile sets variables from a dotenv file. Variables already present
// in the environment win.
func loadEnvFile(path string) error {
	vars, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for key, value := range vars {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

func GetVersion() string {
	return version
}
