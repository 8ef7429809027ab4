package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	APIBaseURL string
	WSBaseURL  string
	ListenAddr string

	TokenDir    string
	DatabaseURL string

	HTTPTimeout      time.Duration
	RefreshTimeout   time.Duration
	HandshakeTimeout time.Duration

	LogLevel logrus.Level
	LogFile  string
}

// Load reads .env (if any) and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		APIBaseURL:  strings.TrimRight(envOr(getenv, "API_BASE_URL", "http://localhost:8000/api"), "/"),
		ListenAddr:  envOr(getenv, "LISTEN_ADDR", "127.0.0.1:3000"),
		TokenDir:    getenv("TOKEN_DIR"),
		DatabaseURL: getenv("DATABASE_URL"),
		LogFile:     getenv("LOG_FILE"),
	}

	base, err := url.Parse(cfg.APIBaseURL)
	if err != nil || base.Host == "" {
		return Config{}, fmt.Errorf("API_BASE_URL %q is not an absolute url", cfg.APIBaseURL)
	}

	cfg.WSBaseURL = strings.TrimRight(getenv("WS_BASE_URL"), "/")
	if cfg.WSBaseURL == "" {
		scheme := "ws"
		if base.Scheme == "https" {
			scheme = "wss"
		}
		cfg.WSBaseURL = scheme + "://" + base.Host
	}

	if cfg.TokenDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home dir: %w", err)
		}
		cfg.TokenDir = filepath.Join(home, ".config", "garage-link")
	}

	if cfg.HTTPTimeout, err = durationOr(getenv, "HTTP_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTimeout, err = durationOr(getenv, "REFRESH_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.HandshakeTimeout, err = durationOr(getenv, "HANDSHAKE_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}

	cfg.LogLevel = logrus.InfoLevel
	if lvl := getenv("LOG_LEVEL"); lvl != "" {
		if cfg.LogLevel, err = logrus.ParseLevel(lvl); err != nil {
			return Config{}, fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}

	return cfg, nil
}

func envOr(getenv func(string) string, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

func durationOr(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, v)
	}
	return d, nil
}
