package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// ConfigPathEnvVar points at an optional YAML config file.
	ConfigPathEnvVar = "UNITVAULT_CONFIG"
	envPrefix        = "unitvault_"
	defaultFile      = "config.yaml"
)

var sections = map[string]struct{}{
	"server": {}, "database": {}, "reservation": {}, "payment": {},
	"delivery": {}, "cache": {}, "events": {}, "logging": {},
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing priority, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envTransform maps UNITVAULT_SECTION_KEY to section.key and a few legacy
// variable names to their config paths. Anything else is skipped.
func envTransform(key, value string) (string, any) {
	key = strings.ToLower(key)

	switch key {
	case "port":
		return "server.port", value
	case "cors_origins":
		return "server.cors_origins", value
	case "database_url":
		return "database.url", value
	case "reservation_ttl_minutes":
		return "reservation.ttl", value + "m"
	case "crypto_pay_token":
		return "payment.token", value
	case "log_level":
		return "logging.level", value
	}

	if !strings.HasPrefix(key, envPrefix) {
		return "", nil
	}
	section, rest, ok := strings.Cut(strings.TrimPrefix(key, envPrefix), "_")
	if !ok || rest == "" {
		return "", nil
	}
	if _, known := sections[section]; !known {
		return "", nil
	}
	return section + "." + rest, value
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if _, err := os.Stat(defaultFile); err == nil {
		return defaultFile
	}
	return ""
}

// LoadDotEnv loads the nearest .env file from the working directory or its
// parents. Variables already set in the environment win. It returns the path
// that was loaded, or "" when none was found.
func LoadDotEnv() (string, error) {
	path, err := findEnvFile()
	if err != nil || path == "" {
		return "", err
	}
	if err := godotenv.Load(path); err != nil {
		return "", fmt.Errorf("load %s: %w", path, err)
	}
	return path, nil
}

func findEnvFile() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for i := 0; i < 6; i++ {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", nil
}
