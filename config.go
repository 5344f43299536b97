package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults used when the environment does not say otherwise
var (
	defaultCouncilModels = []string{
		"openai/gpt-5.1",
		"google/gemini-3-pro-preview",
		"anthropic/claude-sonnet-4.5",
		"x-ai/grok-4",
	}

	defaultChairmanModel = "google/gemini-3-pro-preview"
	defaultTitleModel    = "google/gemini-2.5-flash"
	defaultAPIURL        = "https://openrouter.ai/api/v1/chat/completions"
	defaultDataDir       = "data/conversations"
)

// Storage backends
const (
	StorageJSON   = "json"
	StorageSQLite = "sqlite"
)

// CouncilConfig is the roster and models of the council.
type CouncilConfig struct {
	Members      []CouncilMember
	Chairman     string
	TitleModel   string
	TitleTimeout time.Duration
}

// Config holds the service configuration
type Config struct {
	OpenRouterAPIKey  string
	OpenRouterAPIURL  string
	ModelQueryTimeout time.Duration

	Council CouncilConfig

	StorageBackend string
	DataDir        string

	AuthPassword    string
	AuthMaxAttempts int
	AuthWindow      time.Duration

	// CORSAllowedOrigins is empty in development, which allows any localhost origin
	CORSAllowedOrigins []string

	// MaxRequestBodySize is the maximum allowed request body size (1MB)
	MaxRequestBodySize int64

	RedisAddr    string
	PageCacheTTL time.Duration

	Port      string
	LogLevel  string
	LogFormat string

	// EnvFile is the .env file that was loaded, if any
	EnvFile string
}

// councilFile is the YAML roster named by COUNCIL_CONFIG
type councilFile struct {
	Members    []CouncilMember `yaml:"members"`
	Chairman   string          `yaml:"chairman"`
	TitleModel string          `yaml:"title_model"`
}

// LoadConfig loads .env (if present) and reads the configuration from the environment.
func LoadConfig() (*Config, error) {
	envFile := loadDotEnv()

	cfg, err := loadConfigFrom(os.Getenv)
	if err != nil {
		return nil, err
	}
	cfg.EnvFile = envFile
	return cfg, nil
}

// loadDotEnv tries the usual .env locations and returns the one it loaded.
func loadDotEnv() string {
	envLocations := []string{
		".env",    // Current directory
		"../.env", // Parent directory
	}

	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}
		if _, err := os.Stat(absPath); err != nil {
			continue
		}
		if err := godotenv.Load(absPath); err == nil {
			return absPath
		}
	}
	return ""
}

func loadConfigFrom(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		OpenRouterAPIKey:   getenv("OPENROUTER_API_KEY"),
		OpenRouterAPIURL:   stringOr(getenv("OPENROUTER_API_URL"), defaultAPIURL),
		StorageBackend:     strings.ToLower(stringOr(getenv("STORAGE_BACKEND"), StorageJSON)),
		DataDir:            stringOr(getenv("DATA_DIR"), defaultDataDir),
		AuthPassword:       getenv("AUTH_PASSWORD"),
		CORSAllowedOrigins: splitList(getenv("CORS_ALLOWED_ORIGINS")),
		MaxRequestBodySize: 1 << 20,
		RedisAddr:          getenv("REDIS_ADDR"),
		Port:               stringOr(getenv("PORT"), "8001"),
		LogLevel:           stringOr(getenv("LOG_LEVEL"), "info"),
		LogFormat:          stringOr(getenv("LOG_FORMAT"), "json"),
	}

	if cfg.OpenRouterAPIKey == "" {
		return nil, errors.New("OPENROUTER_API_KEY environment variable is required")
	}

	var err error
	if cfg.ModelQueryTimeout, err = durationOr(getenv, "MODEL_QUERY_TIMEOUT", 120*time.Second); err != nil {
		return nil, err
	}
	if cfg.AuthWindow, err = durationOr(getenv, "AUTH_WINDOW", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PageCacheTTL, err = durationOr(getenv, "PAGE_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AuthMaxAttempts, err = intOr(getenv, "AUTH_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}

	switch cfg.StorageBackend {
	case StorageJSON, StorageSQLite:
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	cfg.Council, err = loadCouncilConfig(getenv)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadCouncilConfig builds the roster from the environment, then applies the YAML
// file named by COUNCIL_CONFIG on top.
func loadCouncilConfig(getenv func(string) string) (CouncilConfig, error) {
	council := CouncilConfig{
		Chairman:   stringOr(getenv("CHAIRMAN_MODEL"), defaultChairmanModel),
		TitleModel: stringOr(getenv("TITLE_MODEL"), defaultTitleModel),
	}

	models := splitList(getenv("COUNCIL_MODELS"))
	if len(models) == 0 {
		models = defaultCouncilModels
	}
	for _, model := range models {
		council.Members = append(council.Members, CouncilMember{Model: model})
	}

	timeout, err := durationOr(getenv, "TITLE_GEN_TIMEOUT", 30*time.Second)
	if err != nil {
		return CouncilConfig{}, err
	}
	council.TitleTimeout = timeout

	if path := getenv("COUNCIL_CONFIG"); path != "" {
		file, err := readCouncilFile(path)
		if err != nil {
			return CouncilConfig{}, err
		}
		if len(file.Members) > 0 {
			council.Members = file.Members
		}
		if file.Chairman != "" {
			council.Chairman = file.Chairman
		}
		if file.TitleModel != "" {
			council.TitleModel = file.TitleModel
		}
	}

	if err := council.validate(); err != nil {
		return CouncilConfig{}, err
	}
	return council, nil
}

func readCouncilFile(path string) (*councilFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read council config: %w", err)
	}

	var file councilFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse council config %s: %w", path, err)
	}
	return &file, nil
}

// validate checks the roster and fills in display names.
func (c *CouncilConfig) validate() error {
	if len(c.Members) == 0 {
		return errors.New("council needs at least one member")
	}
	if c.Chairman == "" {
		return errors.New("chairman model is required")
	}
	if c.TitleModel == "" {
		c.TitleModel = c.Chairman
	}

	seen := make(map[string]bool, len(c.Members))
	for i := range c.Members {
		member := &c.Members[i]
		member.Model = strings.TrimSpace(member.Model)
		if member.Model == "" {
			return fmt.Errorf("council member %d has no model", i)
		}
		// Model ids identify members in rankings and aggregation.
		if seen[member.Model] {
			return fmt.Errorf("duplicate council member %q", member.Model)
		}
		seen[member.Model] = true
		if member.DisplayName == "" {
			member.DisplayName = member.Model
		}
	}
	return nil
}

func stringOr(value, fallback string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return fallback
}

// splitList splits a comma separated list, dropping blanks.
func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func durationOr(getenv func(string) string, key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func intOr(getenv func(string) string, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return n, nil
}
