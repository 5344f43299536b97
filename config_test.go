package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// envMap adapts a map to the getenv signature.
func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func memberModels(members []CouncilMember) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Model
	}
	return out
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfigFrom(envMap(map[string]string{
		"OPENROUTER_API_KEY": "test-key-12345",
	}))
	require.NoError(t, err)

	assert.Equal(t, "test-key-12345", cfg.OpenRouterAPIKey)
	assert.Equal(t, "https://openrouter.ai/api/v1/chat/completions", cfg.OpenRouterAPIURL)
	assert.Equal(t, 120*time.Second, cfg.ModelQueryTimeout)
	assert.Equal(t, StorageJSON, cfg.StorageBackend)
	assert.Equal(t, "data/conversations", cfg.DataDir)
	assert.Empty(t, cfg.AuthPassword)
	assert.Equal(t, 5, cfg.AuthMaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.AuthWindow)
	assert.Empty(t, cfg.CORSAllowedOrigins)
	assert.Equal(t, int64(1<<20), cfg.MaxRequestBodySize)
	assert.Equal(t, 5*time.Minute, cfg.PageCacheTTL)
	assert.Equal(t, "8001", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)

	council := cfg.Council
	assert.Equal(t, "google/gemini-3-pro-preview", council.Chairman)
	assert.Equal(t, "google/gemini-2.5-flash", council.TitleModel)
	assert.Equal(t, 30*time.Second, council.TitleTimeout)
	require.Len(t, council.Members, 4)
	assert.Equal(t, CouncilMember{Model: "openai/gpt-5.1", DisplayName: "openai/gpt-5.1"}, council.Members[0])
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	cfg, err := loadConfigFrom(envMap(map[string]string{
		"OPENROUTER_API_KEY":   "k",
		"OPENROUTER_API_URL":   "http://localhost:9999/v1/chat",
		"COUNCIL_MODELS":       " a/one, b/two ,,c/three ",
		"CHAIRMAN_MODEL":       "a/one",
		"TITLE_MODEL":          "t/fast",
		"MODEL_QUERY_TIMEOUT":  "45s",
		"TITLE_GEN_TIMEOUT":    "5s",
		"STORAGE_BACKEND":      "SQLite",
		"DATA_DIR":             "/tmp/council",
		"AUTH_PASSWORD":        "secret",
		"AUTH_MAX_ATTEMPTS":    "3",
		"AUTH_WINDOW":          "1h",
		"CORS_ALLOWED_ORIGINS": "https://a.example.com, https://b.example.com",
		"REDIS_ADDR":           "localhost:6379",
		"PAGE_CACHE_TTL":       "1m",
		"PORT":                 "9000",
		"LOG_LEVEL":            "debug",
		"LOG_FORMAT":           "console",
	}))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:9999/v1/chat", cfg.OpenRouterAPIURL)
	assert.Equal(t, []string{"a/one", "b/two", "c/three"}, memberModels(cfg.Council.Members))
	assert.Equal(t, "a/one", cfg.Council.Chairman)
	assert.Equal(t, "t/fast", cfg.Council.TitleModel)
	assert.Equal(t, 5*time.Second, cfg.Council.TitleTimeout)
	assert.Equal(t, 45*time.Second, cfg.ModelQueryTimeout)
	assert.Equal(t, StorageSQLite, cfg.StorageBackend)
	assert.Equal(t, "/tmp/council", cfg.DataDir)
	assert.Equal(t, "secret", cfg.AuthPassword)
	assert.Equal(t, 3, cfg.AuthMaxAttempts)
	assert.Equal(t, time.Hour, cfg.AuthWindow)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, time.Minute, cfg.PageCacheTTL)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing api key", map[string]string{}, "OPENROUTER_API_KEY"},
		{"bad timeout", map[string]string{"OPENROUTER_API_KEY": "k", "MODEL_QUERY_TIMEOUT": "soon"}, "MODEL_QUERY_TIMEOUT"},
		{"negative window", map[string]string{"OPENROUTER_API_KEY": "k", "AUTH_WINDOW": "-1m"}, "AUTH_WINDOW"},
		{"bad attempts", map[string]string{"OPENROUTER_API_KEY": "k", "AUTH_MAX_ATTEMPTS": "0"}, "AUTH_MAX_ATTEMPTS"},
		{"unknown backend", map[string]string{"OPENROUTER_API_KEY": "k", "STORAGE_BACKEND": "mongo"}, "STORAGE_BACKEND"},
		{"duplicate member", map[string]string{"OPENROUTER_API_KEY": "k", "COUNCIL_MODELS": "a/one,a/one"}, "duplicate"},
		{"missing roster file", map[string]string{"OPENROUTER_API_KEY": "k", "COUNCIL_CONFIG": "/does/not/exist.yaml"}, "council config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfigFrom(envMap(tt.env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfigCouncilFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "council.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
members:
  - model: openai/gpt-5.1
    display_name: GPT
  - model: anthropic/claude-sonnet-4.5
chairman: anthropic/claude-sonnet-4.5
`), 0644))

	cfg, err := loadConfigFrom(envMap(map[string]string{
		"OPENROUTER_API_KEY": "k",
		"COUNCIL_MODELS":     "ignored/model",
		"TITLE_MODEL":        "t/fast",
		"COUNCIL_CONFIG":     path,
	}))
	require.NoError(t, err)

	assert.Equal(t, []CouncilMember{
		{Model: "openai/gpt-5.1", DisplayName: "GPT"},
		{Model: "anthropic/claude-sonnet-4.5", DisplayName: "anthropic/claude-sonnet-4.5"},
	}, cfg.Council.Members)
	assert.Equal(t, "anthropic/claude-sonnet-4.5", cfg.Council.Chairman)
	assert.Equal(t, "t/fast", cfg.Council.TitleModel)
}

func TestLoadConfigBadCouncilFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "council.yaml")
	require.NoError(t, os.WriteFile(path, []byte("members: [unterminated"), 0644))

	_, err := loadConfigFrom(envMap(map[string]string{
		"OPENROUTER_API_KEY": "k",
		"COUNCIL_CONFIG":     path,
	}))
	assert.ErrorContains(t, err, "failed to parse council config")
}

func TestLoadConfigReadsEnvironment(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "from-env")
	t.Setenv("PORT", "8123")
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.OpenRouterAPIKey)
	assert.Equal(t, "8123", cfg.Port)
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("OPENROUTER_API_KEY=from-dotenv\n"), 0644))
	t.Chdir(dir)
	// godotenv never overrides variables that are already set
	t.Setenv("OPENROUTER_API_KEY", "")
	os.Unsetenv("OPENROUTER_API_KEY")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.OpenRouterAPIKey)
	assert.Equal(t, filepath.Join(dir, ".env"), cfg.EnvFile)
}
