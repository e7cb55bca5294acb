package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicYAMLLoading(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
run:
  max_concurrency: 5
  batch_chunk_size: 25

cache:
  backend: memory
  ttl_days: 14

gateway:
  backend: bedrock
  bedrock:
    region: us-east-1
    model: anthropic.claude-3-sonnet

checkpoint:
  sqlite_path: ./gradeflow.db
`

	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 5, cfg.Run.MaxConcurrency)
	assert.Equal(t, 25, cfg.Run.BatchChunkSize)
	assert.Equal(t, 14, cfg.Cache.TTLDays)
	assert.Equal(t, "bedrock", cfg.Gateway.Backend)
	assert.Equal(t, "anthropic.claude-3-sonnet", cfg.Gateway.Bedrock.Model)
	assert.Equal(t, "./gradeflow.db", cfg.Checkpoint.SQLitePath)
}

func TestHierarchicalMerge(t *testing.T) {
	tmpDir := t.TempDir()

	baseConfig := filepath.Join(tmpDir, "base.yaml")
	baseYAML := `
run:
  max_concurrency: 3
  batch_chunk_size: 20
cache:
  backend: memory
  ttl_days: 10
checkpoint:
  sqlite_path: ./base.db
`
	require.NoError(t, os.WriteFile(baseConfig, []byte(baseYAML), 0644))

	siteConfig := filepath.Join(tmpDir, "site.yaml")
	siteYAML := `
run:
  max_concurrency: 8
  # batch_chunk_size inherited from base
cache:
  ttl_days: 45
  # backend inherited from base
`
	require.NoError(t, os.WriteFile(siteConfig, []byte(siteYAML), 0644))

	cfg, err := LoadConfig(baseConfig, siteConfig)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8, cfg.Run.MaxConcurrency)    // overridden
	assert.Equal(t, 20, cfg.Run.BatchChunkSize)   // inherited
	assert.Equal(t, "memory", cfg.Cache.Backend)  // inherited
	assert.Equal(t, 45, cfg.Cache.TTLDays)        // overridden
	assert.Equal(t, "./base.db", cfg.Checkpoint.SQLitePath)
}

func TestEnvironmentVariableInterpolation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	os.Setenv("GRADEFLOW_TEST_API_KEY", "test-api-key-123")
	defer os.Unsetenv("GRADEFLOW_TEST_API_KEY")

	yamlContent := `
gateway:
  backend: openai
  openai:
    api_key: ${GRADEFLOW_TEST_API_KEY}
    model: gpt-4o
checkpoint:
  sqlite_path: ./gradeflow.db
`

	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "test-api-key-123", cfg.Gateway.OpenAI.APIKey)
}

func TestMissingEnvironmentVariable(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	os.Unsetenv("GRADEFLOW_MISSING_VAR")

	yamlContent := `
gateway:
  openai:
    api_key: ${GRADEFLOW_MISSING_VAR}
`

	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := LoadConfig(configPath)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "GRADEFLOW_MISSING_VAR")
	assert.Contains(t, err.Error(), "not set")
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name        string
		yaml        string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config",
			yaml: `
checkpoint:
  sqlite_path: ./gradeflow.db
`,
			expectError: false,
		},
		{
			name: "redis backend without address",
			yaml: `
cache:
  backend: redis
checkpoint:
  sqlite_path: ./gradeflow.db
`,
			expectError: true,
			errorMsg:    "cache.redis_addr is required",
		},
		{
			name: "openai backend without api key",
			yaml: `
gateway:
  backend: openai
checkpoint:
  sqlite_path: ./gradeflow.db
`,
			expectError: true,
			errorMsg:    "gateway.openai.api_key is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")
			require.NoError(t, os.WriteFile(configPath, []byte(tt.yaml), 0644))

			cfg, err := LoadConfig(configPath)

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, cfg)
				if tt.errorMsg != "" {
					assert.Contains(t, err.Error(), tt.errorMsg)
				}
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, cfg)
			}
		})
	}
}

func TestProfileSystem(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
checkpoint:
  sqlite_path: ./gradeflow.db

profiles:
  production:
    run:
      max_concurrency: 40
  development:
    run:
      max_concurrency: 2

run:
  max_concurrency: 10
`

	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := LoadConfigWithProfile("production", configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 40, cfg.Run.MaxConcurrency)

	cfg, err = LoadConfigWithProfile("development", configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 2, cfg.Run.MaxConcurrency)

	cfg, err = LoadConfig(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 10, cfg.Run.MaxConcurrency)
}

func TestInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidYAML := `
run: [unterminated
cache:
  backend: memory
`

	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0644))

	cfg, err := LoadConfig(configPath)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestNonexistentFile(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestDefaultsAppliedWhenUnset(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
checkpoint:
  sqlite_path: ./gradeflow.db
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 50, cfg.Run.BatchChunkSize)
	assert.Equal(t, 30, cfg.Cache.TTLDays)
	assert.Equal(t, 0.9, cfg.Cache.MinConfidence)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestMergeOverridesTakePrecedence(t *testing.T) {
	base := &Config{
		Cache: CacheConfig{Backend: "memory", TTLDays: 10},
	}
	overlay := &Config{
		Cache: CacheConfig{TTLDays: 60},
	}

	base.Merge(overlay)

	assert.Equal(t, "memory", base.Cache.Backend) // untouched, overlay left it zero
	assert.Equal(t, 60, base.Cache.TTLDays)        // overridden
}
