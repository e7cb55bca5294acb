package config

import (
	"fmt"
	"strings"
)

// Config is the complete gradeflow configuration, loaded from built-in
// defaults, YAML files, and GRADEFLOW_-prefixed environment variables, in
// that order of increasing precedence.
type Config struct {
	Run        RunConfig          `yaml:"run" koanf:"run"`
	Cache      CacheConfig        `yaml:"cache" koanf:"cache"`
	RateLimit  RateLimitConfig    `yaml:"rate_limit" koanf:"rate_limit"`
	Gateway    GatewayConfig      `yaml:"gateway" koanf:"gateway"`
	Checkpoint CheckpointConfig   `yaml:"checkpoint" koanf:"checkpoint"`
	Logging    LoggingConfig      `yaml:"logging" koanf:"logging"`
	Profiles   map[string]Profile `yaml:"profiles,omitempty" koanf:"profiles"`
}

// Profile is a named bundle of overrides, applied over the base Config with
// ApplyProfile (e.g. a "staging" profile with a lower concurrency ceiling).
type Profile struct {
	Run        RunConfig        `yaml:"run,omitempty"`
	Cache      CacheConfig      `yaml:"cache,omitempty"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit,omitempty"`
	Gateway    GatewayConfig    `yaml:"gateway,omitempty"`
	Checkpoint CheckpointConfig `yaml:"checkpoint,omitempty"`
	Logging    LoggingConfig    `yaml:"logging,omitempty"`
}

// RunConfig controls admission and batching, mapping 1:1 onto the
// RUN_* / TEACHER_* / SOFT_BUDGET_* / BATCH_* configuration keys.
type RunConfig struct {
	MaxConcurrency        int     `yaml:"max_concurrency" koanf:"max_concurrency" validate:"gte=0"`
	TeacherMaxActiveRuns  int     `yaml:"teacher_max_active_runs" koanf:"teacher_max_active_runs" validate:"gte=0"`
	MaxParallelLLMCalls   int     `yaml:"max_parallel_llm_calls" koanf:"max_parallel_llm_calls" validate:"gte=0"`
	BatchChunkSize        int     `yaml:"batch_chunk_size" koanf:"batch_chunk_size" validate:"gte=0"`
	SoftBudgetUSDPerRun   float64 `yaml:"soft_budget_usd_per_run" koanf:"soft_budget_usd_per_run" validate:"gte=0"`
	ImageCacheMaxBatches  int     `yaml:"image_cache_max_batches" koanf:"image_cache_max_batches" validate:"gte=0"`
	UploadQueueWatermark  int     `yaml:"upload_queue_watermark" koanf:"upload_queue_watermark" validate:"gte=0"`
	UploadActiveWatermark int     `yaml:"upload_active_watermark" koanf:"upload_active_watermark" validate:"gte=0"`
}

// CacheConfig selects and configures the grading-result cache backend.
type CacheConfig struct {
	Backend       string  `yaml:"backend" koanf:"backend" validate:"omitempty,oneof=memory redis"`
	RedisAddr     string  `yaml:"redis_addr,omitempty" koanf:"redis_addr"`
	RedisPassword string  `yaml:"redis_password,omitempty" koanf:"redis_password"`
	RedisDB       int     `yaml:"redis_db,omitempty" koanf:"redis_db" validate:"gte=0"`
	TTLDays       int     `yaml:"ttl_days" koanf:"ttl_days" validate:"gte=0"`
	MinConfidence float64 `yaml:"min_confidence" koanf:"min_confidence" validate:"gte=0,lte=1"`
}

// RateLimitConfig configures the aligned sliding-window limiter shared by
// every gateway backend.
type RateLimitConfig struct {
	WindowSeconds int   `yaml:"window_seconds" koanf:"window_seconds" validate:"gte=0"`
	Limit         int64 `yaml:"limit" koanf:"limit" validate:"gte=0"`
}

// GatewayConfig selects the vision-language model backend and carries its
// credentials.
type GatewayConfig struct {
	Backend string         `yaml:"backend" koanf:"backend" validate:"omitempty,oneof=bedrock openai"`
	Bedrock BedrockOptions `yaml:"bedrock,omitempty" koanf:"bedrock"`
	OpenAI  OpenAIOptions  `yaml:"openai,omitempty" koanf:"openai"`
}

// BedrockOptions configures the AWS Bedrock Runtime backend. Credentials are
// resolved through the standard AWS SDK chain, not stored here.
type BedrockOptions struct {
	Region string `yaml:"region,omitempty" koanf:"region"`
	Model  string `yaml:"model,omitempty" koanf:"model"`
}

// OpenAIOptions configures the OpenAI-compatible backend.
type OpenAIOptions struct {
	APIKey  string `yaml:"api_key,omitempty" koanf:"api_key"`
	Model   string `yaml:"model,omitempty" koanf:"model"`
	BaseURL string `yaml:"base_url,omitempty" koanf:"base_url"`
}

// CheckpointConfig points at the durable run-state store.
type CheckpointConfig struct {
	SQLitePath string `yaml:"sqlite_path" koanf:"sqlite_path" validate:"required"`
}

// LoggingConfig controls the global slog configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" koanf:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" koanf:"format" validate:"omitempty,oneof=json text"`
}

// SetDefaults fills in zero-valued fields with their documented defaults.
// For the fields it defaults, zero means "not set"; keys it leaves alone
// (concurrency ceilings, soft budget, upload watermarks) keep zero, which
// runcontrol treats as unlimited or disabled.
func (c *Config) SetDefaults() {
	if c.Run.BatchChunkSize == 0 {
		c.Run.BatchChunkSize = 50
	}
	if c.Cache.TTLDays == 0 {
		c.Cache.TTLDays = 30
	}
	if c.Cache.MinConfidence == 0 {
		c.Cache.MinConfidence = 0.9
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate applies semantic checks beyond what struct tags can express.
func (c *Config) Validate() error {
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required when cache.backend is \"redis\"")
	}

	if c.Gateway.Backend == "openai" && c.Gateway.OpenAI.APIKey == "" {
		return fmt.Errorf("gateway.openai.api_key is required when gateway.backend is \"openai\"")
	}

	if c.Gateway.Backend == "bedrock" && c.Gateway.Bedrock.Model == "" {
		return fmt.Errorf("gateway.bedrock.model is required when gateway.backend is \"bedrock\"")
	}

	if c.RateLimit.WindowSeconds < 0 {
		return fmt.Errorf("rate_limit.window_seconds must be non-negative, got: %d", c.RateLimit.WindowSeconds)
	}

	return nil
}

// Merge overlays other's non-zero fields onto c, section by section, with
// other taking precedence. Used both for multi-file config layering and for
// profile application.
func (c *Config) Merge(other *Config) {
	mergeRun(&c.Run, other.Run)
	mergeCache(&c.Cache, other.Cache)
	mergeRateLimit(&c.RateLimit, other.RateLimit)
	mergeGateway(&c.Gateway, other.Gateway)
	mergeCheckpoint(&c.Checkpoint, other.Checkpoint)
	mergeLogging(&c.Logging, other.Logging)

	for name, profile := range other.Profiles {
		if c.Profiles == nil {
			c.Profiles = make(map[string]Profile)
		}
		c.Profiles[name] = profile
	}
}

func mergeRun(dst *RunConfig, src RunConfig) {
	if src.MaxConcurrency != 0 {
		dst.MaxConcurrency = src.MaxConcurrency
	}
	if src.TeacherMaxActiveRuns != 0 {
		dst.TeacherMaxActiveRuns = src.TeacherMaxActiveRuns
	}
	if src.MaxParallelLLMCalls != 0 {
		dst.MaxParallelLLMCalls = src.MaxParallelLLMCalls
	}
	if src.BatchChunkSize != 0 {
		dst.BatchChunkSize = src.BatchChunkSize
	}
	if src.SoftBudgetUSDPerRun != 0 {
		dst.SoftBudgetUSDPerRun = src.SoftBudgetUSDPerRun
	}
	if src.ImageCacheMaxBatches != 0 {
		dst.ImageCacheMaxBatches = src.ImageCacheMaxBatches
	}
	if src.UploadQueueWatermark != 0 {
		dst.UploadQueueWatermark = src.UploadQueueWatermark
	}
	if src.UploadActiveWatermark != 0 {
		dst.UploadActiveWatermark = src.UploadActiveWatermark
	}
}

func mergeCache(dst *CacheConfig, src CacheConfig) {
	if src.Backend != "" {
		dst.Backend = src.Backend
	}
	if src.RedisAddr != "" {
		dst.RedisAddr = src.RedisAddr
	}
	if src.RedisPassword != "" {
		dst.RedisPassword = src.RedisPassword
	}
	if src.RedisDB != 0 {
		dst.RedisDB = src.RedisDB
	}
	if src.TTLDays != 0 {
		dst.TTLDays = src.TTLDays
	}
	if src.MinConfidence != 0 {
		dst.MinConfidence = src.MinConfidence
	}
}

func mergeRateLimit(dst *RateLimitConfig, src RateLimitConfig) {
	if src.WindowSeconds != 0 {
		dst.WindowSeconds = src.WindowSeconds
	}
	if src.Limit != 0 {
		dst.Limit = src.Limit
	}
}

func mergeGateway(dst *GatewayConfig, src GatewayConfig) {
	if src.Backend != "" {
		dst.Backend = src.Backend
	}
	if src.Bedrock.Region != "" {
		dst.Bedrock.Region = src.Bedrock.Region
	}
	if src.Bedrock.Model != "" {
		dst.Bedrock.Model = src.Bedrock.Model
	}
	if src.OpenAI.APIKey != "" {
		dst.OpenAI.APIKey = src.OpenAI.APIKey
	}
	if src.OpenAI.Model != "" {
		dst.OpenAI.Model = src.OpenAI.Model
	}
	if src.OpenAI.BaseURL != "" {
		dst.OpenAI.BaseURL = src.OpenAI.BaseURL
	}
}

func mergeCheckpoint(dst *CheckpointConfig, src CheckpointConfig) {
	if src.SQLitePath != "" {
		dst.SQLitePath = src.SQLitePath
	}
}

func mergeLogging(dst *LoggingConfig, src LoggingConfig) {
	if src.Level != "" {
		dst.Level = src.Level
	}
	if src.Format != "" {
		dst.Format = src.Format
	}
}

// ApplyProfile merges the named profile's overrides into c.
func (c *Config) ApplyProfile(name string) error {
	profile, ok := c.Profiles[name]
	if !ok {
		return fmt.Errorf("profile %q not found", name)
	}
	c.Merge(&Config{
		Run:        profile.Run,
		Cache:      profile.Cache,
		RateLimit:  profile.RateLimit,
		Gateway:    profile.Gateway,
		Checkpoint: profile.Checkpoint,
		Logging:    profile.Logging,
	})
	return nil
}

// interpolateEnvVars replaces ${VAR} references with environment variable
// values, used to keep secrets like API keys out of committed YAML.
func interpolateEnvVars(s string, getenv func(string) (string, bool)) (string, error) {
	result := s
	start := 0
	for {
		idx := strings.Index(result[start:], "${")
		if idx == -1 {
			break
		}
		idx += start

		endIdx := strings.Index(result[idx:], "}")
		if endIdx == -1 {
			return "", fmt.Errorf("unclosed environment variable reference at position %d", idx)
		}
		endIdx += idx

		varName := result[idx+2 : endIdx]
		value, ok := getenv(varName)
		if !ok {
			return "", fmt.Errorf("environment variable %q is not set", varName)
		}

		result = result[:idx] + value + result[endIdx+1:]
		start = idx + len(value)
	}
	return result, nil
}
