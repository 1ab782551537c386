package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const defaultExternalHTTPTimeout = 90 * time.Second
const defaultExternalHTTPTimeoutSeconds = int(defaultExternalHTTPTimeout / time.Second)

const defaultRateLimitKey = "leadscore:ratelimit:oracle"

const (
	defaultAdmitTimeoutMS     = 1000
	defaultInterItemDelaySec  = 2.0
	defaultInterBatchDelaySec = 4.0
)

type Config struct {
	ScoringEnabled *bool `yaml:"scoring_enabled"`

	LLMProvider        string `yaml:"llm_provider"`
	LLMModel           string `yaml:"llm_model"`
	LLMBaseURL         string `yaml:"llm_base_url"`
	LLMMaxTokens       int    `yaml:"llm_max_tokens"`
	AnthropicAPIKey    string `yaml:"anthropic_api_key"`
	OpenAIAPIKey       string `yaml:"openai_api_key"`
	DeepSeekAPIKey     string `yaml:"deepseek_api_key"`
	PromptTemplatePath string `yaml:"prompt_template_path"`

	TokensPerSecond float64 `yaml:"tokens_per_second"`
	BurstCapacity   float64 `yaml:"burst_capacity"`
	// Pointer so an explicit 0 (never wait) survives defaulting.
	AdmitTimeoutMS *int   `yaml:"admit_timeout_ms"`
	RedisURL       string `yaml:"redis_url"`
	RateLimitKey   string `yaml:"rate_limit_key"`

	MaxRetryAttempts  int     `yaml:"max_retry_attempts"`
	InitialBackoffMS  int     `yaml:"initial_backoff_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	MaxBackoffMS      int     `yaml:"max_backoff_ms"`
	CacheTTLMinutes   int     `yaml:"cache_ttl_minutes"`

	BatchSize              int      `yaml:"batch_size"`
	BatchConcurrency       int      `yaml:"batch_concurrency"`
	InterItemDelaySec      *float64 `yaml:"inter_item_delay_sec"`
	InterBatchDelaySec     *float64 `yaml:"inter_batch_delay_sec"`
	HighScoreThreshold     int      `yaml:"high_score_threshold"`
	MaxCompaniesPerRun     int      `yaml:"max_companies_per_run"`
	LowConfidenceThreshold float64  `yaml:"low_confidence_threshold"`
	RescoreWindowDays      int      `yaml:"rescore_window_days"`
	ResultRetentionDays    int      `yaml:"result_retention_days"`

	AnalysisSchedule string `yaml:"analysis_schedule"`
	RescoreSchedule  string `yaml:"rescore_schedule"`
	CleanupSchedule  string `yaml:"cleanup_schedule"`
	Timezone         string `yaml:"timezone"`

	// Run-once targets, used only when analysis_schedule is empty.
	RunIndustry  string `yaml:"run_industry"`
	RunCompanyID int    `yaml:"run_company_id"`

	DBPath                     string `yaml:"db_path"`
	CompaniesSeedPath          string `yaml:"companies_seed_path"`
	ExternalHTTPTimeoutSeconds int    `yaml:"external_http_timeout_seconds"`

	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackChannelID string `yaml:"slack_channel_id"`

	WatchConfig bool `yaml:"watch_config"`

	Location *time.Location `yaml:"-"` // computed from Timezone, not from YAML
}

// Path returns the config file location: $CONFIG_PATH or ./config.yaml.
func Path() string {
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return envPath
	}
	return "config.yaml"
}

// LoadConfig loads Path() and exits the process when the result is invalid.
func LoadConfig() Config {
	cfg, err := Load(Path())
	if err != nil {
		log.Fatalf("%v", err)
	}
	return cfg
}

// Load reads the YAML file at path when it exists, applies environment
// overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	var cfg Config

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		log.Printf("Loaded config from %s", path)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if val := os.Getenv("SCORING_ENABLED"); val != "" {
		enabled := strings.EqualFold(val, "true") || val == "1"
		cfg.ScoringEnabled = &enabled
	}
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverrideAllowEmpty(&cfg.LLMBaseURL, "LLM_BASE_URL")
	envOverrideInt(&cfg.LLMMaxTokens, "LLM_MAX_TOKENS")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.DeepSeekAPIKey, "DEEPSEEK_API_KEY")
	envOverrideAllowEmpty(&cfg.PromptTemplatePath, "PROMPT_TEMPLATE_PATH")

	envOverrideFloat(&cfg.TokensPerSecond, "TOKENS_PER_SECOND")
	envOverrideFloat(&cfg.BurstCapacity, "BURST_CAPACITY")
	envOverrideIntPtr(&cfg.AdmitTimeoutMS, "ADMIT_TIMEOUT_MS")
	envOverrideAllowEmpty(&cfg.RedisURL, "REDIS_URL")
	envOverride(&cfg.RateLimitKey, "RATE_LIMIT_KEY")

	envOverrideInt(&cfg.MaxRetryAttempts, "MAX_RETRY_ATTEMPTS")
	envOverrideInt(&cfg.InitialBackoffMS, "INITIAL_BACKOFF_MS")
	envOverrideFloat(&cfg.BackoffMultiplier, "BACKOFF_MULTIPLIER")
	envOverrideInt(&cfg.MaxBackoffMS, "MAX_BACKOFF_MS")
	envOverrideInt(&cfg.CacheTTLMinutes, "CACHE_TTL_MINUTES")

	envOverrideInt(&cfg.BatchSize, "BATCH_SIZE")
	envOverrideInt(&cfg.BatchConcurrency, "BATCH_CONCURRENCY")
	envOverrideFloatPtr(&cfg.InterItemDelaySec, "INTER_ITEM_DELAY_SEC")
	envOverrideFloatPtr(&cfg.InterBatchDelaySec, "INTER_BATCH_DELAY_SEC")
	envOverrideInt(&cfg.HighScoreThreshold, "HIGH_SCORE_THRESHOLD")
	envOverrideInt(&cfg.MaxCompaniesPerRun, "MAX_COMPANIES_PER_RUN")
	envOverrideFloat(&cfg.LowConfidenceThreshold, "LOW_CONFIDENCE_THRESHOLD")
	envOverrideInt(&cfg.RescoreWindowDays, "RESCORE_WINDOW_DAYS")
	envOverrideInt(&cfg.ResultRetentionDays, "RESULT_RETENTION_DAYS")

	envOverrideAllowEmpty(&cfg.AnalysisSchedule, "ANALYSIS_SCHEDULE")
	envOverrideAllowEmpty(&cfg.RescoreSchedule, "RESCORE_SCHEDULE")
	envOverrideAllowEmpty(&cfg.CleanupSchedule, "CLEANUP_SCHEDULE")
	envOverride(&cfg.Timezone, "TIMEZONE")
	envOverrideAllowEmpty(&cfg.RunIndustry, "RUN_INDUSTRY")
	envOverrideInt(&cfg.RunCompanyID, "RUN_COMPANY_ID")

	envOverride(&cfg.DBPath, "DB_PATH")
	envOverrideAllowEmpty(&cfg.CompaniesSeedPath, "COMPANIES_SEED_PATH")
	envOverrideInt(&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS")

	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")
	envOverrideBool(&cfg.WatchConfig, "WATCH_CONFIG")
}

func applyDefaults(cfg *Config) {
	if cfg.ScoringEnabled == nil {
		enabled := true
		cfg.ScoringEnabled = &enabled
	}
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "anthropic"
	}
	cfg.LLMProvider = strings.ToLower(strings.TrimSpace(cfg.LLMProvider))
	if cfg.LLMMaxTokens == 0 {
		cfg.LLMMaxTokens = 1000
	}
	if cfg.TokensPerSecond == 0 {
		cfg.TokensPerSecond = 5
	}
	if cfg.BurstCapacity == 0 {
		cfg.BurstCapacity = 10
	}
	if cfg.AdmitTimeoutMS == nil {
		ms := defaultAdmitTimeoutMS
		cfg.AdmitTimeoutMS = &ms
	}
	if cfg.RateLimitKey == "" {
		cfg.RateLimitKey = defaultRateLimitKey
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 20
	}
	if cfg.BatchConcurrency == 0 {
		cfg.BatchConcurrency = 1
	}
	if cfg.InterItemDelaySec == nil {
		sec := defaultInterItemDelaySec
		cfg.InterItemDelaySec = &sec
	}
	if cfg.InterBatchDelaySec == nil {
		sec := defaultInterBatchDelaySec
		cfg.InterBatchDelaySec = &sec
	}
	if cfg.MaxCompaniesPerRun == 0 {
		cfg.MaxCompaniesPerRun = 100
	}
	if cfg.LowConfidenceThreshold == 0 {
		cfg.LowConfidenceThreshold = 0.7
	}
	if cfg.RescoreWindowDays == 0 {
		cfg.RescoreWindowDays = 7
	}
	if cfg.ResultRetentionDays == 0 {
		cfg.ResultRetentionDays = 90
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./leadscore.db"
	}
	if cfg.ExternalHTTPTimeoutSeconds == 0 {
		cfg.ExternalHTTPTimeoutSeconds = defaultExternalHTTPTimeoutSeconds
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}
}

// validate rejects configurations the engine cannot run with. Zero values of
// the required numeric keys mean the key was never set.
func (cfg *Config) validate() error {
	required := []struct {
		name string
		set  bool
	}{
		{"max_retry_attempts", cfg.MaxRetryAttempts != 0},
		{"initial_backoff_ms", cfg.InitialBackoffMS != 0},
		{"backoff_multiplier", cfg.BackoffMultiplier != 0},
		{"high_score_threshold", cfg.HighScoreThreshold != 0},
	}
	for _, r := range required {
		if !r.set {
			return fmt.Errorf("required config '%s' is not set (via config.yaml or env var)", r.name)
		}
	}

	switch cfg.LLMProvider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return errors.New("anthropic_api_key is required when llm_provider=anthropic")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return errors.New("openai_api_key is required when llm_provider=openai")
		}
	case "deepseek":
		if cfg.DeepSeekAPIKey == "" {
			return errors.New("deepseek_api_key is required when llm_provider=deepseek")
		}
	default:
		return fmt.Errorf("llm_provider must be 'anthropic', 'openai' or 'deepseek', got '%s'", cfg.LLMProvider)
	}

	if strings.EqualFold(cfg.Timezone, "Local") {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone '%s': %w", cfg.Timezone, err)
		}
		cfg.Location = loc
	}

	if cfg.MaxRetryAttempts < 1 {
		return fmt.Errorf("invalid max_retry_attempts '%d': must be >= 1", cfg.MaxRetryAttempts)
	}
	if cfg.InitialBackoffMS < 0 {
		return fmt.Errorf("invalid initial_backoff_ms '%d': must be >= 0", cfg.InitialBackoffMS)
	}
	if cfg.BackoffMultiplier < 1 {
		return fmt.Errorf("invalid backoff_multiplier '%g': must be >= 1", cfg.BackoffMultiplier)
	}
	if cfg.MaxBackoffMS < 0 {
		return fmt.Errorf("invalid max_backoff_ms '%d': must be >= 0", cfg.MaxBackoffMS)
	}
	if cfg.HighScoreThreshold < 1 || cfg.HighScoreThreshold > 10 {
		return fmt.Errorf("invalid high_score_threshold '%d': must be between 1 and 10", cfg.HighScoreThreshold)
	}
	if cfg.TokensPerSecond <= 0 {
		return fmt.Errorf("invalid tokens_per_second '%g': must be > 0", cfg.TokensPerSecond)
	}
	if cfg.BurstCapacity < 1 {
		return fmt.Errorf("invalid burst_capacity '%g': must be >= 1", cfg.BurstCapacity)
	}
	if cfg.AdmitTimeoutMS != nil && *cfg.AdmitTimeoutMS < 0 {
		return fmt.Errorf("invalid admit_timeout_ms '%d': must be >= 0", *cfg.AdmitTimeoutMS)
	}
	if cfg.CacheTTLMinutes < 0 {
		return fmt.Errorf("invalid cache_ttl_minutes '%d': must be >= 0", cfg.CacheTTLMinutes)
	}
	if cfg.BatchSize < 1 {
		return fmt.Errorf("invalid batch_size '%d': must be >= 1", cfg.BatchSize)
	}
	if cfg.BatchConcurrency < 1 {
		return fmt.Errorf("invalid batch_concurrency '%d': must be >= 1", cfg.BatchConcurrency)
	}
	if cfg.InterItemDelay() < 0 || cfg.InterBatchDelay() < 0 {
		return errors.New("inter_item_delay_sec and inter_batch_delay_sec must be >= 0")
	}
	if cfg.LowConfidenceThreshold < 0 || cfg.LowConfidenceThreshold > 1 {
		return fmt.Errorf("invalid low_confidence_threshold '%f': must be between 0 and 1", cfg.LowConfidenceThreshold)
	}
	if cfg.RunCompanyID < 0 {
		return fmt.Errorf("invalid run_company_id '%d': must be >= 0", cfg.RunCompanyID)
	}
	if cfg.ExternalHTTPTimeoutSeconds < 5 {
		return fmt.Errorf("invalid external_http_timeout_seconds '%d': must be >= 5", cfg.ExternalHTTPTimeoutSeconds)
	}
	for name, spec := range map[string]string{
		"analysis_schedule": cfg.AnalysisSchedule,
		"rescore_schedule":  cfg.RescoreSchedule,
		"cleanup_schedule":  cfg.CleanupSchedule,
	} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := ParseSchedule(spec); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, spec, err)
		}
	}
	if cfg.PromptTemplatePath != "" {
		if _, err := cfg.PromptTemplate(); err != nil {
			return fmt.Errorf("invalid prompt_template_path '%s': %w", cfg.PromptTemplatePath, err)
		}
	}
	return nil
}

// ParseSchedule parses a standard 5-field cron expression
// (minute hour day-of-month month day-of-week).
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(strings.TrimSpace(spec))
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideAllowEmpty(field *string, envKey string) {
	if val, ok := os.LookupEnv(envKey); ok {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideIntPtr(field **int, envKey string) {
	if os.Getenv(envKey) == "" {
		return
	}
	var parsed int
	envOverrideInt(&parsed, envKey)
	*field = &parsed
}

func envOverrideFloatPtr(field **float64, envKey string) {
	if os.Getenv(envKey) == "" {
		return
	}
	var parsed float64
	envOverrideFloat(&parsed, envKey)
	*field = &parsed
}

func envOverrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = strings.EqualFold(val, "true") || val == "1"
	}
}

func envOverrideFloat(field *float64, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func (c Config) Enabled() bool {
	return c.ScoringEnabled == nil || *c.ScoringEnabled
}

// APIKey returns the key for the configured provider.
func (c Config) APIKey() string {
	switch c.LLMProvider {
	case "openai":
		return c.OpenAIAPIKey
	case "deepseek":
		return c.DeepSeekAPIKey
	default:
		return c.AnthropicAPIKey
	}
}

// PromptTemplate returns the contents of prompt_template_path, or "" when no
// path is configured.
func (c Config) PromptTemplate() (string, error) {
	if c.PromptTemplatePath == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.PromptTemplatePath)
	if err != nil {
		return "", fmt.Errorf("read prompt template: %w", err)
	}
	tmpl := strings.TrimSpace(string(data))
	if tmpl == "" {
		return "", errors.New("prompt template is empty")
	}
	return tmpl, nil
}

func (c Config) AdmitTimeout() time.Duration {
	ms := defaultAdmitTimeoutMS
	if c.AdmitTimeoutMS != nil {
		ms = *c.AdmitTimeoutMS
	}
	return time.Duration(ms) * time.Millisecond
}

func (c Config) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMS) * time.Millisecond
}

func (c Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMS) * time.Millisecond
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

func (c Config) InterItemDelay() time.Duration {
	return seconds(c.InterItemDelaySec, defaultInterItemDelaySec)
}

func (c Config) InterBatchDelay() time.Duration {
	return seconds(c.InterBatchDelaySec, defaultInterBatchDelaySec)
}

func seconds(v *float64, def float64) time.Duration {
	if v == nil {
		return time.Duration(def * float64(time.Second))
	}
	return time.Duration(*v * float64(time.Second))
}

func (c Config) RescoreWindow() time.Duration {
	return time.Duration(c.RescoreWindowDays) * 24 * time.Hour
}

func (c Config) ResultRetention() time.Duration {
	return time.Duration(c.ResultRetentionDays) * 24 * time.Hour
}
