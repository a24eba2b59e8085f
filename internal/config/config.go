package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Dataset   DatasetConfig   `yaml:"dataset" mapstructure:"dataset"`
	Runs      RunsConfig      `yaml:"runs" mapstructure:"runs"`
	Prompt    PromptConfig    `yaml:"prompt" mapstructure:"prompt"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai" mapstructure:"openai"`
	Ollama    OllamaConfig    `yaml:"ollama" mapstructure:"ollama"`
	Waves     WavesConfig     `yaml:"waves" mapstructure:"waves"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Breaker   BreakerConfig   `yaml:"breaker" mapstructure:"breaker"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the run registry backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// DatasetConfig locates the sample corpus on disk.
type DatasetConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// RunsConfig configures where run state directories are created.
type RunsConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// PromptConfig configures prompt construction.
type PromptConfig struct {
	OverridesPath string `yaml:"overrides_path" mapstructure:"overrides_path"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key          string  `yaml:"key" mapstructure:"key"`
	DefaultModel string  `yaml:"default_model" mapstructure:"default_model"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit    float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	Key          string  `yaml:"key" mapstructure:"key"`
	BaseURL      string  `yaml:"base_url" mapstructure:"base_url"`
	DefaultModel string  `yaml:"default_model" mapstructure:"default_model"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit    float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// OllamaConfig holds local Ollama server settings.
type OllamaConfig struct {
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	DefaultModel string `yaml:"default_model" mapstructure:"default_model"`
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// WavesConfig holds ledger publishing settings.
type WavesConfig struct {
	GatewayURL    string `yaml:"gateway_url" mapstructure:"gateway_url"`
	APIKey        string `yaml:"api_key" mapstructure:"api_key"`
	NodeURL       string `yaml:"node_url" mapstructure:"node_url"`
	AddressesPath string `yaml:"addresses_path" mapstructure:"addresses_path"`
}

// RetryConfig configures transient failure retries.
type RetryConfig struct {
	MaxAttempts        int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffSecs float64 `yaml:"initial_backoff_secs" mapstructure:"initial_backoff_secs"`
	MaxBackoffSecs     float64 `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
}

// BreakerConfig configures the provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MAPEVAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Keys without a meaningful default still get an empty one
	// so AutomaticEnv can see them during Unmarshal.
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "mapeval.db")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("dataset.dir", "dataset")
	v.SetDefault("runs.dir", "runs")
	v.SetDefault("prompt.overrides_path", "prompts.yaml")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.default_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.timeout_secs", 120)
	v.SetDefault("anthropic.rate_limit", 2.0)
	v.SetDefault("openai.key", "")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.default_model", "gpt-4o-mini")
	v.SetDefault("openai.timeout_secs", 120)
	v.SetDefault("openai.rate_limit", 2.0)
	v.SetDefault("ollama.base_url", "http://localhost:11434")
	v.SetDefault("ollama.default_model", "llama3.1:8b")
	v.SetDefault("ollama.timeout_secs", 300)
	v.SetDefault("waves.gateway_url", "")
	v.SetDefault("waves.api_key", "")
	v.SetDefault("waves.node_url", "https://nodes-testnet.wavesnodes.com")
	v.SetDefault("waves.addresses_path", "waves_addresses.json")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_secs", 0.5)
	v.SetDefault("retry.max_backoff_secs", 30)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout_secs", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings required for a mode are present.
// Modes are "anthropic", "openai", "ollama", and "waves".
func (c *Config) Validate(mode string) error {
	var missing []string

	switch mode {
	case "anthropic":
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key is required")
		}
	case "openai":
		if c.OpenAI.Key == "" {
			missing = append(missing, "openai.key is required")
		}
	case "ollama":
		if c.Ollama.BaseURL == "" {
			missing = append(missing, "ollama.base_url is required")
		}
	case "waves":
		if c.Waves.GatewayURL == "" {
			missing = append(missing, "waves.gateway_url is required")
		}
		if c.Waves.APIKey == "" {
			missing = append(missing, "waves.api_key is required")
		}
		if c.Waves.AddressesPath == "" {
			missing = append(missing, "waves.addresses_path is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		missing = append(missing, "store.database_url is required for the postgres driver")
	}

	if len(missing) > 0 {
		return eris.Errorf("config: %s", strings.Join(missing, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
