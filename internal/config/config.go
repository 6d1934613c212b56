package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Driver     DriverConfig     `yaml:"driver" mapstructure:"driver"`
	Scroll     ScrollConfig     `yaml:"scroll" mapstructure:"scroll"`
	Discovery  DiscoveryConfig  `yaml:"discovery" mapstructure:"discovery"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Validation ValidationConfig `yaml:"validation" mapstructure:"validation"`
	Split      SplitConfig      `yaml:"split" mapstructure:"split"`
	Legacy     LegacyConfig     `yaml:"legacy" mapstructure:"legacy"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// DriverConfig holds the render service settings used by the page driver.
type DriverConfig struct {
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	Key              string  `yaml:"key" mapstructure:"key"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimitRPS     float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateBurst        int     `yaml:"rate_burst" mapstructure:"rate_burst"`
	MaxRetries       int     `yaml:"max_retries" mapstructure:"max_retries"`
	CircuitThreshold int     `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// TimingProfile bounds the randomized delay between scroll steps for one
// source region. Delays are drawn from [MinDelayMS, MaxDelayMS] so request
// cadence varies instead of forming a fixed pattern.
type TimingProfile struct {
	MinDelayMS int `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
	MaxDelayMS int `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
}

// ScrollConfig configures the scroll discovery agent. ItemSelectors are the
// ordered selector strategies the render service tries against the listing
// container; the first one that matches wins for each sampled fragment.
type ScrollConfig struct {
	MaxDepth          int                      `yaml:"max_depth" mapstructure:"max_depth"`
	IdleStopThreshold int                      `yaml:"idle_stop_threshold" mapstructure:"idle_stop_threshold"`
	TimeoutSecs       int                      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	ItemSelectors     []string                 `yaml:"item_selectors" mapstructure:"item_selectors"`
	Profile           string                   `yaml:"profile" mapstructure:"profile"`
	Profiles          map[string]TimingProfile `yaml:"profiles" mapstructure:"profiles"`
}

// ActiveProfile returns the selected timing profile, falling back to a
// conservative default when the named profile is missing.
func (c ScrollConfig) ActiveProfile() TimingProfile {
	if p, ok := c.Profiles[c.Profile]; ok && p.MaxDelayMS > 0 {
		return p
	}
	return TimingProfile{MinDelayMS: 400, MaxDelayMS: 1200}
}

// DiscoveryConfig configures the link discovery agent.
type DiscoveryConfig struct {
	ConfidenceFloor float64 `yaml:"confidence_floor" mapstructure:"confidence_floor"`
	MaxLinks        int     `yaml:"max_links" mapstructure:"max_links"`
}

// ExtractConfig configures the text extraction agent. TimeoutSecs bounds
// the whole stage; FetchTimeoutSecs bounds each page fetch inside it.
type ExtractConfig struct {
	Concurrency      int  `yaml:"concurrency" mapstructure:"concurrency"`
	TimeoutSecs      int  `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	FetchTimeoutSecs int  `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
	LLMFill          bool `yaml:"llm_fill" mapstructure:"llm_fill"`
}

// ValidationConfig configures the validation agent. The field weight table
// lives in its own YAML file; when WeightsFile is empty, built-in defaults
// apply.
type ValidationConfig struct {
	AcceptanceThreshold  float64 `yaml:"acceptance_threshold" mapstructure:"acceptance_threshold"`
	ReviewBand           float64 `yaml:"review_band" mapstructure:"review_band"`
	FieldConfidenceFloor float64 `yaml:"field_confidence_floor" mapstructure:"field_confidence_floor"`
	WeightsFile          string  `yaml:"weights_file" mapstructure:"weights_file"`
}

// SplitConfig holds the traffic split applied at startup. Runtime updates
// go through the splitter's atomic swap, not through this struct.
type SplitConfig struct {
	NewPipelinePercentage int  `yaml:"new_pipeline_percentage" mapstructure:"new_pipeline_percentage"`
	Sticky                bool `yaml:"sticky" mapstructure:"sticky"`
}

// LegacyConfig configures the legacy single-pass extractor arm. It fetches
// listing pages directly instead of going through the render service.
type LegacyConfig struct {
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries   int     `yaml:"max_retries" mapstructure:"max_retries"`
	UserAgent    string  `yaml:"user_agent" mapstructure:"user_agent"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateBurst    int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// MetricsConfig configures the arm comparison window.
type MetricsConfig struct {
	LookbackHours int `yaml:"lookback_hours" mapstructure:"lookback_hours"`
}

// MonitoringConfig configures background alert checks over the arm
// comparison. Zero thresholds disable the corresponding check.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	AcceptRateFloor      float64 `yaml:"accept_rate_floor" mapstructure:"accept_rate_floor"`
}

// AnthropicConfig holds Anthropic API settings for the optional LLM
// field-fill strategy.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("EVENTPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "eventpipe.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("driver.base_url", "http://localhost:9222")
	v.SetDefault("driver.timeout_secs", 30)
	v.SetDefault("driver.rate_limit_rps", 2.0)
	v.SetDefault("driver.rate_burst", 4)
	v.SetDefault("driver.max_retries", 3)
	v.SetDefault("driver.circuit_threshold", 5)
	v.SetDefault("driver.circuit_reset_secs", 30)
	v.SetDefault("scroll.max_depth", 20)
	v.SetDefault("scroll.idle_stop_threshold", 2)
	v.SetDefault("scroll.timeout_secs", 90)
	v.SetDefault("scroll.item_selectors", []string{"[data-event-id]", ".event-card", ".event-list li", "article"})
	v.SetDefault("scroll.profile", "default")
	v.SetDefault("scroll.profiles.default.min_delay_ms", 400)
	v.SetDefault("scroll.profiles.default.max_delay_ms", 1200)
	v.SetDefault("scroll.profiles.cautious.min_delay_ms", 1000)
	v.SetDefault("scroll.profiles.cautious.max_delay_ms", 3000)
	v.SetDefault("discovery.confidence_floor", 0.35)
	v.SetDefault("discovery.max_links", 200)
	v.SetDefault("extract.concurrency", 4)
	v.SetDefault("extract.timeout_secs", 300)
	v.SetDefault("extract.fetch_timeout_secs", 20)
	v.SetDefault("extract.llm_fill", false)
	v.SetDefault("validation.acceptance_threshold", 0.6)
	v.SetDefault("validation.review_band", 0.15)
	v.SetDefault("validation.field_confidence_floor", 0.5)
	v.SetDefault("split.new_pipeline_percentage", 10)
	v.SetDefault("split.sticky", true)
	v.SetDefault("legacy.timeout_secs", 20)
	v.SetDefault("legacy.max_retries", 3)
	v.SetDefault("legacy.user_agent", "eventpipe/1.0")
	v.SetDefault("legacy.rate_limit_rps", 4.0)
	v.SetDefault("legacy.rate_burst", 8)
	v.SetDefault("metrics.lookback_hours", 24)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.3)
	v.SetDefault("monitoring.accept_rate_floor", 0.1)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)

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

// Validate checks that the settings a command mode needs are present and in
// range. Modes: "run" (one-shot pipeline execution), "serve" (webhook
// server).
func (c *Config) Validate(mode string) error {
	var problems []string

	common := func() {
		if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
			problems = append(problems, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
		}
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
		if c.Driver.BaseURL == "" {
			problems = append(problems, "driver.base_url is required")
		}
		if c.Scroll.MaxDepth < 1 {
			problems = append(problems, "scroll.max_depth must be >= 1")
		}
		if c.Scroll.IdleStopThreshold < 1 {
			problems = append(problems, "scroll.idle_stop_threshold must be >= 1")
		}
		if c.Extract.Concurrency < 1 || c.Extract.Concurrency > 32 {
			problems = append(problems, "extract.concurrency must be between 1 and 32")
		}
		if c.Discovery.ConfidenceFloor < 0 || c.Discovery.ConfidenceFloor > 1 {
			problems = append(problems, "discovery.confidence_floor must be within [0,1]")
		}
		if c.Validation.AcceptanceThreshold < 0 || c.Validation.AcceptanceThreshold > 1 {
			problems = append(problems, "validation.acceptance_threshold must be within [0,1]")
		}
		if c.Validation.ReviewBand < 0 || c.Validation.ReviewBand > c.Validation.AcceptanceThreshold {
			problems = append(problems, "validation.review_band must be within [0, acceptance_threshold]")
		}
		if c.Validation.FieldConfidenceFloor < 0 || c.Validation.FieldConfidenceFloor > 1 {
			problems = append(problems, "validation.field_confidence_floor must be within [0,1]")
		}
		if c.Split.NewPipelinePercentage < 0 || c.Split.NewPipelinePercentage > 100 {
			problems = append(problems, "split.new_pipeline_percentage must be between 0 and 100")
		}
		if c.Extract.LLMFill && c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required when extract.llm_fill is on")
		}
		if c.Metrics.LookbackHours < 1 {
			problems = append(problems, "metrics.lookback_hours must be >= 1")
		}
		if c.Monitoring.Enabled {
			if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
				problems = append(problems, "monitoring.failure_rate_threshold must be within [0,1]")
			}
			if c.Monitoring.AcceptRateFloor < 0 || c.Monitoring.AcceptRateFloor > 1 {
				problems = append(problems, "monitoring.accept_rate_floor must be within [0,1]")
			}
			if c.Monitoring.LookbackWindowHours < 1 {
				problems = append(problems, "monitoring.lookback_window_hours must be >= 1")
			}
		}
	}

	switch mode {
	case "run":
		common()
	case "serve":
		common()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
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
