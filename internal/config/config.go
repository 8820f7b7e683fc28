package config

import (
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration. Every threshold, retry
// budget, timeout and price table the pipeline reads lives here; components
// receive their section at construction.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Chat       ChatConfig       `yaml:"chat" mapstructure:"chat"`
	Matching   MatchingConfig   `yaml:"matching" mapstructure:"matching"`
	Dispatch   DispatchConfig   `yaml:"dispatch" mapstructure:"dispatch"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the document ingestion server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// JinaConfig holds embedding provider settings.
type JinaConfig struct {
	Key        string  `yaml:"key" mapstructure:"key"`
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	Model      string  `yaml:"model" mapstructure:"model"`
	Dimensions int     `yaml:"dimensions" mapstructure:"dimensions"`
	RPS        float64 `yaml:"rps" mapstructure:"rps"`
}

// AnthropicConfig holds judgment/generation provider settings.
type AnthropicConfig struct {
	Key          string  `yaml:"key" mapstructure:"key"`
	JudgeModel   string  `yaml:"judge_model" mapstructure:"judge_model"`
	DefaultModel string  `yaml:"default_model" mapstructure:"default_model"`
	MaxTokens    int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RPS          float64 `yaml:"rps" mapstructure:"rps"`
}

// ChatConfig holds chat transport settings.
type ChatConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Token   string `yaml:"token" mapstructure:"token"`
}

// MatchingConfig carries the retrieval and verification thresholds.
// The creation and match approval thresholds are deliberately independent
// knobs: validation at criterion creation is stricter than confirmation at
// match time.
type MatchingConfig struct {
	PrimaryDistanceThreshold  float64 `yaml:"primary_distance_threshold" mapstructure:"primary_distance_threshold"`
	ChatDistanceThreshold     float64 `yaml:"chat_distance_threshold" mapstructure:"chat_distance_threshold"`
	CreationApprovalThreshold float64 `yaml:"creation_approval_threshold" mapstructure:"creation_approval_threshold"`
	MatchApprovalThreshold    float64 `yaml:"match_approval_threshold" mapstructure:"match_approval_threshold"`
	MaxCandidates             int     `yaml:"max_candidates" mapstructure:"max_candidates"`
}

// DistanceThresholdFor returns the retrieval threshold for a document
// source: chat prompts use the tighter bound, everything else the
// permissive primary bound.
func (m MatchingConfig) DistanceThresholdFor(source string) float64 {
	if source == "chat" {
		return m.ChatDistanceThreshold
	}
	return m.PrimaryDistanceThreshold
}

// DispatchConfig configures outbound delivery.
type DispatchConfig struct {
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// PipelineConfig configures the ingestion queue and match workers.
type PipelineConfig struct {
	Workers          int `yaml:"workers" mapstructure:"workers"`
	QueueSize        int `yaml:"queue_size" mapstructure:"queue_size"`
	MaxDocumentRetry int `yaml:"max_document_retry" mapstructure:"max_document_retry"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// PricingConfig holds the model price table plus an optional external file
// that overrides it.
type PricingConfig struct {
	Models map[string]ModelPricing `yaml:"models" mapstructure:"models"`
	File   string                  `yaml:"file" mapstructure:"file"`
}

// MonitoringConfig configures the ops alerter.
type MonitoringConfig struct {
	WebhookURL           string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	SpendThresholdUSD    float64       `yaml:"spend_threshold_usd" mapstructure:"spend_threshold_usd"`
	Window               time.Duration `yaml:"window" mapstructure:"window"`
	CheckInterval        time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
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
	v.SetEnvPrefix("WATCHTOWER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("jina.base_url", "https://api.jina.ai")
	v.SetDefault("jina.model", "jina-embeddings-v3")
	v.SetDefault("jina.dimensions", 1024)
	v.SetDefault("jina.rps", 5)
	v.SetDefault("anthropic.judge_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.default_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.rps", 5)
	v.SetDefault("matching.primary_distance_threshold", 0.99)
	v.SetDefault("matching.chat_distance_threshold", 0.75)
	v.SetDefault("matching.creation_approval_threshold", 0.90)
	v.SetDefault("matching.match_approval_threshold", 0.85)
	v.SetDefault("matching.max_candidates", 100)
	v.SetDefault("dispatch.timeout", "10s")
	v.SetDefault("dispatch.max_attempts", 5)
	v.SetDefault("pipeline.workers", 8)
	v.SetDefault("pipeline.queue_size", 256)
	v.SetDefault("pipeline.max_document_retry", 3)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.spend_threshold_usd", 50)
	v.SetDefault("monitoring.window", "1h")
	v.SetDefault("monitoring.check_interval", "5m")
	v.SetDefault("pricing.models", defaultPricing())

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

	if cfg.Pricing.File != "" {
		if err := cfg.Pricing.loadFile(); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

func defaultPricing() map[string]map[string]float64 {
	return map[string]map[string]float64{
		"claude-haiku-4-5-20251001":  {"input": 0.80, "output": 4.00},
		"claude-sonnet-4-5-20250929": {"input": 3.00, "output": 15.00},
	}
}

// loadFile merges per-model rates from an external YAML price table into
// the in-config table. File entries win.
func (p *PricingConfig) loadFile() error {
	raw, err := os.ReadFile(p.File)
	if err != nil {
		return eris.Wrap(err, "config: read pricing file")
	}
	var overrides map[string]ModelPricing
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return eris.Wrap(err, "config: parse pricing file")
	}
	if p.Models == nil {
		p.Models = make(map[string]ModelPricing, len(overrides))
	}
	for model, rate := range overrides {
		p.Models[model] = rate
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
