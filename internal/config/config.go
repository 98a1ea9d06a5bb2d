// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Healing() HealingConfig
	Vision() VisionConfig
	Popup() PopupConfig
	LLM() LLMModelConfig
	Run() RunConfig

	// Setters used by CLI flags.
	SetBrowserHeadless(bool)
	SetBrowserConcurrency(int)
	SetVisionMode(VisionMode)
	SetMaxRetries(int)
}

// Config holds the entire application configuration. Sections are exported so
// viper can unmarshal into them; callers go through the Interface getters.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	HealingCfg  HealingConfig  `mapstructure:"healing" yaml:"healing"`
	VisionCfg   VisionConfig   `mapstructure:"vision" yaml:"vision"`
	PopupCfg    PopupConfig    `mapstructure:"popup" yaml:"popup"`
	LLMCfg      LLMModelConfig `mapstructure:"llm" yaml:"llm"`
	RunCfg      RunConfig      `mapstructure:"run" yaml:"run"`
}

// -- Getters --

func (c *Config) Logger() LoggerConfig { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Healing() HealingConfig { return c.HealingCfg }
func (c *Config) Vision() VisionConfig { return c.VisionCfg }
func (c *Config) Popup() PopupConfig { return c.PopupCfg }
func (c *Config) LLM() LLMModelConfig { return c.LLMCfg }
func (c *Config) Run() RunConfig { return c.RunCfg }

// -- Setters --

func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserConcurrency(n int) { c.BrowserCfg.Concurrency = n }
func (c *Config) SetVisionMode(m VisionMode) { c.HealingCfg.VisionMode = m }
func (c *Config) SetMaxRetries(n int) { c.HealingCfg.MaxRetries = n }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the connection string for run persistence.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// BrowserConfig controls the Chrome instance driven by chromedp.
type BrowserConfig struct {
	Headless       bool     `mapstructure:"headless" yaml:"headless"`
	BinaryPath     string   `mapstructure:"binary_path" yaml:"binary_path"`
	UserAgent      string   `mapstructure:"user_agent" yaml:"user_agent"`
	ViewportWidth  int64    `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int64    `mapstructure:"viewport_height" yaml:"viewport_height"`
	Concurrency    int      `mapstructure:"concurrency" yaml:"concurrency"`
	IgnoreTLS      bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args           []string `mapstructure:"args" yaml:"args"`
	ArtifactsDir   string   `mapstructure:"artifacts_dir" yaml:"artifacts_dir"`
	Debug          bool     `mapstructure:"debug" yaml:"debug"`
}

// VisionMode selects when the vision locator is used.
type VisionMode string

const (
	VisionModeNone     VisionMode = "none"     // Deterministic only.
	VisionModeFallback VisionMode = "fallback" // Vision after a deterministic miss.
	VisionModeAll      VisionMode = "all"      // Vision first.
)

// HealingConfig is read once at session start and is read-only for the run.
type HealingConfig struct {
	VisionMode           VisionMode    `mapstructure:"vision_mode" yaml:"vision_mode"`
	DeterministicTimeout time.Duration `mapstructure:"deterministic_timeout" yaml:"deterministic_timeout"`
	VisionTimeout        time.Duration `mapstructure:"vision_timeout" yaml:"vision_timeout"`
	// MaxRetries bounds the number of escalations across a whole run. Zero disables
	// escalation; a negative value means unlimited.
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	KnownAmbiguous []string      `mapstructure:"known_ambiguous" yaml:"known_ambiguous"`
}

// VisionConfig tunes the prompt built by the vision locator.
type VisionConfig struct {
	MaxCandidates int     `mapstructure:"max_candidates" yaml:"max_candidates"`
	MaxTextLen    int     `mapstructure:"max_text_len" yaml:"max_text_len"`
	Annotate      bool    `mapstructure:"annotate" yaml:"annotate"`
	MaxImageWidth int     `mapstructure:"max_image_width" yaml:"max_image_width"`
	MinConfidence float64 `mapstructure:"min_confidence" yaml:"min_confidence"`
}

// PopupConfig lists the overlays dismissed between actions.
type PopupConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Selectors []string      `mapstructure:"selectors" yaml:"selectors"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// RunConfig controls scenario execution.
type RunConfig struct {
	ScenarioTimeout     time.Duration `mapstructure:"scenario_timeout" yaml:"scenario_timeout"`
	ScreenshotOnFailure bool          `mapstructure:"screenshot_on_failure" yaml:"screenshot_on_failure"`
}

// LLMModelConfig defines the configuration for the vision model.
type LLMModelConfig struct {
	Model             string            `mapstructure:"model" yaml:"model"`
	APIKey            string            `mapstructure:"api_key" yaml:"api_key"`
	Endpoint          string            `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout        time.Duration     `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature       float32           `mapstructure:"temperature" yaml:"temperature"`
	TopP              float32           `mapstructure:"top_p" yaml:"top_p"`
	TopK              int               `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens         int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	SafetyFilters     map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
	RequestsPerSecond float64           `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	MaxAttempts       int               `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "suture")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)
	v.SetDefault("browser.concurrency", 2)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.artifacts_dir", "artifacts")
	v.SetDefault("browser.debug", false)

	// -- Healing --
	v.SetDefault("healing.vision_mode", string(VisionModeFallback))
	v.SetDefault("healing.deterministic_timeout", "5s")
	v.SetDefault("healing.vision_timeout", "45s")
	v.SetDefault("healing.max_retries", 5)
	v.SetDefault("healing.poll_interval", "100ms")
	v.SetDefault("healing.known_ambiguous", []string{})

	// -- Vision --
	v.SetDefault("vision.max_candidates", 60)
	v.SetDefault("vision.max_text_len", 80)
	v.SetDefault("vision.annotate", true)
	v.SetDefault("vision.max_image_width", 1280)
	v.SetDefault("vision.min_confidence", 0.5)

	// -- Popup --
	v.SetDefault("popup.enabled", true)
	v.SetDefault("popup.timeout", "2s")
	v.SetDefault("popup.selectors", []string{
		"#onetrust-accept-btn-handler",
		"button[id*='cookie' i][id*='accept' i]",
		"[aria-label='Close']",
		"[aria-label='Dismiss']",
		"text=Accept all",
		"text=No thanks",
	})

	// -- LLM --
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.api_timeout", "40s")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.top_p", 0.95)
	v.SetDefault("llm.top_k", 40)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.requests_per_second", 2.0)
	v.SetDefault("llm.max_attempts", 3)

	// -- Run --
	v.SetDefault("run.scenario_timeout", "5m")
	v.SetDefault("run.screenshot_on_failure", true)
}

// NewConfigFromViper unmarshals, resolves secrets and validates the configuration.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("llm.api_key", "SUTURE_LLM_API_KEY")
	_ = v.BindEnv("database.url", "SUTURE_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// The Gemini SDK convention.
	if cfg.LLMCfg.APIKey == "" {
		cfg.LLMCfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if dir, err := ExpandPath(cfg.BrowserCfg.ArtifactsDir); err == nil {
		cfg.BrowserCfg.ArtifactsDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.BrowserCfg.Concurrency <= 0 {
		return fmt.Errorf("browser.concurrency must be a positive integer")
	}
	if err := c.HealingCfg.Validate(); err != nil {
		return fmt.Errorf("healing configuration invalid: %w", err)
	}
	if c.VisionCfg.MaxCandidates <= 0 {
		return fmt.Errorf("vision.max_candidates must be a positive integer")
	}
	if c.VisionCfg.MaxTextLen <= 0 {
		return fmt.Errorf("vision.max_text_len must be a positive integer")
	}
	if c.VisionCfg.MinConfidence < 0.0 || c.VisionCfg.MinConfidence > 1.0 {
		return fmt.Errorf("vision.min_confidence must be between 0.0 and 1.0")
	}
	return nil
}

// Validate checks the healing configuration.
func (h *HealingConfig) Validate() error {
	switch h.VisionMode {
	case VisionModeNone, VisionModeFallback, VisionModeAll:
	default:
		return fmt.Errorf("vision_mode must be one of none, fallback, all (got %q)", h.VisionMode)
	}
	if h.DeterministicTimeout <= 0 {
		return fmt.Errorf("deterministic_timeout must be positive")
	}
	if h.VisionMode != VisionModeNone && h.VisionTimeout <= 0 {
		return fmt.Errorf("vision_timeout must be positive when vision is enabled")
	}
	if h.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	return nil
}

// IsKnownAmbiguous reports whether target is on the first-match allowlist.
// Comparison ignores case and surrounding whitespace.
func (h HealingConfig) IsKnownAmbiguous(target string) bool {
	t := strings.TrimSpace(target)
	for _, k := range h.KnownAmbiguous {
		if strings.EqualFold(strings.TrimSpace(k), t) {
			return true
		}
	}
	return false
}

// ExpandPath resolves a leading ~ and returns an absolute path.
func ExpandPath(p string) (string, error) {
	if p == "" {
		return p, nil
	}
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("failed to expand path %q: %w", p, err)
	}
	return filepath.Abs(expanded)
}
