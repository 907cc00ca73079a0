package config

import "time"

// Config represents the complete wxgate configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Server     ServerConfig     `yaml:"server"`
	WeChat     WeChatConfig     `yaml:"wechat"`
	Reply      ReplyConfig      `yaml:"reply"`
	Completion CompletionConfig `yaml:"completion"`
	Journal    JournalConfig    `yaml:"journal"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ServerConfig defines the callback HTTP listener.
type ServerConfig struct {
	Listen       string        `yaml:"listen"`
	Path         string        `yaml:"path"`
	MaxBodySize  string        `yaml:"max_body_size"` // e.g. "1MB", "65536"
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// WeChatConfig holds the shared secret configured in the platform console.
type WeChatConfig struct {
	Token string `yaml:"token"`
}

// Reply modes.
const (
	ReplyModeAuto       = "auto"
	ReplyModeFixed      = "fixed"
	ReplyModeEcho       = "echo"
	ReplyModeCompletion = "completion"
)

// ReplyConfig controls how reply content is chosen.
type ReplyConfig struct {
	Mode        string `yaml:"mode"`
	Greeting    string `yaml:"greeting"`
	Unsupported string `yaml:"unsupported"`
	Fallback    string `yaml:"fallback"`
}

// CompletionConfig configures the external completion provider.
type CompletionConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url,omitempty"`
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	MaxTokens    int           `yaml:"max_tokens"`
	Temperature  float32       `yaml:"temperature"`
	Timeout      time.Duration `yaml:"timeout"`
	RateLimit    float64       `yaml:"rate_limit,omitempty"` // requests per second, 0 = unlimited
	Burst        int           `yaml:"burst,omitempty"`
}

// JournalConfig defines the optional exchange journal.
type JournalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default reply texts.
const (
	DefaultGreeting     = "Welcome to wechat world!"
	DefaultUnsupported  = "Only text messages are supported right now. Please send some text."
	DefaultFallback     = "Sorry, I could not come up with a reply right now. Please try again later."
	DefaultSystemPrompt = "You are a helpful assistant replying inside a WeChat chat. Keep answers short and direct."
	DefaultModel        = "gpt-4o-mini"
	DefaultPort         = "8000"
)

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "wxgate",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Server: ServerConfig{
			Listen:       ":" + DefaultPort,
			Path:         "/wechat",
			MaxBodySize:  "1MB",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Reply: ReplyConfig{
			Mode:        ReplyModeAuto,
			Greeting:    DefaultGreeting,
			Unsupported: DefaultUnsupported,
			Fallback:    DefaultFallback,
		},
		Completion: CompletionConfig{
			Model:        DefaultModel,
			SystemPrompt: DefaultSystemPrompt,
			MaxTokens:    256,
			Temperature:  0.5,
			Timeout:      4 * time.Second,
		},
		Journal: JournalConfig{
			Enabled:   false,
			Path:      "./data/journal.db",
			Retention: 30 * 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// CompletionEnabled reports whether a completion provider credential is present.
func (c *Config) CompletionEnabled() bool {
	return c.Completion.APIKey != ""
}

// EffectiveReplyMode resolves "auto" to a concrete mode.
func (c *Config) EffectiveReplyMode() string {
	mode := c.Reply.Mode
	if mode == "" || mode == ReplyModeAuto {
		if c.CompletionEnabled() {
			return ReplyModeCompletion
		}
		return ReplyModeFixed
	}
	return mode
}
