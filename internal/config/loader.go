package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Environment variables that override file values when set.
const (
	EnvToken      = "WECHAT_TOKEN"
	EnvAPIKey     = "OPENAI_API_KEY"
	EnvModel      = "OPENAI_MODEL"
	EnvBaseURL    = "OPENAI_BASE_URL"
	EnvPort       = "PORT"
	EnvLogLevel   = "LOG_LEVEL"
	EnvConfigPath = "WXGATE_CONFIG"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are skipped and variables that are already set
// are never overwritten.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Discover returns the config file to use when none was given on the command
// line: $WXGATE_CONFIG, then ./config.yaml. An empty result means the service
// runs from defaults and environment variables only.
func Discover() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}

// Load builds the configuration: defaults, then the optional YAML file at
// configPath, then environment overrides. The result is validated.
func Load(configPath string) (*Config, error) {
	return load(configPath, os.LookupEnv)
}

// LoadUnvalidated assembles the configuration like Load but skips validation,
// so diagnostics can report every problem instead of the first one.
func LoadUnvalidated(configPath string) (*Config, error) {
	return assemble(configPath, os.LookupEnv)
}

func load(configPath string, lookup func(string) (string, bool)) (*Config, error) {
	cfg, err := assemble(configPath, lookup)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func assemble(configPath string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		path, err := resolvePath(configPath)
		if err != nil {
			return nil, err
		}
		if err := loadFile(cfg, path, lookup); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg, lookup)
	normalize(cfg)
	return cfg, nil
}

func resolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadFile overlays the YAML document at path onto cfg. Keys absent from the
// file keep their current values.
func loadFile(cfg *Config, path string, lookup func(string) (string, bool)) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data), lookup)
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = v
		}
	}

	set(EnvToken, &cfg.WeChat.Token)
	set(EnvAPIKey, &cfg.Completion.APIKey)
	set(EnvModel, &cfg.Completion.Model)
	set(EnvBaseURL, &cfg.Completion.BaseURL)
	set(EnvLogLevel, &cfg.Service.LogLevel)

	if port, ok := lookup(EnvPort); ok && strings.TrimSpace(port) != "" {
		cfg.Server.Listen = ":" + strings.TrimSpace(port)
	}
}

func normalize(cfg *Config) {
	cfg.WeChat.Token = strings.TrimSpace(cfg.WeChat.Token)
	cfg.Completion.APIKey = strings.TrimSpace(cfg.Completion.APIKey)
	cfg.Completion.Model = strings.TrimSpace(cfg.Completion.Model)
	cfg.Service.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Service.LogLevel))
	cfg.Reply.Mode = strings.ToLower(strings.TrimSpace(cfg.Reply.Mode))
	if cfg.Reply.Mode == "" {
		cfg.Reply.Mode = ReplyModeAuto
	}
	if cfg.Completion.Model == "" {
		cfg.Completion.Model = DefaultModel
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string, lookup func(string) (string, bool)) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := lookup(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
// A missing token is not an error here: the handler fails closed instead.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if !strings.HasPrefix(cfg.Server.Path, "/") {
		return fmt.Errorf("server.path must start with / (got %q)", cfg.Server.Path)
	}
	if _, err := ParseSize(cfg.Server.MaxBodySize); err != nil {
		return fmt.Errorf("server.max_body_size: %w", err)
	}

	if err := checkUnresolved("wechat.token", cfg.WeChat.Token); err != nil {
		return err
	}
	if err := checkUnresolved("completion.api_key", cfg.Completion.APIKey); err != nil {
		return err
	}

	switch cfg.Reply.Mode {
	case ReplyModeAuto, ReplyModeFixed, ReplyModeEcho:
	case ReplyModeCompletion:
		if !cfg.CompletionEnabled() {
			return fmt.Errorf("reply.mode %q requires completion.api_key (or $%s)", ReplyModeCompletion, EnvAPIKey)
		}
	default:
		return fmt.Errorf("reply.mode must be one of: auto, fixed, echo, completion (got %q)", cfg.Reply.Mode)
	}

	if cfg.Completion.Timeout <= 0 {
		return fmt.Errorf("completion.timeout must be positive")
	}
	if cfg.Completion.MaxTokens < 0 {
		return fmt.Errorf("completion.max_tokens must not be negative")
	}
	if cfg.Completion.RateLimit < 0 {
		return fmt.Errorf("completion.rate_limit must not be negative")
	}

	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}

	return nil
}

// UnresolvedVar returns the name of the first ${VAR} reference left in value.
func UnresolvedVar(value string) (string, bool) {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) < 2 {
		return "", false
	}
	return matches[1], true
}

func checkUnresolved(field, value string) error {
	if name, ok := UnresolvedVar(value); ok {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, name)
	}
	return nil
}

// ParseSize parses size strings like "1MB", "64KB" or "2048576" to bytes.
// An empty string yields DefaultMaxBodySize.
func ParseSize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		upper = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value %q: %w", size, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	result := value * multiplier
	if result/multiplier != value { // overflow
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}

// DefaultMaxBodySize caps callback bodies at 1 MB.
const DefaultMaxBodySize = 1048576
