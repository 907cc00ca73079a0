// Package completion talks to an OpenAI-compatible chat completion API and
// exposes it as a single text-in, text-out call.
package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/wxgate/internal/config"
)

var (
	// ErrNotConfigured means no API key was provided.
	ErrNotConfigured = errors.New("completion provider not configured")
	// ErrEmptyOutput means the provider answered without usable text.
	ErrEmptyOutput = errors.New("completion provider returned empty output")
	// ErrRateLimited means the local rate limit rejected the call.
	ErrRateLimited = errors.New("completion rate limit exceeded")
)

// Config holds provider settings.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float32
	Timeout      time.Duration
	RateLimit    float64 // requests per second, 0 = unlimited
	Burst        int
}

// FromGlobalConfig converts config.CompletionConfig to completion.Config.
func FromGlobalConfig(cc config.CompletionConfig) Config {
	return Config{
		APIKey:       cc.APIKey,
		BaseURL:      cc.BaseURL,
		Model:        cc.Model,
		SystemPrompt: cc.SystemPrompt,
		MaxTokens:    cc.MaxTokens,
		Temperature:  cc.Temperature,
		Timeout:      cc.Timeout,
		RateLimit:    cc.RateLimit,
		Burst:        cc.Burst,
	}
}

// Client generates replies with a single chat completion request per call.
// It is safe for concurrent use.
type Client struct {
	api     *openai.Client
	cfg     Config
	limiter *rate.Limiter
}

// New creates a client. It returns ErrNotConfigured when cfg has no API key.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Model == "" {
		cfg.Model = config.DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Second
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	c := &Client{
		api: openai.NewClientWithConfig(apiCfg),
		cfg: cfg,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c, nil
}

// GenerateReply sends prompt as the user message and returns the first
// choice's text. The configured timeout bounds the whole call and no retry is
// attempted.
func (c *Client) GenerateReply(ctx context.Context, prompt string) (string, error) {
	if c.limiter != nil && !c.limiter.Allow() {
		return "", ErrRateLimited
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if c.cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: c.cfg.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion (model %s): %w", c.cfg.Model, err)
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyOutput
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyOutput
	}
	return text, nil
}

// Model returns the model name requests are sent to.
func (c *Client) Model() string {
	return c.cfg.Model
}
