// Package reply decides the content of passive replies.
//
// A Strategy is selected once at startup from configuration. Decide applies
// the rules shared by every strategy: only text messages with content are
// composed, everything else gets the fixed unsupported text.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/wxgate/internal/config"
	"github.com/mattjoyce/wxgate/internal/wechat"
)

//go:generate mockgen -destination=mocks/mock_generator.go -package=mocks github.com/mattjoyce/wxgate/internal/reply Generator

// Generator produces reply text from a user prompt. Implementations enforce
// their own timeout.
type Generator interface {
	GenerateReply(ctx context.Context, prompt string) (string, error)
}

// Strategy composes reply content for a text message.
type Strategy interface {
	Name() string
	Compose(ctx context.Context, content string) string
}

// Recorder observes completion attempts. *metrics.Metrics satisfies it.
type Recorder interface {
	ObserveCompletion(outcome string, elapsed time.Duration)
}

// Completion outcomes reported to the Recorder.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
	OutcomeEmpty = "empty"
)

// Supported reports whether msg is composed by a Strategy: a text message
// with non-blank content.
func Supported(msg wechat.InboundMessage) bool {
	return msg.IsText() && strings.TrimSpace(msg.Content) != ""
}

// Decide returns the reply content for msg. Non-text messages and text
// messages without content get unsupported.
func Decide(ctx context.Context, s Strategy, msg wechat.InboundMessage, unsupported string) string {
	if !Supported(msg) {
		return unsupported
	}
	return s.Compose(ctx, msg.Content)
}

// FixedText always replies with the same text.
type FixedText struct {
	Text string
}

func (f FixedText) Name() string { return config.ReplyModeFixed }

func (f FixedText) Compose(context.Context, string) string { return f.Text }

// Echo repeats the user's message back.
type Echo struct{}

func (Echo) Name() string { return config.ReplyModeEcho }

func (Echo) Compose(_ context.Context, content string) string {
	return "You said: " + content
}

// CompletionDelegate asks a Generator for the reply and falls back to a fixed
// apology on any failure. It never returns an error.
type CompletionDelegate struct {
	generator Generator
	fallback  string
	recorder  Recorder
	logger    *slog.Logger
}

// NewCompletionDelegate creates a delegate. recorder may be nil.
func NewCompletionDelegate(gen Generator, fallback string, recorder Recorder, logger *slog.Logger) *CompletionDelegate {
	return &CompletionDelegate{
		generator: gen,
		fallback:  fallback,
		recorder:  recorder,
		logger:    logger,
	}
}

func (c *CompletionDelegate) Name() string { return config.ReplyModeCompletion }

func (c *CompletionDelegate) Compose(ctx context.Context, content string) string {
	start := time.Now()
	text, err := c.generator.GenerateReply(ctx, content)
	elapsed := time.Since(start)

	if err != nil {
		c.observe(OutcomeError, elapsed)
		c.logger.Warn("completion failed, using fallback",
			"error", err,
			"duration_ms", elapsed.Milliseconds(),
		)
		return c.fallback
	}

	text = strings.TrimSpace(text)
	if text == "" {
		c.observe(OutcomeEmpty, elapsed)
		c.logger.Warn("completion returned empty output, using fallback",
			"duration_ms", elapsed.Milliseconds(),
		)
		return c.fallback
	}

	c.observe(OutcomeOK, elapsed)
	c.logger.Debug("completion succeeded", "duration_ms", elapsed.Milliseconds(), "chars", len(text))
	return text
}

func (c *CompletionDelegate) observe(outcome string, elapsed time.Duration) {
	if c.recorder != nil {
		c.recorder.ObserveCompletion(outcome, elapsed)
	}
}

// ErrGeneratorRequired is returned when completion mode is selected without a Generator.
var ErrGeneratorRequired = errors.New("completion mode requires a generator")

// SelectStrategy picks the strategy for cfg. gen may be nil unless the
// effective mode is completion.
func SelectStrategy(cfg *config.Config, gen Generator, recorder Recorder, logger *slog.Logger) (Strategy, error) {
	switch mode := cfg.EffectiveReplyMode(); mode {
	case config.ReplyModeFixed:
		return FixedText{Text: cfg.Reply.Greeting}, nil
	case config.ReplyModeEcho:
		return Echo{}, nil
	case config.ReplyModeCompletion:
		if gen == nil {
			return nil, ErrGeneratorRequired
		}
		return NewCompletionDelegate(gen, cfg.Reply.Fallback, recorder, logger), nil
	default:
		return nil, fmt.Errorf("unknown reply mode %q", mode)
	}
}
