// Package doctor validates wxgate configuration and reports every problem
// it finds, split into errors and warnings.
package doctor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/wxgate/internal/config"
)

// platformReplyDeadline is how long the platform waits for a passive reply.
const platformReplyDeadline = 5 * time.Second

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor for cfg. cfg should come from config.LoadUnvalidated
// so that problems Load would reject are reported here instead.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateService(r)
	d.validateServer(r)
	d.validateToken(r)
	d.validateReply(r)
	d.validateCompletion(r)
	d.validateJournal(r)
	d.warnMetrics(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateService(r *Result) {
	switch d.cfg.Service.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		d.addError(r, "service", "service.log_level",
			fmt.Sprintf("invalid log level %q (expected debug, info, warn or error)", d.cfg.Service.LogLevel))
	}
	if f := d.cfg.Service.LogFormat; f != "" && f != "json" && f != "text" {
		d.addWarning(r, "service", "service.log_format",
			fmt.Sprintf("unknown log format %q, json will be used", f))
	}
}

func (d *Doctor) validateServer(r *Result) {
	if d.cfg.Server.Listen == "" {
		d.addError(r, "server", "server.listen", "server.listen is required")
	}
	if !strings.HasPrefix(d.cfg.Server.Path, "/") {
		d.addError(r, "server", "server.path",
			fmt.Sprintf("path %q must start with /", d.cfg.Server.Path))
	}
	if _, err := config.ParseSize(d.cfg.Server.MaxBodySize); err != nil {
		d.addError(r, "server", "server.max_body_size", err.Error())
	}
}

// validateToken checks the shared secret. Without it every request is
// rejected with 403.
func (d *Doctor) validateToken(r *Result) {
	token := d.cfg.WeChat.Token
	if name, ok := config.UnresolvedVar(token); ok {
		d.addError(r, "wechat", "wechat.token", fmt.Sprintf("environment variable ${%s} not set", name))
		return
	}
	if token == "" {
		d.addError(r, "wechat", "wechat.token",
			fmt.Sprintf("token is empty; set wechat.token or $%s (all callbacks will be rejected)", config.EnvToken))
	}
}

func (d *Doctor) validateReply(r *Result) {
	switch d.cfg.Reply.Mode {
	case config.ReplyModeFixed, config.ReplyModeEcho:
	case config.ReplyModeAuto:
		if !d.cfg.CompletionEnabled() {
			d.addWarning(r, "reply", "reply.mode",
				fmt.Sprintf("auto mode without completion.api_key ($%s): replies use the fixed greeting", config.EnvAPIKey))
		}
	case config.ReplyModeCompletion:
		if !d.cfg.CompletionEnabled() {
			d.addError(r, "reply", "reply.mode",
				fmt.Sprintf("completion mode requires completion.api_key or $%s", config.EnvAPIKey))
		}
	default:
		d.addError(r, "reply", "reply.mode",
			fmt.Sprintf("unknown reply mode %q (expected auto, fixed, echo or completion)", d.cfg.Reply.Mode))
	}

	if strings.TrimSpace(d.cfg.Reply.Unsupported) == "" {
		d.addError(r, "reply", "reply.unsupported", "unsupported reply text must not be empty")
	}
	if d.cfg.EffectiveReplyMode() == config.ReplyModeFixed && strings.TrimSpace(d.cfg.Reply.Greeting) == "" {
		d.addError(r, "reply", "reply.greeting", "greeting must not be empty in fixed mode")
	}
	if d.cfg.EffectiveReplyMode() == config.ReplyModeCompletion && strings.TrimSpace(d.cfg.Reply.Fallback) == "" {
		d.addError(r, "reply", "reply.fallback", "fallback must not be empty in completion mode")
	}
}

func (d *Doctor) validateCompletion(r *Result) {
	c := d.cfg.Completion
	if name, ok := config.UnresolvedVar(c.APIKey); ok {
		d.addError(r, "completion", "completion.api_key", fmt.Sprintf("environment variable ${%s} not set", name))
	}
	if c.Timeout <= 0 {
		d.addError(r, "completion", "completion.timeout", "timeout must be positive")
	} else if c.Timeout >= platformReplyDeadline {
		d.addWarning(r, "completion", "completion.timeout",
			fmt.Sprintf("timeout %s is not below the platform's %s reply deadline; slow completions will be dropped", c.Timeout, platformReplyDeadline))
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		d.addWarning(r, "completion", "completion.temperature",
			fmt.Sprintf("temperature %.2f is outside [0, 1]; replies may be erratic", c.Temperature))
	}
	if c.MaxTokens < 0 {
		d.addError(r, "completion", "completion.max_tokens", "max_tokens must not be negative")
	}
	if c.RateLimit < 0 {
		d.addError(r, "completion", "completion.rate_limit", "rate_limit must not be negative")
	}
}

func (d *Doctor) validateJournal(r *Result) {
	if !d.cfg.Journal.Enabled {
		return
	}
	if d.cfg.Journal.Path == "" {
		d.addError(r, "journal", "journal.path", "journal.path is required when the journal is enabled")
	}
	if d.cfg.Journal.Retention <= 0 {
		d.addWarning(r, "journal", "journal.retention", "retention is not positive; exchanges are never pruned")
	}
}

func (d *Doctor) warnMetrics(r *Result) {
	if !d.cfg.Metrics.Enabled {
		d.addWarning(r, "metrics", "metrics.enabled", "metrics disabled; /metrics will not be served")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}

	return b.String()
}

func writeIssue(b *strings.Builder, label string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
