package webhook

import (
	"context"
	"time"

	"github.com/mattjoyce/wxgate/internal/storage"
)

// ExchangeRecorder persists answered exchanges. *storage.Journal satisfies it.
type ExchangeRecorder interface {
	Record(ctx context.Context, ex storage.Exchange) error
}

// Config holds callback server configuration.
type Config struct {
	Listen       string
	Path         string
	MaxBodySize  int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Unsupported  string
}

// Request kinds and outcomes reported to metrics.
const (
	KindVerify  = "verify"
	KindMessage = "message"

	OutcomeOK        = "ok"
	OutcomeForbidden = "forbidden"
	OutcomeTooLarge  = "too_large"
	OutcomeEmpty     = "empty"
	OutcomeMalformed = "malformed"
	OutcomeReplied   = "replied"
	OutcomeError     = "error"
)

// Journal outcomes for an answered message.
const (
	ExchangeComposed    = "composed"
	ExchangeUnsupported = "unsupported"
)

// Default values
const (
	DefaultPath         = "/wechat"
	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	journalTimeout      = 2 * time.Second
	shutdownTimeout     = 5 * time.Second
)
