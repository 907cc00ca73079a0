package webhook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/wxgate/internal/metrics"
	"github.com/mattjoyce/wxgate/internal/reply"
	"github.com/mattjoyce/wxgate/internal/storage"
	"github.com/mattjoyce/wxgate/internal/wechat"
)

// Server is the WeChat callback HTTP server.
type Server struct {
	config   Config
	token    string
	strategy reply.Strategy
	journal  ExchangeRecorder
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   *slog.Logger
	server   *http.Server
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithJournal records every answered message to j.
func WithJournal(j ExchangeRecorder) Option {
	return func(s *Server) { s.journal = j }
}

// WithMetrics counts requests in m and serves it at /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock overrides the time source used for reply CreateTime.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a callback server. token is the shared secret; an empty token
// rejects every request.
func New(config Config, token string, strategy reply.Strategy, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		config:   config.withDefaults(),
		token:    token,
		strategy: strategy,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the callback HTTP server (blocking) and drains it when ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("callback server starting",
		"listen", s.config.Listen,
		"path", s.config.Path,
		"strategy", s.strategy.Name(),
		"journal", s.journal != nil,
		"metrics", s.metrics != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("callback server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("callback server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("callback server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get(s.config.Path, s.handleVerify)
	r.Post(s.config.Path, s.handleMessage)
	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	return r
}

// loggingMiddleware logs HTTP requests. Bodies and query strings carry user
// content and signatures, so only the path is logged.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("callback request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleVerify answers the ownership handshake by echoing echostr.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	params := wechat.ParamsFromQuery(r.URL.Query())
	if !params.Verify(s.token) {
		s.logger.Warn("handshake signature verification failed", "request_id", middleware.GetReqID(r.Context()))
		s.metrics.ObserveRequest(KindVerify, OutcomeForbidden)
		s.respondStatus(w, http.StatusForbidden)
		return
	}

	s.metrics.ObserveRequest(KindVerify, OutcomeOK)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, params.EchoStr)
}

// handleMessage verifies, parses and answers an inbound message.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	// The body is not touched until the signature checks out.
	if !wechat.ParamsFromQuery(r.URL.Query()).Verify(s.token) {
		s.logger.Warn("message signature verification failed", "request_id", reqID)
		s.metrics.ObserveRequest(KindMessage, OutcomeForbidden)
		s.respondStatus(w, http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.logger.Warn("failed to read message body", "request_id", reqID, "error", err)
		s.metrics.ObserveRequest(KindMessage, OutcomeMalformed)
		s.respondStatus(w, http.StatusBadRequest)
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.metrics.ObserveRequest(KindMessage, OutcomeTooLarge)
		s.respondStatus(w, http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) == 0 {
		s.metrics.ObserveRequest(KindMessage, OutcomeEmpty)
		w.WriteHeader(http.StatusOK)
		return
	}

	msg, err := wechat.ParseInbound(body)
	if err != nil {
		s.logger.Warn("malformed message body", "request_id", reqID, "error", err, "bytes", len(body))
		s.metrics.ObserveRequest(KindMessage, OutcomeMalformed)
		s.respondStatus(w, http.StatusBadRequest)
		return
	}

	strategyName := s.strategy.Name()
	exchangeOutcome := ExchangeComposed
	if !reply.Supported(msg) {
		strategyName = ExchangeUnsupported
		exchangeOutcome = ExchangeUnsupported
	}

	content := reply.Decide(ctx, s.strategy, msg, s.config.Unsupported)
	now := s.now()
	out, err := wechat.NewTextReply(msg, content, now).Marshal()
	if err != nil {
		s.logger.Error("failed to encode reply", "request_id", reqID, "error", err)
		s.metrics.ObserveRequest(KindMessage, OutcomeError)
		s.respondStatus(w, http.StatusInternalServerError)
		return
	}

	s.metrics.ObserveRequest(KindMessage, OutcomeReplied)
	s.metrics.ObserveReply(strategyName)
	s.logger.Debug("reply composed",
		"request_id", reqID,
		"msg_type", msg.MsgType,
		"msg_id", msg.MsgID,
		"strategy", strategyName,
	)

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)

	s.record(ctx, storage.Exchange{
		ReceivedAt: now,
		FromUser:   msg.FromUserName,
		ToUser:     msg.ToUserName,
		MsgType:    msg.MsgType,
		MsgID:      msg.MsgID,
		Content:    msg.Content,
		Reply:      content,
		Strategy:   strategyName,
		Outcome:    exchangeOutcome,
	})
}

// record writes ex to the journal after the reply has been sent. Failures
// only get logged.
func (s *Server) record(ctx context.Context, ex storage.Exchange) {
	if s.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := s.journal.Record(jctx, ex); err != nil {
		s.logger.Error("failed to record exchange",
			"request_id", middleware.GetReqID(ctx),
			"error", err,
		)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

// respondStatus sends a bare status with no diagnostic body.
func (s *Server) respondStatus(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
}
