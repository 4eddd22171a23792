package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tjfontaine/grok-gateway/internal/codec"
	"github.com/tjfontaine/grok-gateway/internal/credential"
	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/grok"
	"github.com/tjfontaine/grok-gateway/internal/media"
	"github.com/tjfontaine/grok-gateway/internal/metrics"
	"github.com/tjfontaine/grok-gateway/internal/telemetry"
)

// Scheduler hands out credentials and receives attempt outcomes.
type Scheduler interface {
	Acquire(ctx context.Context, req credential.Requirements) (*credential.Lease, error)
	RecordOutcome(lease *credential.Lease, outcome domain.Outcome)
}

// Upstream is the provider client.
type Upstream interface {
	Chat(ctx context.Context, token string, payload *grok.ChatPayload) (*grok.Stream, error)
	Upload(ctx context.Context, token string, file grok.InputFile) (grok.Attachment, error)
	Cookie(token string) string
	AssetsURL() string
}

// ImageSource resolves caller-supplied image references.
type ImageSource interface {
	Fetch(ctx context.Context, ref string) (*media.Image, error)
}

// Config is the retry, timeout and translation policy.
type Config struct {
	MaxAttempts        int
	RetryDelay         time.Duration
	FirstByteTimeout   time.Duration
	ChunkTimeout       time.Duration
	TotalTimeout       time.Duration
	RetryableStatuses  []int
	MaxMalformedChunks int
	// Temporary asks the provider not to keep conversations.
	Temporary    bool
	Markers      []string
	ShowThinking bool
}

// Executor runs requests against the provider: it acquires a credential,
// performs the exchange under the timeout policy, retries with a fresh
// credential where the failure allows it, and reports every attempt back
// to the scheduler.
type Executor struct {
	cfg      Config
	pool     Scheduler
	upstream Upstream
	images   ImageSource
	mirror   *media.Substituter
	counter  domain.TokenCounter
	outbound *semaphore.Weighted
	metrics  *metrics.Collector
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithImageSource sets how input images are fetched.
func WithImageSource(src ImageSource) Option {
	return func(e *Executor) { e.images = src }
}

// WithMirror enables media substitution.
func WithMirror(s *media.Substituter) Option {
	return func(e *Executor) { e.mirror = s }
}

// WithCounter sets the token counter used for usage and max_tokens.
func WithCounter(c domain.TokenCounter) Option {
	return func(e *Executor) { e.counter = c }
}

// WithOutboundLimiter bounds concurrent uploads. The same semaphore is
// normally shared with the media cache.
func WithOutboundLimiter(sem *semaphore.Weighted) Option {
	return func(e *Executor) { e.outbound = sem }
}

// WithMetrics records attempt metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor.
func NewExecutor(cfg Config, pool Scheduler, upstream Upstream, opts ...Option) *Executor {
	e := &Executor{
		cfg:      cfg,
		pool:     pool,
		upstream: upstream,
		logger:   slog.Default(),
		tracer:   telemetry.Tracer("pipeline"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.MaxAttempts <= 0 {
		e.cfg.MaxAttempts = 1
	}
	if e.images == nil {
		e.images = media.NewImageFetcher()
	}
	if e.outbound == nil {
		e.outbound = semaphore.NewWeighted(4)
	}
	return e
}

var (
	errFirstByteTimeout = errors.New("first byte timeout")
	errChunkTimeout     = errors.New("chunk timeout")
	errTotalTimeout     = errors.New("total timeout")
)

// attemptError is a classified attempt failure.
type attemptError struct {
	apiErr  *domain.APIError
	outcome domain.Outcome
	retry   bool
}

func (e *attemptError) Error() string { return e.apiErr.Error() }
func (e *attemptError) Unwrap() error { return e.apiErr }

// Stream runs req until the provider commits to a response and returns the
// open stream. Failures before commit are retried per policy; the returned
// error is always a *domain.APIError.
func (e *Executor) Stream(ctx context.Context, req *domain.Request) (*Stream, error) {
	info := grok.Resolve(req.Model)
	e.applyTimeouts(req)

	var last *domain.APIError
	for n := 1; n <= e.cfg.MaxAttempts; n++ {
		s, err := e.attempt(ctx, req, info, n)
		if err == nil {
			return s, nil
		}

		var ae *attemptError
		if !errors.As(err, &ae) {
			return nil, codec.ToCanonicalError(err)
		}
		if last != nil && ae.apiErr.Code == domain.ErrorCodeNoCredentialAvailable {
			ae.apiErr = domain.ErrNoCredentialAvailable(fmt.Sprintf("%s; last upstream error: %s", ae.apiErr.Message, last.Message))
		}
		last = ae.apiErr
		if !ae.retry || n == e.cfg.MaxAttempts {
			break
		}

		e.logger.Info("retrying upstream request",
			slog.String("request_id", req.ID),
			slog.Int("attempt", n),
			slog.String("error", ae.apiErr.Message),
		)
		if e.cfg.RetryDelay > 0 {
			t := time.NewTimer(e.cfg.RetryDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, canceledError()
			}
		}
	}
	return nil, last
}

// Collect runs req to completion and returns the translated response.
func (e *Executor) Collect(ctx context.Context, req *domain.Request) (*domain.Completion, error) {
	s, err := e.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	raw, err := s.drain()
	if err != nil {
		return nil, err
	}
	s.prewarm(raw)

	var frags []domain.Fragment
	for _, f := range raw {
		frags = append(frags, s.tr.Push(s.ctx, f)...)
		if s.tr.Done() {
			break
		}
	}
	frags = append(frags, s.finish()...)

	return &domain.Completion{
		ID:         req.ID,
		Model:      req.Model,
		Created:    time.Now().Unix(),
		Fragments:  frags,
		StopReason: s.reason,
		Usage:      s.usage,
	}, nil
}

func (e *Executor) applyTimeouts(req *domain.Request) {
	if req.Timeouts.FirstByte <= 0 {
		req.Timeouts.FirstByte = e.cfg.FirstByteTimeout
	}
	if req.Timeouts.Chunk <= 0 {
		req.Timeouts.Chunk = e.cfg.ChunkTimeout
	}
	if req.Timeouts.Total <= 0 {
		req.Timeouts.Total = e.cfg.TotalTimeout
	}
}

func (e *Executor) attempt(ctx context.Context, req *domain.Request, info grok.ModelInfo, n int) (*Stream, error) {
	lease, err := e.pool.Acquire(ctx, credential.Requirements{Tier: info.Tier(), Cost: info.Cost})
	if err != nil {
		if errors.Is(err, credential.ErrNoCredentialAvailable) {
			return nil, domain.ErrNoCredentialAvailable(fmt.Sprintf("no credential available for model %s", req.Model))
		}
		return nil, canceledError()
	}

	logger := e.logger.With(
		slog.String("request_id", req.ID),
		slog.String("credential", lease.ID),
		slog.Int("attempt", n),
		slog.String("model", info.Model),
	)
	spanCtx, span := e.tracer.Start(ctx, "pipeline.attempt", trace.WithAttributes(
		attribute.String("gateway.request_id", req.ID),
		attribute.String("gateway.model", req.Model),
		attribute.String("grok.model", info.Model),
		attribute.String("grok.mode", info.Mode),
		attribute.String("credential.id", lease.ID),
		attribute.Int("attempt", n),
	))

	actx, cancel := context.WithCancelCause(spanCtx)
	stopTotal := context.CancelFunc(func() {})
	if req.Timeouts.Total > 0 {
		actx, stopTotal = context.WithTimeoutCause(actx, req.Timeouts.Total, errTotalTimeout)
	}

	s := &Stream{
		exec:      e,
		req:       req,
		info:      info,
		lease:     lease,
		ctx:       actx,
		cancel:    cancel,
		stopTotal: stopTotal,
		decoder:   grok.NewFrameDecoder(e.upstream.AssetsURL()),
		span:      span,
		start:     time.Now(),
		logger:    logger,
	}
	if req.Timeouts.Chunk > 0 {
		s.watchdog = time.AfterFunc(req.Timeouts.Chunk, func() { cancel(errChunkTimeout) })
		s.watchdog.Stop()
	}

	tcfg := codec.TranslatorConfig{
		Markers:      e.cfg.Markers,
		ShowThinking: e.cfg.ShowThinking,
		Counter:      e.counter,
		Logger:       logger,
	}
	if e.mirror != nil {
		h := http.Header{}
		h.Set("Cookie", e.upstream.Cookie(lease.Token))
		s.mirror = e.mirror.WithHeader(h)
		tcfg.Mirror = s.mirror
	}
	s.tr = codec.NewTranslator(tcfg, req)

	attachments := e.uploadImages(actx, lease.Token, req, logger)
	payload := grok.BuildPayload(grok.PayloadOptions{
		Temporary: e.cfg.Temporary,
		AssetsURL: e.upstream.AssetsURL(),
	}, info, req, attachments)

	if req.Timeouts.FirstByte > 0 {
		firstByte := time.AfterFunc(req.Timeouts.FirstByte, func() { cancel(errFirstByteTimeout) })
		defer firstByte.Stop()
	}

	body, err := e.upstream.Chat(actx, lease.Token, payload)
	if err != nil {
		return nil, s.abort(e.classify(actx, err))
	}
	s.body = body

	// Commit on the first decodable frame. Until then a failure can still
	// be retried on another credential.
	for {
		line, err := body.Next()
		if err != nil {
			if isEOF(err) {
				break
			}
			return nil, s.abort(e.classify(actx, err))
		}
		frags, err := s.decoder.Decode(line)
		if err != nil {
			var fe *grok.FrameError
			if errors.As(err, &fe) {
				return nil, s.abort(e.classifyFrame(fe, true))
			}
			if ae := s.malformedLine(err); ae != nil {
				return nil, s.abort(ae)
			}
			continue
		}
		s.pending = frags
		s.committed = true
		break
	}

	logger.Debug("upstream committed", slog.Duration("first_byte", time.Since(s.start)))
	return s, nil
}

// uploadImages fetches and uploads every input image concurrently under
// the outbound ceiling. Images that fail are logged and left out.
func (e *Executor) uploadImages(ctx context.Context, token string, req *domain.Request, logger *slog.Logger) []grok.Attachment {
	var refs []string
	for _, m := range req.Messages {
		refs = append(refs, m.Images()...)
	}
	if len(refs) == 0 {
		return nil
	}

	results := make([]*grok.Attachment, len(refs))
	var g errgroup.Group
	for i, ref := range refs {
		g.Go(func() error {
			if err := e.outbound.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer e.outbound.Release(1)

			img, err := e.images.Fetch(ctx, ref)
			if err != nil {
				logger.Warn("skipping input image", slog.Int("index", i), slog.String("error", err.Error()))
				return nil
			}
			att, err := e.upstream.Upload(ctx, token, grok.InputFile{
				Name:     img.Name,
				MimeType: img.MediaType,
				Data:     img.Data,
			})
			if err != nil {
				logger.Warn("image upload failed", slog.Int("index", i), slog.String("error", err.Error()))
				return nil
			}
			results[i] = &att
			return nil
		})
	}
	_ = g.Wait()

	var out []grok.Attachment
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// classify maps an exchange failure to the caller error, the scheduler
// outcome and whether another credential may be tried.
func (e *Executor) classify(ctx context.Context, err error) *attemptError {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errFirstByteTimeout):
		return timeoutError(domain.ErrorCodeFirstByteTimeout, "upstream did not start responding in time")
	case errors.Is(cause, errChunkTimeout):
		return timeoutError(domain.ErrorCodeChunkTimeout, "upstream stalled between chunks")
	case errors.Is(cause, errTotalTimeout):
		return timeoutError(domain.ErrorCodeTotalTimeout, "upstream exchange exceeded the total timeout")
	case cause != nil:
		return &attemptError{
			apiErr:  canceledError(),
			outcome: domain.Outcome{Kind: domain.OutcomeCanceled, Message: "caller canceled"},
		}
	}

	var se *grok.StatusError
	if errors.As(err, &se) {
		return e.classifyStatus(se.StatusCode, se.Body, true)
	}

	// transport failures say nothing about the credential
	return &attemptError{
		apiErr:  domain.ErrUpstreamRetryable(http.StatusBadGateway, "upstream connection failed"),
		outcome: domain.Outcome{Kind: domain.OutcomeRetryable, Message: err.Error()},
		retry:   true,
	}
}

func (e *Executor) classifyFrame(fe *grok.FrameError, canRetry bool) *attemptError {
	if fe.Code >= 400 && fe.Code < 600 {
		return e.classifyStatus(fe.Code, fe.Message, canRetry)
	}
	return &attemptError{
		apiErr:  domain.ErrUpstreamNonRetryable(http.StatusBadGateway, fe.Error()),
		outcome: domain.Outcome{Kind: domain.OutcomeRetryable, Message: fe.Error()},
	}
}

func (e *Executor) classifyStatus(status int, body string, canRetry bool) *attemptError {
	msg := fmt.Sprintf("upstream returned status %d", status)
	outcome := domain.Outcome{Kind: domain.OutcomeRetryable, Code: status, Message: body}

	switch status {
	case http.StatusUnauthorized:
		outcome.Kind = domain.OutcomeFatalAuth
	case http.StatusTooManyRequests:
		outcome.Kind = domain.OutcomeFatalRateLimited
	case http.StatusForbidden:
		// blocked in front of the provider; the credential is not at fault
		return &attemptError{
			apiErr:  domain.ErrUpstreamNonRetryable(status, "upstream refused the request (blocked)"),
			outcome: domain.Outcome{Kind: domain.OutcomeCanceled, Code: status, Message: body},
		}
	}

	if slices.Contains(e.cfg.RetryableStatuses, status) {
		return &attemptError{
			apiErr:  domain.ErrUpstreamRetryable(status, msg),
			outcome: outcome,
			retry:   canRetry,
		}
	}
	return &attemptError{
		apiErr:  domain.ErrUpstreamNonRetryable(status, msg),
		outcome: outcome,
	}
}

func timeoutError(code domain.ErrorCode, msg string) *attemptError {
	return &attemptError{
		apiErr:  domain.ErrUpstreamTimeout(code, msg),
		outcome: domain.Outcome{Kind: domain.OutcomeRetryable, Message: string(code)},
		retry:   true,
	}
}

func canceledError() *domain.APIError {
	return domain.NewAPIError(domain.ErrorTypeServer, "request canceled").WithStatusCode(499)
}
