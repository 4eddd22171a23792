package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/grok-gateway/internal/codec"
	"github.com/tjfontaine/grok-gateway/internal/credential"
	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/grok"
	"github.com/tjfontaine/grok-gateway/internal/media"
)

// Stream is a committed exchange. Fragments returned by Next are already
// translated. Close must always be called; it releases the credential and
// reports the outcome exactly once.
type Stream struct {
	exec  *Executor
	req   *domain.Request
	info  grok.ModelInfo
	lease *credential.Lease

	ctx       context.Context
	cancel    context.CancelCauseFunc
	stopTotal context.CancelFunc
	watchdog  *time.Timer

	body    *grok.Stream
	decoder *grok.FrameDecoder
	tr      *codec.Translator
	mirror  *media.Substituter

	pending   []domain.Fragment
	committed bool
	malformed int
	finished  bool
	failure   *attemptError
	reason    domain.StopReason
	usage     domain.Usage

	span      trace.Span
	start     time.Time
	logger    *slog.Logger
	closeOnce sync.Once
}

// InputTokens is the estimated prompt size.
func (s *Stream) InputTokens() int {
	return s.tr.InputTokens()
}

// Result returns the stop reason and usage. Valid once Next has returned
// io.EOF.
func (s *Stream) Result() (domain.StopReason, domain.Usage) {
	return s.reason, s.usage
}

// Next returns the next batch of translated fragments, io.EOF once the
// response is complete, or a *domain.APIError.
func (s *Stream) Next() ([]domain.Fragment, error) {
	for {
		if s.finished {
			return nil, io.EOF
		}
		if s.failure != nil {
			return nil, s.failure.apiErr
		}

		if len(s.pending) > 0 {
			raw := s.pending
			s.pending = nil

			var out []domain.Fragment
			for _, f := range raw {
				out = append(out, s.tr.Push(s.ctx, f)...)
				if s.tr.Done() {
					break
				}
			}
			if s.tr.Done() {
				out = append(out, s.finish()...)
			}
			if len(out) > 0 {
				return out, nil
			}
			continue
		}

		frags, err := s.read()
		if errors.Is(err, io.EOF) {
			if out := s.finish(); len(out) > 0 {
				return out, nil
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		s.pending = frags
	}
}

// read returns the next non-empty batch of provider fragments.
func (s *Stream) read() ([]domain.Fragment, error) {
	for {
		if s.watchdog != nil {
			s.watchdog.Reset(s.req.Timeouts.Chunk)
		}
		line, err := s.body.Next()
		if s.watchdog != nil {
			s.watchdog.Stop()
		}
		if err != nil {
			if isEOF(err) {
				return nil, io.EOF
			}
			return nil, s.fail(s.exec.classify(s.ctx, err))
		}

		frags, err := s.decoder.Decode(line)
		if err != nil {
			var fe *grok.FrameError
			if errors.As(err, &fe) {
				return nil, s.fail(s.exec.classifyFrame(fe, false))
			}
			if ae := s.malformedLine(err); ae != nil {
				return nil, s.fail(ae)
			}
			continue
		}
		if len(frags) > 0 {
			return frags, nil
		}
	}
}

func (s *Stream) malformedLine(err error) *attemptError {
	s.malformed++
	s.logger.Warn("skipping malformed upstream line",
		slog.Int("count", s.malformed),
		slog.String("error", err.Error()),
	)
	limit := s.exec.cfg.MaxMalformedChunks
	if limit <= 0 || s.malformed <= limit {
		return nil
	}
	return &attemptError{
		apiErr:  domain.ErrMalformedChunk(fmt.Sprintf("upstream sent %d malformed chunks", s.malformed)),
		outcome: domain.Outcome{Kind: domain.OutcomeRetryable, Message: err.Error()},
		retry:   !s.committed,
	}
}

func (s *Stream) finish() []domain.Fragment {
	if s.finished {
		return nil
	}
	s.finished = true
	out, reason, usage := s.tr.Finish()
	s.reason, s.usage = reason, usage
	return out
}

// fail records a failure after commit.
func (s *Stream) fail(ae *attemptError) error {
	s.failure = ae
	return ae.apiErr
}

// abort records a failure before commit and releases the attempt.
func (s *Stream) abort(ae *attemptError) *attemptError {
	s.failure = ae
	s.Close()
	return ae
}

// drain reads the remaining provider fragments without translating them.
func (s *Stream) drain() ([]domain.Fragment, error) {
	raw := s.pending
	s.pending = nil
	for {
		frags, err := s.read()
		if errors.Is(err, io.EOF) {
			return raw, nil
		}
		if err != nil {
			return nil, err
		}
		raw = append(raw, frags...)
	}
}

// prewarm mirrors every media reference in raw concurrently so the
// translator finds them cached.
func (s *Stream) prewarm(raw []domain.Fragment) {
	if s.mirror == nil {
		return
	}
	var g errgroup.Group
	g.SetLimit(4)
	for _, f := range raw {
		if f.Kind != domain.FragmentMedia || f.Media == nil {
			continue
		}
		ref := *f.Media
		g.Go(func() error {
			if _, err := s.mirror.Substitute(s.ctx, ref); err != nil {
				s.logger.Debug("media prewarm failed", slog.String("url", ref.URL), slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close releases the exchange and reports its outcome to the scheduler.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.watchdog != nil {
			s.watchdog.Stop()
		}
		s.cancel(nil)
		s.stopTotal()
		if s.body != nil {
			_ = s.body.Close()
		}

		outcome := s.outcome()
		s.exec.pool.RecordOutcome(s.lease, outcome)
		s.exec.metrics.RecordAttempt(s.req.Model, outcome.Kind, time.Since(s.start))

		s.span.SetAttributes(attribute.String("attempt.outcome", string(outcome.Kind)))
		if s.failure != nil {
			s.span.SetStatus(codes.Error, s.failure.apiErr.Message)
		}
		s.span.End()

		s.logger.Debug("attempt closed",
			slog.String("outcome", string(outcome.Kind)),
			slog.Duration("duration", time.Since(s.start)),
		)
	})
	return nil
}

// outcome decides what the credential is credited with. Output that
// reached the caller counts as a success unless the provider rejected
// the credential itself.
func (s *Stream) outcome() domain.Outcome {
	switch {
	case s.finished:
		return domain.Outcome{Kind: domain.OutcomeSuccess}
	case s.failure != nil && isFatal(s.failure.outcome.Kind):
		return s.failure.outcome
	case s.tr.Delivered():
		return domain.Outcome{Kind: domain.OutcomeSuccess}
	case s.failure != nil:
		return s.failure.outcome
	default:
		return domain.Outcome{Kind: domain.OutcomeCanceled, Message: "closed before completion"}
	}
}

func isFatal(k domain.OutcomeKind) bool {
	return k == domain.OutcomeFatalAuth || k == domain.OutcomeFatalRateLimited
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
