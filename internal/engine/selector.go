// Package engine picks and cascades fetch engines for a source.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/metrics"
)

// Engine names used to build the order.
const (
	HTTP     = "http"
	Colly    = "colly"
	Headless = "headless"
)

// Attempt outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeSoft        = "soft"
	OutcomeError       = "error"
	OutcomeUnavailable = "unavailable"
)

// Acquirer hands out host permits. *ratelimit.Limiter satisfies it.
type Acquirer interface {
	Acquire(ctx context.Context, rawURL string) (func(), error)
}

// ViabilityChecker rejects empty, tiny or script-shell bodies.
type ViabilityChecker interface {
	Check(resp crawler.FetchResponse, rendered bool) error
}

// Engine wires one fetcher with its own timeout and retry policy.
type Engine struct {
	Fetcher crawler.Fetcher
	Retry   crawler.RetryPolicy
	Timeout time.Duration
	// Rendered marks browser engines whose output is already JS-evaluated.
	Rendered bool
}

// Result is a successful fetch plus every attempt that led to it.
type Result struct {
	Response crawler.FetchResponse
	Attempts []crawler.Attempt
}

// Selector runs the engine cascade for one source at a time. It is safe for
// concurrent use.
type Selector struct {
	engines   map[string]Engine
	limiter   Acquirer
	viability ViabilityChecker
	logger    *zap.Logger
	sleep     func(context.Context, time.Duration) error
}

// New builds a Selector. Engines are keyed by their Fetcher.Name().
func New(limiter Acquirer, viability ViabilityChecker, logger *zap.Logger, engines ...Engine) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]Engine, len(engines))
	for _, e := range engines {
		if e.Fetcher == nil {
			continue
		}
		if e.Retry == nil {
			e.Retry = crawler.NewExponentialRetryPolicy(crawler.RetryConfig{})
		}
		byName[e.Fetcher.Name()] = e
	}
	return &Selector{
		engines:   byName,
		limiter:   limiter,
		viability: viability,
		logger:    logger,
		sleep:     crawler.SleepContext,
	}
}

// Order returns the engine preference for a source.
func Order(src crawler.Source) []string {
	if src.RequiresJS {
		return []string{Colly, Headless, HTTP}
	}
	return []string{HTTP, Colly, Headless}
}

// Fetch tries every candidate URL of the source against every engine in
// order and returns the first viable response. When everything fails it
// returns a *crawler.FetchFailure listing each attempt. Context errors are
// returned as-is so callers can tell interruption from failure.
func (s *Selector) Fetch(ctx context.Context, src crawler.Source) (Result, error) {
	ctx, span := otel.Tracer("ingest-crawler/engine").Start(ctx, "engine.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("source", src.Name), attribute.Bool("requires_js", src.RequiresJS))

	var attempts []crawler.Attempt
	order := Order(src)
	for _, target := range src.CandidateURLs() {
		for _, name := range order {
			eng, ok := s.engines[name]
			if !ok || !eng.Fetcher.CanFetch(target) {
				attempts = append(attempts, crawler.Attempt{Engine: name, URL: target, Outcome: OutcomeUnavailable})
				continue
			}
			resp, tried, err := s.tryEngine(ctx, src, eng, target)
			attempts = append(attempts, tried...)
			if err == nil {
				span.SetAttributes(attribute.String("engine", name), attribute.String("url", target))
				return Result{Response: resp, Attempts: attempts}, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				span.SetStatus(codes.Error, ctxErr.Error())
				return Result{Attempts: attempts}, fmt.Errorf("fetch %s: %w", src.Name, ctxErr)
			}
		}
	}
	failure := &crawler.FetchFailure{Source: src.Name, Attempts: attempts}
	span.SetStatus(codes.Error, failure.Error())
	return Result{Attempts: attempts}, failure
}

func (s *Selector) tryEngine(
	ctx context.Context,
	src crawler.Source,
	eng Engine,
	target string,
) (crawler.FetchResponse, []crawler.Attempt, error) {
	name := eng.Fetcher.Name()
	logger := s.logger.With(zap.String("source", src.Name), zap.String("engine", name), zap.String("url", target))
	var attempts []crawler.Attempt
	for try := 1; ; try++ {
		resp, err := s.attempt(ctx, eng, target)
		outcome := OutcomeOK
		switch {
		case err == nil:
		case crawler.IsSoftFailure(err):
			outcome = OutcomeSoft
		default:
			outcome = OutcomeError
		}
		metrics.ObserveFetch(name, outcome, target, len(resp.Body))

		a := crawler.Attempt{Engine: name, URL: target, Try: try, Outcome: outcome}
		if err != nil {
			a.Error = err.Error()
		}
		attempts = append(attempts, a)
		if err == nil {
			if resp.RobotsNote != "" {
				logger.Info("robots.txt indeterminate, fetched under allow-all", zap.String("note", resp.RobotsNote))
			}
			logger.Debug("fetch succeeded", zap.Int("try", try), zap.Int("bytes", len(resp.Body)))
			return resp, attempts, nil
		}
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, attempts, err
		}
		if outcome == OutcomeSoft {
			logger.Debug("soft failure, advancing", zap.Error(err))
			return crawler.FetchResponse{}, attempts, err
		}
		if !eng.Retry.ShouldRetry(err, try) {
			logger.Debug("engine failed, advancing", zap.Int("try", try), zap.Error(err))
			return crawler.FetchResponse{}, attempts, err
		}
		backoff := eng.Retry.Backoff(try - 1)
		logger.Debug("transient failure, retrying", zap.Int("try", try), zap.Duration("backoff", backoff), zap.Error(err))
		if sleepErr := s.sleep(ctx, backoff); sleepErr != nil {
			return crawler.FetchResponse{}, attempts, sleepErr
		}
	}
}

// attempt holds the host permit for exactly one engine call.
func (s *Selector) attempt(ctx context.Context, eng Engine, target string) (crawler.FetchResponse, error) {
	if s.limiter != nil {
		release, err := s.limiter.Acquire(ctx, target)
		if err != nil {
			return crawler.FetchResponse{}, err
		}
		defer release()
	}
	resp, err := eng.Fetcher.Fetch(ctx, crawler.FetchRequest{URL: target, Timeout: eng.Timeout})
	if err != nil {
		return resp, err
	}
	if s.viability != nil {
		if verr := s.viability.Check(resp, eng.Rendered); verr != nil {
			return resp, verr
		}
	} else if len(resp.Body) == 0 {
		return resp, fmt.Errorf("%s: %w", target, crawler.ErrEmptyContent)
	}
	return resp, nil
}

// IsInterrupted reports whether err came from cancellation rather than from
// the sources themselves.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
