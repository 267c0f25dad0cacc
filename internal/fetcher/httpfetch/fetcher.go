// Package httpfetch implements the plain HTTP fetch engine.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// Name identifies this engine in attempts and metrics.
const Name = "http"

// Config controls the HTTP engine.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int64
	// Transport overrides the default pooled transport (tests).
	Transport http.RoundTripper
}

// Fetcher implements crawler.Fetcher over net/http.
type Fetcher struct {
	cfg    Config
	client *http.Client
	robots *robotsCache
}

// New builds a Fetcher. The transport is instrumented with OpenTelemetry.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	base := cfg.Transport
	if base == nil {
		base = newHTTPTransport()
	}
	client := &http.Client{
		Transport: otelhttp.NewTransport(base),
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		},
	}
	f := &Fetcher{cfg: cfg, client: client}
	if cfg.RespectRobots {
		f.robots = newRobotsCache(&http.Client{Transport: client.Transport, Timeout: 10 * time.Second}, cfg.UserAgent, logger)
	}
	return f
}

// Name implements crawler.Fetcher.
func (f *Fetcher) Name() string { return Name }

// CanFetch accepts any http(s) URL.
func (f *Fetcher) CanFetch(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Fetch performs a single GET.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	parsed, err := url.Parse(request.URL)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("parse url: %w", err)
	}
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if f.robots != nil && !f.robots.allowed(ctx, parsed) {
		return crawler.FetchResponse{}, fmt.Errorf("http %s: %w", request.URL, crawler.ErrDisallowed)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, request.URL, nil)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("new request: %w", err)
	}
	for key, values := range request.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("http get %s: %w", request.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return crawler.FetchResponse{}, &crawler.StatusError{URL: request.URL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("read body %s: %w", request.URL, err)
	}
	return crawler.FetchResponse{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       body,
		Duration:   time.Since(start),
		Engine:     Name,
	}, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
