package fetcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/querystate/errors"
	"github.com/c360/querystate/mutation"
	"github.com/c360/querystate/pkg/retry"
	"github.com/c360/querystate/query"
)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 10 * 1024 * 1024

// Config holds configuration for the HTTP fetcher
type Config struct {
	BaseURL   string            // Resolves relative targets
	Timeout   time.Duration     // Per-request timeout, default 30s
	RateLimit float64           // Requests per second, 0 for unlimited
	Burst     int               // Limiter burst, default 1
	Headers   map[string]string // Sent with every request
	TLS       *tls.Config       // Client TLS, nil for the default transport
}

// Option configures an HTTP fetcher.
type Option func(*HTTP)

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(h *HTTP) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// HTTP fetches JSON resources for queries and sends JSON bodies for mutations.
type HTTP struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
	headers map[string]string
	logger  *slog.Logger
}

// NewHTTP creates a fetcher for cfg.
func NewHTTP(cfg Config, opts ...Option) (*HTTP, error) {
	h := &HTTP{
		headers: make(map[string]string, len(cfg.Headers)),
		logger:  slog.Default(),
	}
	if cfg.BaseURL != "" {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil || base.Scheme == "" || base.Host == "" {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: base url %q", errors.ErrInvalidConfig, cfg.BaseURL),
				"HTTP", "NewHTTP", "parse base url")
		}
		h.base = base
	}
	if cfg.RateLimit < 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: negative rate limit", errors.ErrInvalidConfig),
			"HTTP", "NewHTTP", "configure limiter")
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	h.client = &http.Client{Timeout: timeout}
	if cfg.TLS != nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = cfg.TLS
		h.client.Transport = transport
	}
	for k, v := range cfg.Headers {
		h.headers[k] = v
	}

	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "http-fetcher")
	return h, nil
}

// QueryFunc returns a query function that GETs target and decodes the JSON body.
func (h *HTTP) QueryFunc(target string) query.Func {
	return func(ctx context.Context, _ query.FunctionContext) (any, error) {
		return h.Do(ctx, http.MethodGet, target, nil)
	}
}

// MutationFunc returns a mutation function that sends the variables as a JSON body
// with method and decodes the JSON reply.
func (h *HTTP) MutationFunc(method, target string) mutation.Func {
	return func(ctx context.Context, variables any) (any, error) {
		return h.Do(ctx, method, target, variables)
	}
}

// Do performs one request. A nil body sends no payload. An empty response body
// yields nil data.
func (h *HTTP) Do(ctx context.Context, method, target string, body any) (any, error) {
	u, err := h.resolve(target)
	if err != nil {
		return nil, err
	}

	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, retry.NonRetryable(errors.WrapInvalid(err, "HTTP", "Do", "encode body"))
		}
		payload = bytes.NewReader(b)
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrRateLimited, err), "HTTP", "Do", "wait for limiter")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, payload)
	if err != nil {
		return nil, retry.NonRetryable(errors.WrapInvalid(err, "HTTP", "Do", "build request"))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range h.headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); stderrors.Is(ctxErr, context.Canceled) {
			return nil, ctxErr
		}
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrConnectionLost, err), "HTTP", "Do", method+" "+u)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	h.logger.Debug("HTTP request completed",
		"method", method, "url", u, "status", resp.StatusCode, "duration", time.Since(start))
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrConnectionLost, err), "HTTP", "Do", "read body")
	}
	if err := classifyStatus(resp, method+" "+u); err != nil {
		return nil, err
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrParsingFailed, err), "HTTP", "Do", "decode body")
	}
	return out, nil
}

func (h *HTTP) resolve(target string) (string, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return "", retry.NonRetryable(errors.WrapInvalid(err, "HTTP", "resolve", "parse target"))
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if h.base == nil {
		return "", retry.NonRetryable(errors.WrapInvalid(
			fmt.Errorf("%w: relative target %q without base url", errors.ErrInvalidConfig, target),
			"HTTP", "resolve", "resolve target"))
	}
	return h.base.ResolveReference(ref).String(), nil
}

// classifyStatus maps non-2xx responses to errors. 429 and 5xx are transient; other
// 4xx responses are invalid and not retried.
func classifyStatus(resp *http.Response, action string) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return errors.WrapTransient(fmt.Errorf("%w: HTTP %d", errors.ErrRateLimited, code), "HTTP", "Do", action)
	case code >= 500:
		return errors.WrapTransient(fmt.Errorf("%w: HTTP %d", errors.ErrServiceUnavailable, code), "HTTP", "Do", action)
	default:
		return retry.NonRetryable(errors.WrapInvalid(fmt.Errorf("%w: HTTP %d", errors.ErrInvalidData, code), "HTTP", "Do", action))
	}
}
