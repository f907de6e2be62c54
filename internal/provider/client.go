package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/reelcredit/backend/internal/config"
	"github.com/reelcredit/backend/internal/metrics"
)

// base holds what every provider client shares: a resty client bound to the
// provider's base URL and a request rate limiter.
type base struct {
	name    string
	http    *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newBase(name string, cfg config.ProviderConfig, logger *slog.Logger) base {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.QPS > 0 {
		limit = rate.Limit(cfg.QPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json")
	return base{
		name:    name,
		http:    client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("provider", name),
	}
}

func (b *base) Name() string { return b.name }

// request waits for the rate limiter and returns a request bound to ctx.
func (b *base) request(ctx context.Context) (*resty.Request, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s rate limiter: %w", b.name, err)
	}
	return b.http.R().SetContext(ctx), nil
}

// checkStatus classifies an HTTP response: 4xx other than 429 is a rejection,
// anything else that is not 2xx is transient.
func (b *base) checkStatus(op string, resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		metrics.ProviderRequests.WithLabelValues(b.name, op, "ok").Inc()
		return nil
	case code >= 400 && code < 500 && code != http.StatusTooManyRequests:
		metrics.ProviderRequests.WithLabelValues(b.name, op, "rejected").Inc()
		b.logger.Warn("provider rejected request", "op", op, "status", code, "body", truncate(resp.String(), 512))
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrRejected, b.name, op, code, truncate(resp.String(), 256))
	default:
		metrics.ProviderRequests.WithLabelValues(b.name, op, "error").Inc()
		b.logger.Error("provider request failed", "op", op, "status", code)
		return fmt.Errorf("%s %s returned %d", b.name, op, code)
	}
}

func (b *base) transportError(op string, err error) error {
	metrics.ProviderRequests.WithLabelValues(b.name, op, "error").Inc()
	return fmt.Errorf("%s %s: %w", b.name, op, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
