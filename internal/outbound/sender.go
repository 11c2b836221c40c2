package outbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/irisorigin/iris/internal/channel"
)

// ErrPermanent marks a send failure that retrying cannot fix (4xx other
// than 429). Callers should drop the message instead of requeueing.
var ErrPermanent = errors.New("permanent send failure")

// Sender delivers a canonical outbound message through its platform adapter.
type Sender interface {
	Send(ctx context.Context, account channel.Account, msg channel.OutboundMessage) error
}

// HTTPSender renders messages via the adapter registry, waits for the
// account's rate limiter, and posts to the platform's send API.
type HTTPSender struct {
	registry *channel.Registry
	limiters *LimiterRegistry
	client   *http.Client
	logger   *slog.Logger
}

// SenderOptions configures an HTTPSender.
type SenderOptions struct {
	Timeout           time.Duration
	DefaultRatePerMin int
}

// NewHTTPSender creates a sender over the adapter registry.
func NewHTTPSender(log *slog.Logger, registry *channel.Registry, opts SenderOptions) *HTTPSender {
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &HTTPSender{
		registry: registry,
		limiters: NewLimiterRegistry(opts.DefaultRatePerMin),
		client:   &http.Client{Timeout: opts.Timeout},
		logger:   log.With(slog.String("service", "sender")),
	}
}

var _ Sender = (*HTTPSender)(nil)

// Send renders, rate-limits, and delivers one message. Transport errors,
// 429, and 5xx responses are transient and returned plainly; other 4xx
// responses wrap ErrPermanent.
func (s *HTTPSender) Send(ctx context.Context, account channel.Account, msg channel.OutboundMessage) error {
	renderer, ok := s.registry.GetRenderer(msg.Platform)
	if !ok {
		return fmt.Errorf("%w: no renderer for platform %s", ErrPermanent, msg.Platform)
	}
	payload, err := renderer.Render(account, msg)
	if err != nil {
		return fmt.Errorf("%w: render: %v", ErrPermanent, err)
	}

	if err := s.limiters.Wait(ctx, account.LimiterKey(), account.SendRatePerMinute); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.Endpoint, bytes.NewReader(payload.Body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range payload.Headers {
		req.Header.Set(name, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send to %s: %w", msg.Platform, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("send to %s: transient status %d: %s", msg.Platform, resp.StatusCode, body)
	default:
		s.logger.Warn("permanent send failure",
			slog.String("platform", msg.Platform.String()),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(body)))
		return fmt.Errorf("%w: status %d: %s", ErrPermanent, resp.StatusCode, body)
	}
}
