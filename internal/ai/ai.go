// Package ai defines the model completion boundary used by the escalation
// pipeline and an HTTP client implementation of it.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Turn is one prior message given to the model as context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turn role constants.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request is the input for one completion call.
type Request struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	Language       string `json:"language,omitempty"`
	SystemContext  string `json:"system_context,omitempty"`
	History        []Turn `json:"history,omitempty"`
}

// Completion is the model's analysis of one user message. Confidence is in
// [0, 1]; SentimentScore in [-1, 1]. RequestEscalation is the model asking
// for a human regardless of the thresholds.
type Completion struct {
	Reply             string  `json:"reply"`
	Intent            string  `json:"intent"`
	SentimentScore    float64 `json:"sentiment_score"`
	Confidence        float64 `json:"confidence"`
	RequestEscalation bool    `json:"request_escalation"`
	// QuickReplies are suggested follow-ups rendered as tappable options on
	// platforms that support them.
	QuickReplies []string `json:"quick_replies,omitempty"`
}

// Completer produces a completion for one inbound message.
type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// HTTPCompleter calls an external completion service. Responses the service
// returns with a 200 but unparseable body become zero-confidence completions
// so the caller escalates instead of retrying forever.
type HTTPCompleter struct {
	baseURL       string
	apiKey        string
	language      string
	systemContext string
	client        *http.Client
	logger        *slog.Logger
}

// HTTPOptions configures an HTTPCompleter.
type HTTPOptions struct {
	BaseURL string
	APIKey  string
	// Language is the reply language hint applied when the request does not
	// carry its own.
	Language string
	// SystemContext is prepended business context, e.g. shop policies.
	SystemContext string
	Timeout       time.Duration
}

// NewHTTPCompleter creates a completion client with a hard per-call timeout.
func NewHTTPCompleter(log *slog.Logger, opts HTTPOptions) *HTTPCompleter {
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &HTTPCompleter{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		apiKey:        opts.APIKey,
		language:      opts.Language,
		systemContext: opts.SystemContext,
		client:        &http.Client{Timeout: opts.Timeout},
		logger:        log.With(slog.String("service", "ai")),
	}
}

var _ Completer = (*HTTPCompleter)(nil)

// Complete posts the request to the completion endpoint. Transport errors
// and non-2xx statuses are returned to the caller for retry; a malformed
// success body degrades to a zero-confidence completion.
func (c *HTTPCompleter) Complete(ctx context.Context, req Request) (Completion, error) {
	if req.Language == "" {
		req.Language = c.language
	}
	if req.SystemContext == "" {
		req.SystemContext = c.systemContext
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Completion{}, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/complete", bytes.NewReader(payload))
	if err != nil {
		return Completion{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Completion{}, fmt.Errorf("completion call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Completion{}, fmt.Errorf("read completion response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Completion{}, fmt.Errorf("completion service status %d", resp.StatusCode)
	}

	var completion Completion
	if err := json.Unmarshal(body, &completion); err != nil {
		c.logger.Warn("unparseable completion body, degrading to zero confidence",
			slog.String("conversation_id", req.ConversationID),
			slog.Any("error", err))
		return Completion{Confidence: 0}, nil
	}
	completion.Confidence = clamp(completion.Confidence, 0, 1)
	completion.SentimentScore = clamp(completion.SentimentScore, -1, 1)
	return completion, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
