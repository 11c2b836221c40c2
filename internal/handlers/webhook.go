package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/irisorigin/iris/internal/channel"
	"github.com/irisorigin/iris/internal/conversation"
	"github.com/irisorigin/iris/internal/queue"
)

// maxWebhookBody caps how much of a webhook request we are willing to read.
const maxWebhookBody = 1 << 20

// AccountSource resolves webhook routing keys to platform accounts.
// *channel.Store implements it.
type AccountSource interface {
	GetAccount(ctx context.Context, platform channel.ChannelType, externalAccountID string) (channel.Account, error)
}

// WebhookHandler is the platform-facing intake: it authenticates, parses,
// persists, and enqueues inbound events, acknowledging fast so platforms do
// not redeliver.
type WebhookHandler struct {
	logger   *slog.Logger
	registry *channel.Registry
	accounts AccountSource
	resolver *conversation.Resolver
	jobs     queue.Queue
}

func NewWebhookHandler(log *slog.Logger, registry *channel.Registry, accounts AccountSource, resolver *conversation.Resolver, jobs queue.Queue) *WebhookHandler {
	return &WebhookHandler{
		logger:   log.With(slog.String("handler", "webhook")),
		registry: registry,
		accounts: accounts,
		resolver: resolver,
		jobs:     jobs,
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhooks/:platform/:account_id", h.Receive)
	e.GET("/webhooks/:platform/:account_id", h.Verify)
}

type receiveResponse struct {
	Received   int `json:"received"`
	Enqueued   int `json:"enqueued"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

// Receive handles one webhook delivery. Bad signatures get 401; bodies the
// adapter cannot parse at all get 400; everything else, including duplicate
// and partially unparseable deliveries, gets 200 so the platform stops
// retrying.
func (h *WebhookHandler) Receive(c echo.Context) error {
	platform, err := h.registry.ParseChannelType(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	account, err := h.accounts.GetAccount(c.Request().Context(), platform, c.Param("account_id"))
	if err != nil {
		if errors.Is(err, channel.ErrAccountNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown account")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if account.Disabled {
		return echo.NewHTTPError(http.StatusNotFound, "account disabled")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	if verifier, ok := h.registry.GetVerifier(platform); ok {
		desc, _ := h.registry.GetDescriptor(platform)
		header := c.Request().Header.Get(desc.SignatureHeader)
		if !verifier.VerifySignature(account.AppSecret, body, header) {
			h.logger.Warn("rejected webhook signature",
				slog.String("platform", platform.String()),
				slog.String("account_id", account.ExternalAccountID))
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
		}
	}

	parser, ok := h.registry.GetParser(platform)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "platform does not accept webhooks")
	}
	events, err := parser.Parse(account, body)
	if err != nil {
		if errors.Is(err, channel.ErrMalformedPayload) {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := receiveResponse{Received: len(events)}
	for _, event := range events {
		if event.Type != channel.EventMessage && event.Type != channel.EventPostback {
			// Delivery receipts and status changes carry no work.
			resp.Skipped++
			continue
		}
		resolution, err := h.resolver.Resolve(c.Request().Context(), account, event)
		if err != nil {
			// One bad event must not fail the whole delivery.
			h.logger.Error("resolve event failed",
				slog.String("platform", platform.String()),
				slog.String("external_event_id", event.ExternalEventID),
				slog.Any("error", err))
			resp.Skipped++
			continue
		}
		if resolution.Duplicate {
			resp.Duplicates++
			continue
		}
		// Postbacks and messages share one priority: dequeue orders by
		// priority before enqueue time, so a bump would let a later
		// postback overtake an earlier message in the same conversation.
		if _, err := h.jobs.Enqueue(c.Request().Context(), queue.EnqueueRequest{
			MessageID:      resolution.Message.ID,
			ConversationID: resolution.Conversation.ID,
			Type:           queue.JobTypeProcessMessage,
			Priority:       queue.PriorityDefault,
		}); err != nil {
			h.logger.Error("enqueue failed",
				slog.String("message_id", resolution.Message.ID),
				slog.Any("error", err))
			resp.Skipped++
			continue
		}
		resp.Enqueued++
	}
	return c.JSON(http.StatusOK, resp)
}

// Verify answers the platform's subscription handshake: when the verify
// token matches, the hub.challenge value is echoed back as plain text.
func (h *WebhookHandler) Verify(c echo.Context) error {
	platform, err := h.registry.ParseChannelType(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	account, err := h.accounts.GetAccount(c.Request().Context(), platform, c.Param("account_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown account")
	}

	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	challenge := c.QueryParam("hub.challenge")
	if mode != "subscribe" || token == "" || token != account.VerifyToken {
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, challenge)
}
