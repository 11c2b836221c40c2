package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/irisorigin/iris/internal/channel"
	"github.com/irisorigin/iris/internal/conversation"
	"github.com/irisorigin/iris/internal/outbound"
	"github.com/irisorigin/iris/internal/queue"
)

// AccountAdmin manages platform account credentials. *channel.Store
// implements it.
type AccountAdmin interface {
	UpsertAccount(ctx context.Context, req channel.UpsertAccountRequest) (channel.Account, error)
	ListAccounts(ctx context.Context) ([]channel.Account, error)
	GetAccountByID(ctx context.Context, id string) (channel.Account, error)
}

// AdminHandler serves the operator API: accounts, conversations, jobs, and
// the dashboard.
type AdminHandler struct {
	logger   *slog.Logger
	store    conversation.Store
	accounts AccountAdmin
	jobs     queue.Queue
	sender   outbound.Sender
}

func NewAdminHandler(log *slog.Logger, store conversation.Store, accounts AccountAdmin, jobs queue.Queue, sender outbound.Sender) *AdminHandler {
	return &AdminHandler{
		logger:   log.With(slog.String("handler", "admin")),
		store:    store,
		accounts: accounts,
		jobs:     jobs,
		sender:   sender,
	}
}

func (h *AdminHandler) Register(e *echo.Echo) {
	group := e.Group("/api/admin")
	group.GET("/accounts", h.ListAccounts)
	group.PUT("/accounts", h.UpsertAccount)
	group.GET("/conversations", h.ListConversations)
	group.GET("/conversations/:id", h.GetConversation)
	group.GET("/conversations/:id/messages", h.ListMessages)
	group.POST("/conversations/:id/close", h.CloseConversation)
	group.POST("/conversations/:id/reopen", h.ReopenConversation)
	group.POST("/conversations/:id/handback", h.HandBackConversation)
	group.POST("/conversations/:id/reply", h.Reply)
	group.POST("/jobs/:id/cancel", h.CancelJob)
	group.GET("/stats", h.Stats)
}

func (h *AdminHandler) ListAccounts(c echo.Context) error {
	items, err := h.accounts.ListAccounts(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *AdminHandler) UpsertAccount(c echo.Context) error {
	var req channel.UpsertAccountRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	account, err := h.accounts.UpsertAccount(c.Request().Context(), req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, account)
}

func (h *AdminHandler) ListConversations(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	items, err := h.store.List(c.Request().Context(), conversation.ListFilter{
		Platform: strings.TrimSpace(c.QueryParam("platform")),
		Status:   strings.TrimSpace(c.QueryParam("status")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *AdminHandler) GetConversation(c echo.Context) error {
	conv, err := h.store.GetConversation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return conversationError(err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (h *AdminHandler) ListMessages(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 50
	}
	messages, err := h.store.RecentMessages(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return conversationError(err)
	}
	return c.JSON(http.StatusOK, messages)
}

func (h *AdminHandler) CloseConversation(c echo.Context) error {
	return h.transition(c, conversation.StatusClosed, "")
}

func (h *AdminHandler) ReopenConversation(c echo.Context) error {
	return h.transition(c, conversation.StatusActive, "")
}

// HandBackConversation returns an escalated conversation to the model.
func (h *AdminHandler) HandBackConversation(c echo.Context) error {
	return h.transition(c, conversation.StatusActive, "")
}

func (h *AdminHandler) transition(c echo.Context, status, reason string) error {
	conv, err := h.store.UpdateStatus(c.Request().Context(), c.Param("id"), status, reason)
	if err != nil {
		if errors.Is(err, conversation.ErrInvalidTransition) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return conversationError(err)
	}
	return c.JSON(http.StatusOK, conv)
}

type replyRequest struct {
	Text string `json:"text"`
}

// Reply sends a human agent message into the conversation.
func (h *AdminHandler) Reply(c echo.Context) error {
	var req replyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	ctx := c.Request().Context()
	conv, err := h.store.GetConversation(ctx, c.Param("id"))
	if err != nil {
		return conversationError(err)
	}
	account, err := h.accounts.GetAccountByID(ctx, conv.AccountID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	err = h.sender.Send(ctx, account, channel.OutboundMessage{
		Platform:  conv.Platform,
		Recipient: conv.ExternalConversationID,
		Type:      channel.MessageText,
		Text:      req.Text,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	msg, err := h.store.RecordOutbound(ctx, conv.ID, conversation.SenderAgent, req.Text)
	if err != nil {
		h.logger.Warn("record agent reply failed",
			slog.String("conversation_id", conv.ID), slog.Any("error", err))
	}
	return c.JSON(http.StatusOK, msg)
}

func (h *AdminHandler) CancelJob(c echo.Context) error {
	err := h.jobs.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "job not queued")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type statsResponse struct {
	conversation.Stats
	QueueDepth int64 `json:"queue_depth"`
}

// Stats serves the dashboard aggregate.
func (h *AdminHandler) Stats(c echo.Context) error {
	ctx := c.Request().Context()
	stats, err := h.store.Stats(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	depth, err := h.jobs.Depth(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, statsResponse{Stats: stats, QueueDepth: depth})
}

func conversationError(err error) error {
	if errors.Is(err, conversation.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
