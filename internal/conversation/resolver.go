package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/irisorigin/iris/internal/channel"
)

// Resolution is the outcome of mapping one inbound event onto the store.
type Resolution struct {
	Conversation Conversation
	Message      Message
	// Duplicate is true when the platform redelivered an event we already
	// persisted. Duplicates must not enqueue new work.
	Duplicate bool
}

// Resolver maps canonical inbound events to persisted conversations and
// messages, absorbing webhook redelivery.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

// NewResolver creates a Resolver over the given store.
func NewResolver(log *slog.Logger, store Store) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		store:  store,
		logger: log.With(slog.String("service", "resolver")),
	}
}

// Resolve finds or creates the conversation for the event's participant and
// persists the message exactly once.
func (r *Resolver) Resolve(ctx context.Context, account channel.Account, event channel.InboundEvent) (Resolution, error) {
	if event.ExternalEventID == "" || event.ExternalConversationID == "" {
		return Resolution{}, fmt.Errorf("event missing external ids")
	}

	conv, err := r.store.GetOrCreate(ctx, account.ID, event.Platform, event.ExternalConversationID)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve conversation: %w", err)
	}

	raw := event.Raw
	if len(raw) == 0 {
		raw, _ = json.Marshal(event.Content)
	}
	msg, inserted, err := r.store.InsertMessageIfAbsent(ctx, NewMessage{
		ConversationID:    conv.ID,
		Platform:          event.Platform,
		ExternalMessageID: event.ExternalEventID,
		SenderType:        SenderUser,
		Content:           event.Content.Text,
		RawContent:        raw,
		ReplyToken:        event.ReplyToken,
		OccurredAt:        event.OccurredAt,
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("persist message: %w", err)
	}
	if !inserted {
		r.logger.Debug("duplicate event absorbed",
			slog.String("platform", event.Platform.String()),
			slog.String("external_message_id", event.ExternalEventID))
	}
	return Resolution{Conversation: conv, Message: msg, Duplicate: !inserted}, nil
}
