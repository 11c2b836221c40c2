package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/irisorigin/iris/internal/channel"
)

// NewMessage is the input for persisting one inbound message.
type NewMessage struct {
	ConversationID    string
	Platform          channel.ChannelType
	ExternalMessageID string
	SenderType        string
	Content           string
	RawContent        []byte
	ReplyToken        string
	OccurredAt        time.Time
}

// Store is the persistence boundary for conversations and messages. The
// webhook pipeline, the escalation orchestrator, and the admin API all go
// through it.
type Store interface {
	GetConversation(ctx context.Context, id string) (Conversation, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	GetOrCreate(ctx context.Context, accountID string, platform channel.ChannelType, externalConversationID string) (Conversation, error)
	InsertMessageIfAbsent(ctx context.Context, msg NewMessage) (Message, bool, error)
	RecordOutbound(ctx context.Context, conversationID, senderType, content string) (Message, error)
	UpdateStatus(ctx context.Context, conversationID, status, reason string) (Conversation, error)
	SetAIEnabled(ctx context.Context, conversationID string, enabled bool) error
	SetMessageProcessing(ctx context.Context, messageID, status, intent string, sentiment *float64) error
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	CloseInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
	List(ctx context.Context, filter ListFilter) ([]Conversation, error)
	Stats(ctx context.Context) (Stats, error)
}

// DBService is the Postgres-backed Store.
type DBService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService creates a conversation service.
func NewService(log *slog.Logger, pool *pgxpool.Pool) *DBService {
	if log == nil {
		log = slog.Default()
	}
	return &DBService{
		pool:   pool,
		logger: log.With(slog.String("service", "conversation")),
	}
}

var _ Store = (*DBService)(nil)

const conversationColumns = `id, account_id, platform, external_conversation_id, status,
	ai_enabled, escalation_reason, message_count, last_message_at, created_at, updated_at`

// GetConversation loads one conversation by id.
func (s *DBService) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

// GetMessage loads one message by id.
func (s *DBService) GetMessage(ctx context.Context, id string) (Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

// GetOrCreate returns the conversation for (platform, external id), creating
// it when absent. Two concurrent callers race through ON CONFLICT DO NOTHING
// and both re-select the surviving row.
func (s *DBService) GetOrCreate(ctx context.Context, accountID string, platform channel.ChannelType, externalConversationID string) (Conversation, error) {
	externalConversationID = strings.TrimSpace(externalConversationID)
	if externalConversationID == "" {
		return Conversation{}, fmt.Errorf("external conversation id is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (account_id, platform, external_conversation_id, status, ai_enabled)
		VALUES ($1, $2, $3, $4, true)
		ON CONFLICT (platform, external_conversation_id) DO NOTHING`,
		accountID, platform.String(), externalConversationID, StatusActive)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE platform = $1 AND external_conversation_id = $2`,
		platform.String(), externalConversationID)
	return scanConversation(row)
}

// InsertMessageIfAbsent persists an inbound message keyed by
// (platform, external_message_id). The second return value is false when the
// message was already stored, which makes redelivered webhooks no-ops.
func (s *DBService) InsertMessageIfAbsent(ctx context.Context, msg NewMessage) (Message, bool, error) {
	raw := msg.RawContent
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	occurredAt := msg.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, platform, external_message_id, sender_type,
			content, raw_content, reply_token, processing_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (platform, external_message_id) DO NOTHING
		RETURNING `+messageColumns,
		msg.ConversationID, msg.Platform.String(), msg.ExternalMessageID, msg.SenderType,
		msg.Content, raw, msg.ReplyToken, ProcessingPending, occurredAt)
	inserted, err := scanMessage(row)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return Message{}, false, err
		}
		// Conflict path: the row already exists, return it unchanged.
		existing := s.pool.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM messages
			 WHERE platform = $1 AND external_message_id = $2`,
			msg.Platform.String(), msg.ExternalMessageID)
		duplicate, err := scanMessage(existing)
		if err != nil {
			return Message{}, false, err
		}
		return duplicate, false, nil
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE conversations SET
			message_count = message_count + 1,
			last_message_at = GREATEST(last_message_at, $2),
			updated_at = now()
		WHERE id = $1`,
		msg.ConversationID, occurredAt)
	if err != nil {
		s.logger.Warn("bump conversation counters failed",
			slog.String("conversation_id", msg.ConversationID),
			slog.Any("error", err))
	}
	return inserted, true, nil
}

// RecordOutbound persists a message we sent (model or human agent reply).
func (s *DBService) RecordOutbound(ctx context.Context, conversationID, senderType, content string) (Message, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return Message{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, platform, external_message_id, sender_type,
			content, raw_content, processing_status)
		VALUES ($1, $2, $3, $4, $5, '{}', $6)
		RETURNING `+messageColumns,
		conversationID, conv.Platform.String(), outboundMessageID(conversationID), senderType,
		content, ProcessingCompleted)
	msg, err := scanMessage(row)
	if err != nil {
		return Message{}, err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE conversations SET
			message_count = message_count + 1,
			last_message_at = now(),
			updated_at = now()
		WHERE id = $1`, conversationID)
	if err != nil {
		s.logger.Warn("bump conversation counters failed",
			slog.String("conversation_id", conversationID),
			slog.Any("error", err))
	}
	return msg, nil
}

// UpdateStatus moves a conversation through the status state machine.
// Escalating disables the model; reopening or handing back re-enables it.
func (s *DBService) UpdateStatus(ctx context.Context, conversationID, status, reason string) (Conversation, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if err := ValidateTransition(conv.Status, status); err != nil {
		return Conversation{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, conv.Status, status)
	}
	aiEnabled := status != StatusEscalated
	row := s.pool.QueryRow(ctx, `
		UPDATE conversations SET
			status = $2,
			ai_enabled = $3,
			escalation_reason = $4,
			updated_at = now()
		WHERE id = $1
		RETURNING `+conversationColumns,
		conversationID, status, aiEnabled, reason)
	return scanConversation(row)
}

// SetAIEnabled toggles automated replies without changing the status.
func (s *DBService) SetAIEnabled(ctx context.Context, conversationID string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET ai_enabled = $2, updated_at = now() WHERE id = $1`,
		conversationID, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMessageProcessing records the processing outcome for one message along
// with the model's classification.
func (s *DBService) SetMessageProcessing(ctx context.Context, messageID, status, intent string, sentiment *float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET
			processing_status = $2,
			intent = COALESCE(NULLIF($3, ''), intent),
			sentiment_score = COALESCE($4, sentiment_score)
		WHERE id = $1`,
		messageID, status, intent, sentiment)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentMessages returns the latest messages of a conversation in
// chronological order for use as model context.
func (s *DBService) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	messages := make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse DESC rows so callers see oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CloseInactiveBefore closes active conversations whose last message is older
// than the cutoff and reports how many were closed.
func (s *DBService) CloseInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET
			status = $1,
			updated_at = now()
		WHERE status = $2 AND last_message_at < $3`,
		StatusClosed, StatusActive, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// List returns conversations matching the filter, most recent first.
func (s *DBService) List(ctx context.Context, filter ListFilter) ([]Conversation, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE ($1 = '' OR platform = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY last_message_at DESC
		LIMIT $3 OFFSET $4`,
		filter.Platform, filter.Status, limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Conversation, 0, limit)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, conv)
	}
	return items, rows.Err()
}

// Stats aggregates the dashboard counters in one round trip.
func (s *DBService) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM conversations),
			(SELECT count(*) FROM conversations WHERE status = $1),
			(SELECT count(*) FROM conversations WHERE status = $2),
			(SELECT count(*) FROM conversations WHERE status = $3),
			(SELECT count(*) FROM messages),
			(SELECT count(*) FROM messages WHERE sender_type = $4)`,
		StatusActive, StatusEscalated, StatusClosed, SenderAI).
		Scan(&st.TotalConversations, &st.ActiveConversations, &st.EscalatedConversations,
			&st.ClosedConversations, &st.TotalMessages, &st.AIMessages)
	if err != nil {
		return Stats{}, err
	}
	st.ContainmentRate = ContainmentRate(st.ActiveConversations, st.EscalatedConversations)
	return st, nil
}

// ContainmentRate is active / (active + escalated), or 0 with no traffic.
func ContainmentRate(active, escalated int64) float64 {
	total := active + escalated
	if total == 0 {
		return 0
	}
	return float64(active) / float64(total)
}

// outboundMessageID synthesizes a unique external id for messages we author,
// keeping the (platform, external_message_id) key uniform across directions.
func outboundMessageID(conversationID string) string {
	return "out:" + conversationID + ":" + uuid.NewString()
}

const messageColumns = `id, conversation_id, platform, external_message_id, sender_type,
	content, raw_content, reply_token, processing_status, intent, sentiment_score, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var platform string
	var accountID, reason *string
	err := row.Scan(&c.ID, &accountID, &platform, &c.ExternalConversationID, &c.Status,
		&c.AIEnabled, &reason, &c.MessageCount, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, err
	}
	c.Platform = channel.ChannelType(platform)
	if accountID != nil {
		c.AccountID = *accountID
	}
	if reason != nil {
		c.EscalationReason = *reason
	}
	return c, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var platform string
	var intent, replyToken *string
	err := row.Scan(&m.ID, &m.ConversationID, &platform, &m.ExternalMessageID, &m.SenderType,
		&m.Content, &m.RawContent, &replyToken, &m.ProcessingStatus, &intent,
		&m.SentimentScore, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}
	m.Platform = channel.ChannelType(platform)
	if intent != nil {
		m.Intent = *intent
	}
	if replyToken != nil {
		m.ReplyToken = *replyToken
	}
	return m, nil
}
