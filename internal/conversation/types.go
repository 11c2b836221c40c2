// Package conversation defines the conversation and message domain model and
// the persistence service used by the ingestion and escalation pipelines.
package conversation

import (
	"errors"
	"time"

	"github.com/irisorigin/iris/internal/channel"
)

// Conversation status constants.
const (
	StatusActive    = "active"
	StatusEscalated = "escalated"
	StatusClosed    = "closed"
)

// Message sender type constants.
const (
	SenderUser  = "user"
	SenderAI    = "ai"
	SenderAgent = "agent"
)

// Message processing status constants.
const (
	ProcessingPending    = "pending"
	ProcessingInProgress = "processing"
	ProcessingCompleted  = "completed"
	ProcessingFailed     = "failed"
)

// ErrNotFound indicates the conversation or message does not exist.
var ErrNotFound = errors.New("conversation not found")

// ErrInvalidTransition indicates a disallowed conversation status change.
var ErrInvalidTransition = errors.New("invalid conversation status transition")

// Conversation groups all messages exchanged with one external participant
// on one platform account.
type Conversation struct {
	ID                     string              `json:"id"`
	AccountID              string              `json:"account_id"`
	Platform               channel.ChannelType `json:"platform"`
	ExternalConversationID string              `json:"external_conversation_id"`
	Status                 string              `json:"status"`
	AIEnabled              bool                `json:"ai_enabled"`
	EscalationReason       string              `json:"escalation_reason,omitempty"`
	MessageCount           int                 `json:"message_count"`
	LastMessageAt          time.Time           `json:"last_message_at"`
	CreatedAt              time.Time           `json:"created_at"`
	UpdatedAt              time.Time           `json:"updated_at"`
}

// Message is one persisted inbound or outbound message.
type Message struct {
	ID                string              `json:"id"`
	ConversationID    string              `json:"conversation_id"`
	Platform          channel.ChannelType `json:"platform"`
	ExternalMessageID string              `json:"external_message_id"`
	SenderType        string              `json:"sender_type"`
	Content           string              `json:"content"`
	RawContent        []byte              `json:"-"`
	ReplyToken        string              `json:"-"`
	ProcessingStatus  string              `json:"processing_status"`
	Intent            string              `json:"intent,omitempty"`
	SentimentScore    *float64            `json:"sentiment_score,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
}

// ValidateTransition enforces the conversation status state machine.
// Closed conversations can only be reopened to active; escalated ones can be
// closed or handed back to active; active ones can escalate or close.
func ValidateTransition(from, to string) error {
	if from == to {
		return nil
	}
	allowed := map[string][]string{
		StatusActive:    {StatusEscalated, StatusClosed},
		StatusEscalated: {StatusActive, StatusClosed},
		StatusClosed:    {StatusActive},
	}
	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// Stats is the aggregate snapshot served by the dashboard endpoint.
type Stats struct {
	TotalConversations     int64   `json:"total_conversations"`
	ActiveConversations    int64   `json:"active_conversations"`
	EscalatedConversations int64   `json:"escalated_conversations"`
	ClosedConversations    int64   `json:"closed_conversations"`
	TotalMessages          int64   `json:"total_messages"`
	AIMessages             int64   `json:"ai_messages"`
	// ContainmentRate is the share of non-closed conversations the model
	// handled without a human, 0 when there is nothing to measure.
	ContainmentRate float64 `json:"containment_rate"`
}

// ListFilter narrows conversation listings.
type ListFilter struct {
	Platform string
	Status   string
	Limit    int
	Offset   int
}
