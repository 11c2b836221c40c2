// Package channel provides a unified abstraction for multi-platform messaging
// webhooks. It defines the canonical inbound event model, the outbound message
// model, and a registry for platform adapters such as Messenger and LINE.
package channel

import (
	"strings"
	"time"
)

// ChannelType identifies a messaging platform (e.g., "messenger", "line").
type ChannelType string

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// EventType classifies a canonical inbound webhook occurrence.
type EventType string

const (
	EventMessage  EventType = "message"
	EventPostback EventType = "postback"
	EventDelivery EventType = "delivery"
	EventStatus   EventType = "status"
)

// MessageType identifies the kind of content a message carries. Adapters
// declare which types they can render in their capability set.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageImage      MessageType = "image"
	MessageTemplate   MessageType = "template"
	MessageQuickReply MessageType = "quick_reply"
)

// Capabilities is the set of message types an adapter can render.
type Capabilities map[MessageType]bool

// Supports reports whether the message type is renderable.
func (c Capabilities) Supports(t MessageType) bool {
	return c[t]
}

// Content is the normalized payload of an inbound event.
type Content struct {
	Text            string      `json:"text,omitempty"`
	MessageType     MessageType `json:"message_type,omitempty"`
	AttachmentURL   string      `json:"attachment_url,omitempty"`
	PostbackPayload string      `json:"postback_payload,omitempty"`
	QuickReply      string      `json:"quick_reply,omitempty"`
}

// InboundEvent is the canonical, platform-independent representation of one
// webhook occurrence. It is immutable once produced by an adapter.
type InboundEvent struct {
	Platform               ChannelType
	ExternalEventID        string
	Type                   EventType
	ExternalConversationID string
	ExternalSenderID       string
	OccurredAt             time.Time
	Content                Content
	// ReplyToken is set by reply-token platforms (LINE) and empty elsewhere.
	ReplyToken string
	Raw        []byte
}

// QuickReplyOption is one tappable suggestion attached to an outbound message.
type QuickReplyOption struct {
	Label   string `json:"label"`
	Payload string `json:"payload"`
}

// TemplateButton is one action button inside a templated outbound message.
type TemplateButton struct {
	Label   string `json:"label"`
	Payload string `json:"payload,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Template is a structured card for platforms that support it.
type Template struct {
	Title    string           `json:"title"`
	Subtitle string           `json:"subtitle,omitempty"`
	ImageURL string           `json:"image_url,omitempty"`
	Buttons  []TemplateButton `json:"buttons,omitempty"`
}

// OutboundMessage is the canonical reply to be rendered into a
// platform-specific send payload.
type OutboundMessage struct {
	Platform     ChannelType
	Recipient    string
	// ReplyToken is required by reply-token platforms (LINE) and ignored
	// elsewhere.
	ReplyToken   string
	Type         MessageType
	Text         string
	ImageURL     string
	Template     *Template
	QuickReplies []QuickReplyOption
}

// SendPayload is a rendered platform-specific send-API request. Headers
// carries auth headers for platforms that do not use query-string tokens.
type SendPayload struct {
	Endpoint string
	Body     []byte
	Headers  map[string]string
}

// Descriptor holds read-only metadata for a registered channel type.
type Descriptor struct {
	Type            ChannelType
	DisplayName     string
	Capabilities    Capabilities
	SignatureHeader string
}

// Account holds the per-platform-account webhook and send-API credentials.
type Account struct {
	ID                string      `json:"id"`
	Platform          ChannelType `json:"platform"`
	ExternalAccountID string      `json:"external_account_id"`
	AppSecret         string      `json:"-"`
	VerifyToken       string      `json:"-"`
	AccessToken       string      `json:"-"`
	SendRatePerMinute int         `json:"send_rate_per_minute"`
	Disabled          bool        `json:"disabled"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// LimiterKey identifies the account's token bucket.
func (a Account) LimiterKey() string {
	return a.Platform.String() + ":" + strings.TrimSpace(a.ExternalAccountID)
}
