// Package line implements the channel adapter for the LINE Messaging API.
// LINE signs webhooks with a base64 HMAC and prefers reply tokens over push
// sends, so Render picks the Reply API whenever a token is present.
package line

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/irisorigin/iris/internal/channel"
)

// Type is the LINE channel type.
const Type = channel.ChannelType("line")

const (
	signatureHeader = "X-Line-Signature"
	replyEndpoint   = "https://api.line.me/v2/bot/message/reply"
	pushEndpoint    = "https://api.line.me/v2/bot/message/push"
)

// LineAdapter implements channel.Adapter, channel.Parser, channel.Renderer,
// and channel.SignatureVerifier for LINE.
type LineAdapter struct {
	logger *slog.Logger
}

// NewLineAdapter creates a LineAdapter with the given logger.
func NewLineAdapter(log *slog.Logger) *LineAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &LineAdapter{
		logger: log.With(slog.String("adapter", "line")),
	}
}

// Type returns the LINE channel type.
func (a *LineAdapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the LINE channel metadata.
func (a *LineAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:            Type,
		DisplayName:     "LINE",
		SignatureHeader: signatureHeader,
		Capabilities: channel.Capabilities{
			channel.MessageText:       true,
			channel.MessageImage:      true,
			channel.MessageTemplate:   true,
			channel.MessageQuickReply: true,
		},
	}
}

// VerifySignature authenticates the raw body against X-Line-Signature.
func (a *LineAdapter) VerifySignature(secret string, body []byte, header string) bool {
	return channel.VerifyHMACBase64(secret, body, header)
}

type webhookEnvelope struct {
	Destination string         `json:"destination"`
	Events      []webhookEvent `json:"events"`
}

type webhookEvent struct {
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp"`
	ReplyToken string `json:"replyToken"`
	Source     struct {
		Type    string `json:"type"`
		UserID  string `json:"userId"`
		GroupID string `json:"groupId"`
		RoomID  string `json:"roomId"`
	} `json:"source"`
	Message *struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		Text            string `json:"text"`
		ContentProvider *struct {
			OriginalContentURL string `json:"originalContentUrl"`
		} `json:"contentProvider"`
	} `json:"message"`
	Postback *struct {
		Data string `json:"data"`
	} `json:"postback"`
}

// Parse maps the events array of one webhook call to canonical events.
// Non-message event types LINE emits (follow, unfollow, join) are skipped.
func (a *LineAdapter) Parse(account channel.Account, body []byte) ([]channel.InboundEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrMalformedPayload, err)
	}
	if envelope.Events == nil {
		return nil, fmt.Errorf("%w: missing events array", channel.ErrMalformedPayload)
	}

	events := make([]channel.InboundEvent, 0, len(envelope.Events))
	for _, e := range envelope.Events {
		event, ok := a.mapEvent(e)
		if !ok {
			a.logger.Warn("skipping unsupported event",
				slog.String("event_type", e.Type),
				slog.String("source_type", e.Source.Type),
			)
			continue
		}
		event.Raw = body
		events = append(events, event)
	}
	return events, nil
}

// conversationID prefers the group or room over the user so group chats
// collapse into one conversation.
func conversationID(e webhookEvent) string {
	if e.Source.GroupID != "" {
		return e.Source.GroupID
	}
	if e.Source.RoomID != "" {
		return e.Source.RoomID
	}
	return e.Source.UserID
}

func (a *LineAdapter) mapEvent(e webhookEvent) (channel.InboundEvent, bool) {
	convID := strings.TrimSpace(conversationID(e))
	base := channel.InboundEvent{
		Platform:               Type,
		ExternalConversationID: convID,
		ExternalSenderID:       strings.TrimSpace(e.Source.UserID),
		OccurredAt:             channel.NormalizeTimestamp(e.Timestamp),
	}
	switch e.Type {
	case "message":
		if e.Message == nil {
			return channel.InboundEvent{}, false
		}
		base.Type = channel.EventMessage
		base.ExternalEventID = e.Message.ID
		base.Content = channel.Content{MessageType: channel.MessageText}
		switch e.Message.Type {
		case "text":
			base.Content.Text = e.Message.Text
		case "image":
			base.Content.MessageType = channel.MessageImage
			if e.Message.ContentProvider != nil {
				base.Content.AttachmentURL = e.Message.ContentProvider.OriginalContentURL
			}
		default:
			return channel.InboundEvent{}, false
		}
		base.ReplyToken = e.ReplyToken
		return base, base.ExternalEventID != "" && convID != ""
	case "postback":
		if e.Postback == nil {
			return channel.InboundEvent{}, false
		}
		base.Type = channel.EventPostback
		base.ExternalEventID = fmt.Sprintf("pb:%s:%d", convID, e.Timestamp)
		base.Content = channel.Content{PostbackPayload: e.Postback.Data}
		base.ReplyToken = e.ReplyToken
		return base, convID != ""
	default:
		return channel.InboundEvent{}, false
	}
}

type lineMessage map[string]any

type replyRequest struct {
	ReplyToken string        `json:"replyToken"`
	Messages   []lineMessage `json:"messages"`
}

type pushRequest struct {
	To       string        `json:"to"`
	Messages []lineMessage `json:"messages"`
}

// Render maps a canonical outbound message to a LINE Reply or Push API
// payload. A reply token selects the Reply API; otherwise Push is used.
func (a *LineAdapter) Render(account channel.Account, msg channel.OutboundMessage) (channel.SendPayload, error) {
	message := a.buildMessage(msg)
	if len(msg.QuickReplies) > 0 {
		items := make([]map[string]any, 0, len(msg.QuickReplies))
		for _, qr := range msg.QuickReplies {
			items = append(items, map[string]any{
				"type": "action",
				"action": map[string]string{
					"type":  "message",
					"label": qr.Label,
					"text":  qr.Payload,
				},
			})
		}
		message["quickReply"] = map[string]any{"items": items}
	}

	var body []byte
	var err error
	endpoint := pushEndpoint
	if msg.ReplyToken != "" {
		endpoint = replyEndpoint
		body, err = json.Marshal(replyRequest{ReplyToken: msg.ReplyToken, Messages: []lineMessage{message}})
	} else {
		body, err = json.Marshal(pushRequest{To: msg.Recipient, Messages: []lineMessage{message}})
	}
	if err != nil {
		return channel.SendPayload{}, err
	}
	return channel.SendPayload{
		Endpoint: endpoint,
		Body:     body,
		Headers: map[string]string{
			"Authorization": "Bearer " + account.AccessToken,
		},
	}, nil
}

func (a *LineAdapter) buildMessage(msg channel.OutboundMessage) lineMessage {
	switch msg.Type {
	case channel.MessageImage:
		if msg.ImageURL == "" {
			break
		}
		return lineMessage{
			"type":               "image",
			"originalContentUrl": msg.ImageURL,
			"previewImageUrl":    msg.ImageURL,
		}
	case channel.MessageTemplate:
		if msg.Template == nil {
			break
		}
		actions := make([]map[string]string, 0, len(msg.Template.Buttons))
		for _, b := range msg.Template.Buttons {
			if b.URL != "" {
				actions = append(actions, map[string]string{
					"type": "uri", "label": b.Label, "uri": b.URL,
				})
				continue
			}
			actions = append(actions, map[string]string{
				"type": "postback", "label": b.Label, "data": b.Payload,
			})
		}
		template := map[string]any{
			"type":    "buttons",
			"title":   msg.Template.Title,
			"text":    templateBodyText(msg),
			"actions": actions,
		}
		if msg.Template.ImageURL != "" {
			template["thumbnailImageUrl"] = msg.Template.ImageURL
		}
		return lineMessage{
			"type":     "template",
			"altText":  altText(msg),
			"template": template,
		}
	}
	return lineMessage{"type": "text", "text": msg.Text}
}

func templateBodyText(msg channel.OutboundMessage) string {
	if msg.Template.Subtitle != "" {
		return msg.Template.Subtitle
	}
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Template.Title
}

func altText(msg channel.OutboundMessage) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Template.Title
}
