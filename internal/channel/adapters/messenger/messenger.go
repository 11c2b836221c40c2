// Package messenger implements the channel adapter for Facebook Messenger
// page webhooks and the Graph Send API.
package messenger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/irisorigin/iris/internal/channel"
)

// Type is the Messenger channel type.
const Type = channel.ChannelType("messenger")

const (
	signatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
	sendEndpoint    = "https://graph.facebook.com/v19.0/me/messages"
	expectedObject  = "page"
)

// MessengerAdapter implements channel.Adapter, channel.Parser,
// channel.Renderer, and channel.SignatureVerifier for Facebook Messenger.
type MessengerAdapter struct {
	logger *slog.Logger
}

// NewMessengerAdapter creates a MessengerAdapter with the given logger.
func NewMessengerAdapter(log *slog.Logger) *MessengerAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &MessengerAdapter{
		logger: log.With(slog.String("adapter", "messenger")),
	}
}

// Type returns the Messenger channel type.
func (a *MessengerAdapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the Messenger channel metadata.
func (a *MessengerAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:            Type,
		DisplayName:     "Facebook Messenger",
		SignatureHeader: signatureHeader,
		Capabilities: channel.Capabilities{
			channel.MessageText:       true,
			channel.MessageImage:      true,
			channel.MessageTemplate:   true,
			channel.MessageQuickReply: true,
		},
	}
}

// VerifySignature authenticates the raw body against X-Hub-Signature-256.
func (a *MessengerAdapter) VerifySignature(secret string, body []byte, header string) bool {
	return channel.VerifyHMACHex(secret, body, header, signaturePrefix)
}

// webhookEnvelope mirrors the Meta page webhook wire format.
type webhookEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string           `json:"id"`
		Time      int64            `json:"time"`
		Messaging []messagingEvent `json:"messaging"`
	} `json:"entry"`
}

type messagingEvent struct {
	Sender    struct{ ID string } `json:"sender"`
	Recipient struct{ ID string } `json:"recipient"`
	Timestamp int64               `json:"timestamp"`
	Message   *struct {
		MID        string `json:"mid"`
		Text       string `json:"text"`
		QuickReply *struct {
			Payload string `json:"payload"`
		} `json:"quick_reply"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Postback *struct {
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"postback"`
	Delivery *struct {
		MIDs      []string `json:"mids"`
		Watermark int64    `json:"watermark"`
	} `json:"delivery"`
	Read *struct {
		Watermark int64 `json:"watermark"`
	} `json:"read"`
}

// Parse flattens all entries and messaging objects of one webhook call into
// canonical events. Unrecognized sub-events are skipped, not failed.
func (a *MessengerAdapter) Parse(account channel.Account, body []byte) ([]channel.InboundEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrMalformedPayload, err)
	}
	if envelope.Object != expectedObject {
		return nil, fmt.Errorf("%w: unexpected object %q", channel.ErrMalformedPayload, envelope.Object)
	}

	events := make([]channel.InboundEvent, 0, len(envelope.Entry))
	for _, entry := range envelope.Entry {
		for _, m := range entry.Messaging {
			event, ok := a.mapMessaging(m)
			if !ok {
				a.logger.Warn("skipping unknown messaging event",
					slog.String("entry_id", entry.ID),
					slog.String("sender_id", m.Sender.ID),
				)
				continue
			}
			event.Raw = body
			events = append(events, event)
		}
	}
	return events, nil
}

func (a *MessengerAdapter) mapMessaging(m messagingEvent) (channel.InboundEvent, bool) {
	senderID := strings.TrimSpace(m.Sender.ID)
	base := channel.InboundEvent{
		Platform:               Type,
		ExternalConversationID: senderID,
		ExternalSenderID:       senderID,
		OccurredAt:             channel.NormalizeTimestamp(m.Timestamp),
	}
	switch {
	case m.Message != nil:
		base.Type = channel.EventMessage
		base.ExternalEventID = m.Message.MID
		base.Content = channel.Content{
			Text:        m.Message.Text,
			MessageType: channel.MessageText,
		}
		if m.Message.QuickReply != nil {
			base.Content.QuickReply = m.Message.QuickReply.Payload
			base.Content.MessageType = channel.MessageQuickReply
		}
		if len(m.Message.Attachments) > 0 && m.Message.Attachments[0].Type == "image" {
			base.Content.AttachmentURL = m.Message.Attachments[0].Payload.URL
			base.Content.MessageType = channel.MessageImage
		}
		return base, base.ExternalEventID != "" && senderID != ""
	case m.Postback != nil:
		base.Type = channel.EventPostback
		base.ExternalEventID = fmt.Sprintf("pb:%s:%d", senderID, m.Timestamp)
		base.Content = channel.Content{
			Text:            m.Postback.Title,
			PostbackPayload: m.Postback.Payload,
		}
		return base, senderID != ""
	case m.Delivery != nil:
		base.Type = channel.EventDelivery
		base.ExternalEventID = fmt.Sprintf("dl:%s:%d", senderID, m.Delivery.Watermark)
		return base, senderID != ""
	case m.Read != nil:
		base.Type = channel.EventStatus
		base.ExternalEventID = fmt.Sprintf("rd:%s:%d", senderID, m.Read.Watermark)
		return base, senderID != ""
	default:
		return channel.InboundEvent{}, false
	}
}

type sendRequest struct {
	Recipient     map[string]string `json:"recipient"`
	MessagingType string            `json:"messaging_type"`
	Message       map[string]any    `json:"message"`
}

// Render maps a canonical outbound message to a Graph Send API payload.
// Message types outside the capability set degrade to plain text.
func (a *MessengerAdapter) Render(account channel.Account, msg channel.OutboundMessage) (channel.SendPayload, error) {
	message := map[string]any{}
	switch msg.Type {
	case channel.MessageImage:
		if msg.ImageURL == "" {
			message["text"] = msg.Text
			break
		}
		message["attachment"] = map[string]any{
			"type":    "image",
			"payload": map[string]any{"url": msg.ImageURL, "is_reusable": true},
		}
	case channel.MessageTemplate:
		if msg.Template == nil {
			message["text"] = msg.Text
			break
		}
		message["attachment"] = map[string]any{
			"type": "template",
			"payload": map[string]any{
				"template_type": "generic",
				"elements":      []any{templateElement(*msg.Template)},
			},
		}
	default:
		message["text"] = msg.Text
	}
	if len(msg.QuickReplies) > 0 {
		replies := make([]map[string]string, 0, len(msg.QuickReplies))
		for _, qr := range msg.QuickReplies {
			replies = append(replies, map[string]string{
				"content_type": "text",
				"title":        qr.Label,
				"payload":      qr.Payload,
			})
		}
		message["quick_replies"] = replies
	}

	body, err := json.Marshal(sendRequest{
		Recipient:     map[string]string{"id": msg.Recipient},
		MessagingType: "RESPONSE",
		Message:       message,
	})
	if err != nil {
		return channel.SendPayload{}, err
	}
	return channel.SendPayload{
		Endpoint: sendEndpoint + "?access_token=" + account.AccessToken,
		Body:     body,
	}, nil
}

func templateElement(t channel.Template) map[string]any {
	element := map[string]any{"title": t.Title}
	if t.Subtitle != "" {
		element["subtitle"] = t.Subtitle
	}
	if t.ImageURL != "" {
		element["image_url"] = t.ImageURL
	}
	if len(t.Buttons) > 0 {
		buttons := make([]map[string]string, 0, len(t.Buttons))
		for _, b := range t.Buttons {
			if b.URL != "" {
				buttons = append(buttons, map[string]string{
					"type": "web_url", "title": b.Label, "url": b.URL,
				})
				continue
			}
			buttons = append(buttons, map[string]string{
				"type": "postback", "title": b.Label, "payload": b.Payload,
			})
		}
		element["buttons"] = buttons
	}
	return element
}
