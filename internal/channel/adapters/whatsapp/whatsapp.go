// Package whatsapp implements the channel adapter for the WhatsApp Business
// Cloud API. Inbound messages arrive nested under entry[].changes[].value and
// carry epoch-second timestamps encoded as strings.
package whatsapp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/irisorigin/iris/internal/channel"
)

// Type is the WhatsApp channel type.
const Type = channel.ChannelType("whatsapp")

const (
	signatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
	graphBaseURL    = "https://graph.facebook.com/v19.0"
	expectedObject  = "whatsapp_business_account"
)

// WhatsAppAdapter implements channel.Adapter, channel.Parser,
// channel.Renderer, and channel.SignatureVerifier for WhatsApp Cloud.
type WhatsAppAdapter struct {
	logger *slog.Logger
}

// NewWhatsAppAdapter creates a WhatsAppAdapter with the given logger.
func NewWhatsAppAdapter(log *slog.Logger) *WhatsAppAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &WhatsAppAdapter{
		logger: log.With(slog.String("adapter", "whatsapp")),
	}
}

// Type returns the WhatsApp channel type.
func (a *WhatsAppAdapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the WhatsApp channel metadata.
func (a *WhatsAppAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:            Type,
		DisplayName:     "WhatsApp",
		SignatureHeader: signatureHeader,
		Capabilities: channel.Capabilities{
			channel.MessageText:       true,
			channel.MessageImage:      true,
			channel.MessageQuickReply: true,
		},
	}
}

// VerifySignature authenticates the raw body against X-Hub-Signature-256.
func (a *WhatsAppAdapter) VerifySignature(secret string, body []byte, header string) bool {
	return channel.VerifyHMACHex(secret, body, header, signaturePrefix)
}

type webhookEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string      `json:"field"`
			Value changeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type changeValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Messages []inboundMessage `json:"messages"`
	Statuses []statusUpdate   `json:"statuses"`
}

type inboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image *struct {
		ID      string `json:"id"`
		Caption string `json:"caption"`
	} `json:"image"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button"`
}

type statusUpdate struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// Parse flattens all entries and changes of one webhook call into canonical
// events. Status updates become delivery/status events keyed by the original
// message id so they never collide with the message row itself.
func (a *WhatsAppAdapter) Parse(account channel.Account, body []byte) ([]channel.InboundEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrMalformedPayload, err)
	}
	if envelope.Object != expectedObject {
		return nil, fmt.Errorf("%w: unexpected object %q", channel.ErrMalformedPayload, envelope.Object)
	}

	events := make([]channel.InboundEvent, 0, len(envelope.Entry))
	for _, entry := range envelope.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				a.logger.Warn("skipping unsupported change field",
					slog.String("field", change.Field),
					slog.String("entry_id", entry.ID),
				)
				continue
			}
			for _, m := range change.Value.Messages {
				event, ok := a.mapMessage(m)
				if !ok {
					a.logger.Warn("skipping unsupported message type",
						slog.String("message_type", m.Type),
						slog.String("message_id", m.ID),
					)
					continue
				}
				event.Raw = body
				events = append(events, event)
			}
			for _, s := range change.Value.Statuses {
				event, ok := mapStatus(s)
				if !ok {
					continue
				}
				event.Raw = body
				events = append(events, event)
			}
		}
	}
	return events, nil
}

func (a *WhatsAppAdapter) mapMessage(m inboundMessage) (channel.InboundEvent, bool) {
	from := strings.TrimSpace(m.From)
	base := channel.InboundEvent{
		Platform:               Type,
		ExternalEventID:        m.ID,
		ExternalConversationID: from,
		ExternalSenderID:       from,
		OccurredAt:             channel.NormalizeTimestamp(m.Timestamp),
	}
	switch m.Type {
	case "text":
		if m.Text == nil {
			return channel.InboundEvent{}, false
		}
		base.Type = channel.EventMessage
		base.Content = channel.Content{Text: m.Text.Body, MessageType: channel.MessageText}
	case "image":
		base.Type = channel.EventMessage
		base.Content = channel.Content{MessageType: channel.MessageImage}
		if m.Image != nil {
			base.Content.Text = m.Image.Caption
			base.Content.AttachmentURL = m.Image.ID
		}
	case "interactive":
		if m.Interactive == nil {
			return channel.InboundEvent{}, false
		}
		base.Type = channel.EventPostback
		switch {
		case m.Interactive.ButtonReply != nil:
			base.Content = channel.Content{
				Text:            m.Interactive.ButtonReply.Title,
				PostbackPayload: m.Interactive.ButtonReply.ID,
			}
		case m.Interactive.ListReply != nil:
			base.Content = channel.Content{
				Text:            m.Interactive.ListReply.Title,
				PostbackPayload: m.Interactive.ListReply.ID,
			}
		default:
			return channel.InboundEvent{}, false
		}
	case "button":
		if m.Button == nil {
			return channel.InboundEvent{}, false
		}
		base.Type = channel.EventPostback
		base.Content = channel.Content{
			Text:            m.Button.Text,
			PostbackPayload: m.Button.Payload,
		}
	default:
		return channel.InboundEvent{}, false
	}
	return base, base.ExternalEventID != "" && from != ""
}

func mapStatus(s statusUpdate) (channel.InboundEvent, bool) {
	if s.ID == "" || s.RecipientID == "" {
		return channel.InboundEvent{}, false
	}
	event := channel.InboundEvent{
		Platform:               Type,
		ExternalEventID:        fmt.Sprintf("st:%s:%s", s.ID, s.Status),
		ExternalConversationID: s.RecipientID,
		ExternalSenderID:       s.RecipientID,
		OccurredAt:             channel.NormalizeTimestamp(s.Timestamp),
		Content:                channel.Content{Text: s.Status},
	}
	if s.Status == "delivered" {
		event.Type = channel.EventDelivery
	} else {
		event.Type = channel.EventStatus
	}
	return event, true
}

// Render maps a canonical outbound message to a Cloud API messages payload.
// Quick replies become interactive button messages (three button limit).
func (a *WhatsAppAdapter) Render(account channel.Account, msg channel.OutboundMessage) (channel.SendPayload, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                msg.Recipient,
	}
	switch {
	case len(msg.QuickReplies) > 0:
		buttons := msg.QuickReplies
		if len(buttons) > 3 {
			buttons = buttons[:3]
		}
		rendered := make([]map[string]any, 0, len(buttons))
		for _, qr := range buttons {
			rendered = append(rendered, map[string]any{
				"type": "reply",
				"reply": map[string]string{
					"id":    qr.Payload,
					"title": qr.Label,
				},
			})
		}
		payload["type"] = "interactive"
		payload["interactive"] = map[string]any{
			"type":   "button",
			"body":   map[string]string{"text": bodyText(msg)},
			"action": map[string]any{"buttons": rendered},
		}
	case msg.Type == channel.MessageImage && msg.ImageURL != "":
		payload["type"] = "image"
		image := map[string]string{"link": msg.ImageURL}
		if msg.Text != "" {
			image["caption"] = msg.Text
		}
		payload["image"] = image
	default:
		payload["type"] = "text"
		payload["text"] = map[string]any{
			"preview_url": false,
			"body":        bodyText(msg),
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return channel.SendPayload{}, err
	}
	return channel.SendPayload{
		Endpoint: fmt.Sprintf("%s/%s/messages", graphBaseURL, account.ExternalAccountID),
		Body:     body,
		Headers: map[string]string{
			"Authorization": "Bearer " + account.AccessToken,
		},
	}, nil
}

// bodyText flattens templated messages into plain lines since the Cloud API
// has no free-form card equivalent.
func bodyText(msg channel.OutboundMessage) string {
	if msg.Type != channel.MessageTemplate || msg.Template == nil {
		return msg.Text
	}
	var b strings.Builder
	b.WriteString(msg.Template.Title)
	if msg.Template.Subtitle != "" {
		b.WriteString("\n")
		b.WriteString(msg.Template.Subtitle)
	}
	for _, button := range msg.Template.Buttons {
		if button.URL != "" {
			b.WriteString("\n")
			b.WriteString(button.Label)
			b.WriteString(": ")
			b.WriteString(button.URL)
		}
	}
	if b.Len() == 0 {
		return msg.Text
	}
	return b.String()
}
