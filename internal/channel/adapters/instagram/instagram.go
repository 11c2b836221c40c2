// Package instagram implements the channel adapter for Instagram messaging
// webhooks. The wire format follows the Meta page envelope, but Instagram
// cannot render generic templates, so templated replies degrade to text.
package instagram

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/irisorigin/iris/internal/channel"
)

// Type is the Instagram channel type.
const Type = channel.ChannelType("instagram")

const (
	signatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
	sendEndpoint    = "https://graph.facebook.com/v19.0/me/messages"
	expectedObject  = "instagram"
)

// InstagramAdapter implements channel.Adapter, channel.Parser,
// channel.Renderer, and channel.SignatureVerifier for Instagram messaging.
type InstagramAdapter struct {
	logger *slog.Logger
}

// NewInstagramAdapter creates an InstagramAdapter with the given logger.
func NewInstagramAdapter(log *slog.Logger) *InstagramAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &InstagramAdapter{
		logger: log.With(slog.String("adapter", "instagram")),
	}
}

// Type returns the Instagram channel type.
func (a *InstagramAdapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the Instagram channel metadata.
func (a *InstagramAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:            Type,
		DisplayName:     "Instagram",
		SignatureHeader: signatureHeader,
		Capabilities: channel.Capabilities{
			channel.MessageText:       true,
			channel.MessageImage:      true,
			channel.MessageQuickReply: true,
		},
	}
}

// VerifySignature authenticates the raw body against X-Hub-Signature-256.
func (a *InstagramAdapter) VerifySignature(secret string, body []byte, header string) bool {
	return channel.VerifyHMACHex(secret, body, header, signaturePrefix)
}

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
		MID         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		QuickReply  *struct {
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
	Read *struct {
		Watermark int64 `json:"watermark"`
	} `json:"read"`
}

// Parse flattens all entries of one webhook call into canonical events.
// Echoes of our own sends and unrecognized sub-events are skipped.
func (a *InstagramAdapter) Parse(account channel.Account, body []byte) ([]channel.InboundEvent, error) {
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
			if m.Message != nil && m.Message.IsEcho {
				continue
			}
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

func (a *InstagramAdapter) mapMessaging(m messagingEvent) (channel.InboundEvent, bool) {
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
	case m.Read != nil:
		base.Type = channel.EventStatus
		base.ExternalEventID = fmt.Sprintf("rd:%s:%d", senderID, m.Read.Watermark)
		return base, senderID != ""
	default:
		return channel.InboundEvent{}, false
	}
}

type sendRequest struct {
	Recipient map[string]string `json:"recipient"`
	Message   map[string]any    `json:"message"`
}

// Render maps a canonical outbound message to an Instagram send payload.
// Templates are not supported on this platform and fall back to text.
func (a *InstagramAdapter) Render(account channel.Account, msg channel.OutboundMessage) (channel.SendPayload, error) {
	message := map[string]any{}
	switch msg.Type {
	case channel.MessageImage:
		if msg.ImageURL == "" {
			message["text"] = msg.Text
			break
		}
		message["attachment"] = map[string]any{
			"type":    "image",
			"payload": map[string]any{"url": msg.ImageURL},
		}
	default:
		message["text"] = renderText(msg)
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
		Recipient: map[string]string{"id": msg.Recipient},
		Message:   message,
	})
	if err != nil {
		return channel.SendPayload{}, err
	}
	return channel.SendPayload{
		Endpoint: sendEndpoint + "?access_token=" + account.AccessToken,
		Body:     body,
	}, nil
}

// renderText flattens a templated message into readable lines so the reply
// still carries the card's information on a platform without cards.
func renderText(msg channel.OutboundMessage) string {
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
