package wa

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Webhook event names as delivered by Evolution API.
const (
	EventMessagesUpsert   = "messages.upsert"
	EventMessagesUpdate   = "messages.update"
	EventConnectionUpdate = "connection.update"
)

// WebhookEvent is the envelope Evolution posts to the webhook endpoint.
type WebhookEvent struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type upsertData struct {
	Key struct {
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	PushName         string `json:"pushName"`
	MessageTimestamp int64  `json:"messageTimestamp"`
	Message          struct {
		Conversation        string `json:"conversation"`
		ExtendedTextMessage *struct {
			Text string `json:"text"`
		} `json:"extendedTextMessage"`
		ImageMessage *struct {
			Caption  string `json:"caption"`
			MimeType string `json:"mimetype"`
		} `json:"imageMessage"`
		DocumentMessage *struct {
			Caption  string `json:"caption"`
			FileName string `json:"fileName"`
			MimeType string `json:"mimetype"`
		} `json:"documentMessage"`
		AudioMessage *struct {
			MimeType string `json:"mimetype"`
		} `json:"audioMessage"`
		VideoMessage *struct {
			Caption  string `json:"caption"`
			MimeType string `json:"mimetype"`
		} `json:"videoMessage"`
	} `json:"message"`
}

// ParseWebhook decodes an Evolution webhook body.
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode webhook body: %w", err)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("webhook body missing event field")
	}
	return &ev, nil
}

// ParseInbound extracts the normalized message from a messages.upsert event.
// It returns (nil, nil) for events the pipeline ignores: our own outbound
// echoes, group chats and status broadcasts.
func (ev *WebhookEvent) ParseInbound() (*Message, error) {
	if ev.Event != EventMessagesUpsert {
		return nil, fmt.Errorf("not a message event: %s", ev.Event)
	}
	var d upsertData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return nil, fmt.Errorf("decode messages.upsert data: %w", err)
	}
	if d.Key.FromMe {
		return nil, nil
	}
	jid := d.Key.RemoteJID
	if !strings.HasSuffix(jid, "@s.whatsapp.net") {
		return nil, nil
	}

	msg := &Message{
		ID:        d.Key.ID,
		ChatID:    jid,
		Sender:    strings.TrimSuffix(jid, "@s.whatsapp.net"),
		PushName:  d.PushName,
		Timestamp: time.Unix(d.MessageTimestamp, 0).UTC(),
	}

	m := d.Message
	switch {
	case m.Conversation != "":
		msg.Kind = KindText
		msg.Text = m.Conversation
	case m.ExtendedTextMessage != nil:
		msg.Kind = KindText
		msg.Text = m.ExtendedTextMessage.Text
	case m.ImageMessage != nil:
		msg.Kind = KindImage
		msg.Text = m.ImageMessage.Caption
		msg.MimeType = m.ImageMessage.MimeType
	case m.DocumentMessage != nil:
		msg.Kind = KindDocument
		msg.Text = m.DocumentMessage.Caption
		msg.Filename = m.DocumentMessage.FileName
		msg.MimeType = m.DocumentMessage.MimeType
	case m.AudioMessage != nil:
		msg.Kind = KindAudio
		msg.MimeType = m.AudioMessage.MimeType
	case m.VideoMessage != nil:
		msg.Kind = KindVideo
		msg.Text = m.VideoMessage.Caption
		msg.MimeType = m.VideoMessage.MimeType
	default:
		// Reactions, polls, protocol messages: nothing to process.
		return nil, nil
	}
	return msg, nil
}
