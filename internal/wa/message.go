// Package wa models WhatsApp messages as delivered by an Evolution API
// gateway, and provides the outbound provider used to answer them.
package wa

import "time"

// Kind is the closed set of message variants the pipeline understands.
// It is fixed at webhook parse time so downstream conversion can switch
// exhaustively instead of sniffing payload fields.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindDocument Kind = "document"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
)

// Message is one inbound WhatsApp message after webhook normalization.
type Message struct {
	// ID is the provider message id, used for dedupe and read receipts.
	ID string `json:"id"`
	// ChatID is the remote JID the message arrived on.
	ChatID string `json:"chat_id"`
	// Sender is the bare user identifier (phone number without JID suffix).
	Sender   string `json:"sender"`
	PushName string `json:"push_name,omitempty"`

	Kind Kind `json:"kind"`

	// Text holds the body for text messages and the caption for media.
	Text     string `json:"text,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// HasMedia reports whether the message carries a downloadable attachment.
func (m Message) HasMedia() bool {
	return m.Kind != KindText
}
