package wa

import (
	"context"
	"time"
)

// Provider is the outbound side of the WhatsApp gateway: everything the
// pipeline needs to answer a user.
type Provider interface {
	// SendText delivers one chunk of text. quotedID, when non-empty, quotes
	// the inbound message being replied to.
	SendText(ctx context.Context, chatID, text, quotedID string) error
	// SendTyping shows the "composing" presence for roughly the given
	// duration.
	SendTyping(ctx context.Context, chatID string, d time.Duration) error
	// MarkRead acknowledges an inbound message with a read receipt.
	MarkRead(ctx context.Context, msg Message) error
	// DownloadMedia fetches a message's attachment, returning raw bytes and
	// the mime type.
	DownloadMedia(ctx context.Context, msg Message) ([]byte, string, error)
	// InstanceID names the gateway instance this provider talks to.
	InstanceID() string
}
