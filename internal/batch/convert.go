package batch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bvasystems/teste-agente/internal/agent"
	"github.com/bvasystems/teste-agente/internal/wa"
)

// Placeholder texts used when a batch cannot be converted faithfully.
const (
	emptyBatchText  = "[Empty message batch]"
	mediaFailedText = "[Media file - failed to download]"
)

// ToInput converts a drained batch into one agent turn. A single message is
// passed through without batch framing; multiple messages get a count
// header and separators so the agent sees them as one coherent unit.
// Media download failures degrade to a placeholder part instead of aborting
// the batch.
func ToInput(ctx context.Context, msgs []wa.Message, provider wa.Provider, log *slog.Logger) agent.Input {
	var in agent.Input
	if len(msgs) > 0 {
		in.UserKey = msgs[0].Sender
		in.UserName = msgs[0].PushName
	}

	if len(msgs) == 0 {
		in.Parts = []agent.Part{{Kind: agent.PartText, Text: emptyBatchText}}
		return in
	}

	if len(msgs) > 1 {
		in.Parts = append(in.Parts, agent.Part{
			Kind: agent.PartText,
			Text: fmt.Sprintf("[Batch of %d messages received together]", len(msgs)),
		})
	}

	for i, msg := range msgs {
		if i > 0 {
			in.Parts = append(in.Parts, agent.Part{Kind: agent.PartText, Text: "---"})
		}
		in.Parts = append(in.Parts, convertMessage(ctx, msg, provider, log)...)
	}
	return in
}

func convertMessage(ctx context.Context, msg wa.Message, provider wa.Provider, log *slog.Logger) []agent.Part {
	if msg.Kind == wa.KindText {
		text := msg.Text
		if text == "" {
			text = emptyBatchText
		}
		return []agent.Part{{Kind: agent.PartText, Text: text}}
	}

	var parts []agent.Part
	data, mime, err := provider.DownloadMedia(ctx, msg)
	if err != nil {
		log.Warn("media download failed", "message_id", msg.ID, "kind", msg.Kind, "error", err)
		parts = append(parts, agent.Part{Kind: agent.PartText, Text: mediaFailedText})
	} else {
		if msg.Kind == wa.KindImage {
			if norm, normMime, err := wa.NormalizeImage(data, mime); err == nil {
				data, mime = norm, normMime
			} else {
				log.Warn("image normalization failed", "message_id", msg.ID, "error", err)
			}
		}
		parts = append(parts, agent.Part{
			Kind:     partKind(msg.Kind),
			Data:     data,
			MimeType: mime,
			Filename: msg.Filename,
		})
	}

	if msg.Text != "" {
		parts = append(parts, agent.Part{Kind: agent.PartText, Text: "Caption: " + msg.Text})
	}
	return parts
}

func partKind(k wa.Kind) agent.PartKind {
	switch k {
	case wa.KindImage:
		return agent.PartImage
	case wa.KindDocument:
		return agent.PartDocument
	case wa.KindAudio:
		return agent.PartAudio
	case wa.KindVideo:
		return agent.PartVideo
	default:
		return agent.PartText
	}
}
