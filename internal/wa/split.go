package wa

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageLength is WhatsApp's per-message text limit.
const MaxMessageLength = 4096

// SplitMessage breaks text into chunks that fit MaxMessageLength. It prefers
// paragraph boundaries, falls back to line boundaries inside an oversized
// paragraph, and hard-splits only when a single line is itself too long.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}

	appendPiece := func(piece string) {
		if cur.Len() > 0 && cur.Len()+2+len(piece) > limit {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(piece)
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) <= limit {
			appendPiece(para)
			continue
		}
		// Oversized paragraph: try line boundaries first.
		flush()
		for _, line := range strings.Split(para, "\n") {
			for len(line) > limit {
				// Back the cut up to a rune boundary so a multibyte
				// character is never split across chunks.
				cut := limit
				for cut > 0 && !utf8.RuneStart(line[cut]) {
					cut--
				}
				if cut == 0 {
					cut = limit
				}
				chunks = append(chunks, line[:cut])
				line = line[cut:]
			}
			if line == "" {
				continue
			}
			if cur.Len() > 0 && cur.Len()+1+len(line) > limit {
				flush()
			}
			if cur.Len() > 0 {
				cur.WriteString("\n")
			}
			cur.WriteString(line)
		}
		flush()
	}
	flush()
	return chunks
}
