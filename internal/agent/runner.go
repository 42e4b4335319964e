// Package agent sends conversation units to the downstream agent service
// and returns its reply. The service owns conversation context; this side
// only carries the context id around.
package agent

import (
	"context"
	"time"
)

// PartKind mirrors the message variants the agent service accepts.
type PartKind string

const (
	PartText     PartKind = "text"
	PartImage    PartKind = "image"
	PartDocument PartKind = "document"
	PartAudio    PartKind = "audio"
	PartVideo    PartKind = "video"
)

// Part is one piece of a conversation unit: text, or an attachment with its
// raw bytes.
type Part struct {
	Kind     PartKind `json:"kind"`
	Text     string   `json:"text,omitempty"`
	Data     []byte   `json:"data,omitempty"`
	MimeType string   `json:"mime_type,omitempty"`
	Filename string   `json:"filename,omitempty"`
}

// Input is the unit of work produced by one batch flush.
type Input struct {
	UserKey  string `json:"user_key"`
	UserName string `json:"user_name,omitempty"`
	Parts    []Part `json:"parts"`
}

// Result carries the agent's reply plus the context id to store for the
// next turn.
type Result struct {
	Reply     string `json:"reply"`
	ContextID string `json:"context_id"`
}

// Runner executes one agent turn. contextID is empty on a user's first
// flush; the implementation creates the context and returns its id.
type Runner interface {
	Run(ctx context.Context, in Input, contextID string) (Result, error)
}

// RunnerConfig configures the HTTP runner.
type RunnerConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}
