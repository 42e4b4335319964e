// Package store persists per-user sessions. Two backends exist: a
// file-backed store for standalone deployments and a Postgres store for
// managed ones. Both are read-your-writes within the process.
package store

import (
	"context"
	"errors"

	"github.com/bvasystems/teste-agente/internal/session"
)

// ErrNotFound is returned by Get when no session exists for the key.
var ErrNotFound = errors.New("session not found")

// SessionStore is the single source of truth for session state. Callers
// must serialize load-mutate-put sequences per user key themselves; the
// store offers no compare-and-swap.
type SessionStore interface {
	Get(ctx context.Context, userKey string) (*session.Session, error)
	Put(ctx context.Context, s *session.Session) error
	List(ctx context.Context) ([]*session.Session, error)
	Delete(ctx context.Context, userKey string) error
}
