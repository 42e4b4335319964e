package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bvasystems/teste-agente/internal/session"
)

// PGStore implements SessionStore backed by Postgres. The session row keeps
// the full state as jsonb plus a few indexed columns for listing. Hot
// sessions are cached in memory to keep the batch worker's reload loop off
// the database.
type PGStore struct {
	db    *sql.DB
	mu    sync.RWMutex
	cache map[string]*session.Session
}

// NewPGStore wraps an open database handle. Callers run migrations first.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, cache: make(map[string]*session.Session)}
}

func (s *PGStore) Get(ctx context.Context, userKey string) (*session.Session, error) {
	s.mu.RLock()
	if cached, ok := s.cache[userKey]; ok {
		cp := *cached
		s.mu.RUnlock()
		return &cp, nil
	}
	s.mu.RUnlock()

	loaded, err := s.loadRow(ctx, userKey)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	// Another goroutine may have loaded it meanwhile; keep the first copy.
	if cached, ok := s.cache[userKey]; ok {
		loaded = cached
	} else {
		s.cache[userKey] = loaded
	}
	cp := *loaded
	s.mu.Unlock()
	return &cp, nil
}

func (s *PGStore) Put(ctx context.Context, sess *session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.UserKey, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_key, data, message_count, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_key) DO UPDATE
		 SET data = EXCLUDED.data,
		     message_count = EXCLUDED.message_count,
		     updated_at = EXCLUDED.updated_at`,
		sess.ID, sess.UserKey, data, sess.MessageCount, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.UserKey, err)
	}

	cp := *sess
	s.mu.Lock()
	s.cache[sess.UserKey] = &cp
	s.mu.Unlock()
	return nil
}

func (s *PGStore) List(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var sess session.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, fmt.Errorf("decode session row: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *PGStore) Delete(ctx context.Context, userKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_key = $1`, userKey); err != nil {
		return fmt.Errorf("delete session %s: %w", userKey, err)
	}
	s.mu.Lock()
	delete(s.cache, userKey)
	s.mu.Unlock()
	return nil
}

func (s *PGStore) loadRow(ctx context.Context, userKey string) (*session.Session, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE user_key = $1`, userKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", userKey, err)
	}
	var sess session.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", userKey, err)
	}
	// Rows only reach here on a cache miss, so no worker owns the session
	// in this process. A crash mid-flush must not strand it.
	sess.EndBatch()
	return &sess, nil
}
