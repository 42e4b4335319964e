// Package gateway runs the HTTP server: the Evolution webhook endpoint, a
// health check, a stats endpoint and a websocket event feed for dashboards.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bvasystems/teste-agente/internal/batch"
	"github.com/bvasystems/teste-agente/internal/bus"
	"github.com/bvasystems/teste-agente/internal/router"
	"github.com/bvasystems/teste-agente/internal/store"
	"github.com/bvasystems/teste-agente/internal/wa"
)

// maxWebhookBody bounds the accepted webhook payload size.
const maxWebhookBody = 10 << 20

// ServerConfig configures the listener.
type ServerConfig struct {
	Host       string
	Port       int
	WebhookRPM int
}

// Server is the inbound HTTP surface.
type Server struct {
	cfg      ServerConfig
	router   *router.Router
	coord    *batch.Coordinator
	sessions store.SessionStore
	events   *bus.Bus
	limiter  *WebhookRateLimiter
	log      *slog.Logger

	upgrader websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer wires the HTTP surface.
func NewServer(cfg ServerConfig, rt *router.Router, coord *batch.Coordinator, sessions store.SessionStore, events *bus.Bus, log *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		router:   rt,
		coord:    coord,
		sessions: sessions,
		events:   events,
		limiter:  NewWebhookRateLimiter(cfg.WebhookRPM),
		log:      log.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startedAt: time.Now().UTC(),
	}
}

// BuildMux registers all routes.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/whatsapp", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

// Start listens until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.log.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebhook receives Evolution events. It always answers 200 for
// well-formed bodies: Evolution retries non-2xx responses, and a retry of a
// message we failed on internally would just duplicate work.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientKey(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	ev, err := wa.ParseWebhook(body)
	if err != nil {
		s.log.Warn("malformed webhook", "error", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	switch ev.Event {
	case wa.EventMessagesUpsert:
		msg, err := ev.ParseInbound()
		if err != nil {
			s.log.Warn("unparseable message event", "error", err)
		} else if msg != nil {
			if err := s.router.Handle(r.Context(), *msg); err != nil {
				s.log.Error("message handling failed", "message_id", msg.ID, "error", err)
			}
		}
	case wa.EventConnectionUpdate:
		s.log.Info("gateway connection update", "instance", ev.Instance)
	case wa.EventMessagesUpdate:
		// Delivery/read acks; nothing to do.
	default:
		s.log.Debug("ignoring webhook event", "event", ev.Event)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, `{"status":"ok"}`)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

// handleStats reports aggregate session and pipeline counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List(r.Context())
	if err != nil {
		http.Error(w, "list sessions", http.StatusInternalServerError)
		return
	}

	var pending, processing, limited, delivered int
	for _, sess := range sessions {
		pending += len(sess.PendingMessages)
		if sess.IsProcessing {
			processing++
		}
		if sess.IsRateLimited {
			limited++
		}
		delivered += sess.MessageCount
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"sessions":           len(sessions),
		"active_users":       s.coord.ActiveUsers(),
		"pending_messages":   pending,
		"processing_batches": processing,
		"rate_limited_users": limited,
		"messages_delivered": delivered,
		"uptime_seconds":     int(time.Since(s.startedAt).Seconds()),
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
