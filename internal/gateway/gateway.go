// Package gateway is the trust boundary in front of the relay: WebSocket
// upgrade (origin check, ticket auth), message validation, and per-connection
// rate limiting. Malformed, oversized, or out-of-bounds messages are dropped
// silently; terminal input is high-frequency and one bad message must never
// cost the connection.
package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/termspan/termspan/internal/auth"
	"github.com/termspan/termspan/internal/relay"
	"github.com/termspan/termspan/internal/session"
	"github.com/termspan/termspan/internal/store"
)

// Options configures a Gateway.
type Options struct {
	Registry *session.Registry
	Hub      *relay.Hub
	Auth     *auth.Auth
	Store    *store.Store
	Log      *slog.Logger

	AllowedOrigins    []string
	MessagesPerSecond float64
	MessageBurst      int
	TokenTTL          time.Duration // lifetime of issued JWTs
}

type Gateway struct {
	reg   *session.Registry
	hub   *relay.Hub
	auth  *auth.Auth
	store *store.Store
	log   *slog.Logger

	origins  []string
	msgRate  rate.Limit
	msgBurst int
	tokenTTL time.Duration

	mux *http.ServeMux

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

func New(opts Options) *Gateway {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	tokenTTL := opts.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	g := &Gateway{
		reg:      opts.Registry,
		hub:      opts.Hub,
		auth:     opts.Auth,
		store:    opts.Store,
		log:      log,
		origins:  opts.AllowedOrigins,
		msgRate:  rate.Limit(opts.MessagesPerSecond),
		msgBurst: opts.MessageBurst,
		tokenTTL: tokenTTL,
		mux:      http.NewServeMux(),
		conns:    make(map[*wsConn]struct{}),
	}
	g.mux.HandleFunc("GET /health", g.handleHealth)
	g.mux.HandleFunc("POST /auth/ticket", g.handleTicket)
	g.mux.HandleFunc("POST /auth/jwt", g.handleIssueJWT)
	g.mux.HandleFunc("GET /ws", g.handleWS)
	g.mux.HandleFunc("POST /api/sessions", g.handleCreateSession)
	g.mux.HandleFunc("GET /api/sessions", g.handleListSessions)
	g.mux.HandleFunc("DELETE /api/sessions/{id}", g.handleDestroySession)
	g.mux.HandleFunc("PATCH /api/sessions/{id}", g.handleRenameSession)
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
