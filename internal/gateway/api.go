package gateway

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/termspan/termspan/internal/relay"
	"github.com/termspan/termspan/internal/session"
	"github.com/termspan/termspan/internal/store"
)

// sessionMeta is the wire form of a session for the CRUD API.
type sessionMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	CWD       string    `json:"cwd"`
	CreatedAt time.Time `json:"created_at"`
	Live      bool      `json:"live"`
	Attached  int       `json:"attached,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
}

func (g *Gateway) handleTicket(w http.ResponseWriter, r *http.Request) {
	identity := g.requireToken(w, r)
	if identity == "" {
		return
	}
	ticket := g.auth.IssueTicket(identity)
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(g.auth.TicketTTL().Seconds()),
	})
}

// handleIssueJWT exchanges any valid credential for a short-lived JWT. Web
// clients use this so the long-lived API token never lives in browser storage.
func (g *Gateway) handleIssueJWT(w http.ResponseWriter, r *http.Request) {
	identity := g.requireToken(w, r)
	if identity == "" {
		return
	}
	token, err := g.auth.IssueJWT(identity, g.tokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(g.tokenTTL.Seconds()),
	})
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if g.requireToken(w, r) == "" {
		return
	}

	var req struct {
		Name    string `json:"name"`
		Kind    string `json:"kind"`
		CWD     string `json:"cwd"`
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	kind := session.Kind(req.Kind)
	if kind == "" {
		kind = session.KindShell
	}
	if kind != session.KindShell && kind != session.KindAgent {
		writeError(w, http.StatusBadRequest, "kind must be \"shell\" or \"agent\"")
		return
	}

	sess, err := session.Start(session.Options{
		Name:    req.Name,
		Kind:    kind,
		CWD:     req.CWD,
		Command: req.Command,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := g.store.SaveSession(store.SessionRow{
		ID:        sess.ID,
		Name:      sess.Name,
		Kind:      string(sess.Kind),
		CWD:       sess.CWD,
		CreatedAt: sess.CreatedAt,
	}); err != nil {
		sess.Terminate(time.Second)
		sess.Close()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	g.reg.Add(sess)
	g.hub.Register(sess)
	g.log.Info("session created", "session", sess.ID, "kind", kind, "cwd", sess.CWD)

	writeJSON(w, http.StatusOK, sessionMeta{
		ID:        sess.ID,
		Name:      sess.Name,
		Kind:      string(sess.Kind),
		CWD:       sess.CWD,
		CreatedAt: sess.CreatedAt,
		Live:      true,
	})
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if g.requireToken(w, r) == "" {
		return
	}
	rows, err := g.store.ListSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]sessionMeta, 0, len(rows))
	for _, row := range rows {
		m := sessionMeta{
			ID:        row.ID,
			Name:      row.Name,
			Kind:      row.Kind,
			CWD:       row.CWD,
			CreatedAt: row.CreatedAt,
			Live:      !row.Exited && g.reg.Get(row.ID) != nil,
			ExitCode:  row.ExitCode,
		}
		if m.Live {
			m.Attached = g.hub.AttachedCount(row.ID)
		}
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	if g.requireToken(w, r) == "" {
		return
	}
	id := r.PathValue("id")
	if err := g.hub.Destroy(id); err != nil {
		if errors.Is(err, relay.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (g *Gateway) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	if g.requireToken(w, r) == "" {
		return
	}
	id := r.PathValue("id")
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := g.store.RenameSession(id, req.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "session not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// requireToken extracts and validates a Bearer credential from the
// Authorization header. Returns the identity or writes 401 and returns "".
func (g *Gateway) requireToken(w http.ResponseWriter, r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
		return ""
	}
	identity, err := g.auth.Authenticate(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired credential")
		return ""
	}
	return identity
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
