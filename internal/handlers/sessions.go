package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/termsync/internal/audit"
	"github.com/gluk-w/claworc/termsync/internal/cmdfilter"
	"github.com/gluk-w/claworc/termsync/internal/config"
	"github.com/gluk-w/claworc/termsync/internal/terminal"
	"github.com/gluk-w/claworc/termsync/internal/workspace"
)

// SessionMgr is set from main.go during init.
var SessionMgr *terminal.Manager

type createSessionRequest struct {
	Username string         `json:"username"`
	Metadata map[string]any `json:"metadata"`
}

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	WSURL     string `json:"wsUrl"`
	Status    string `json:"status"`
	ExpiresIn int64  `json:"expiresIn"`
}

// channelURL builds the WebSocket address a client uses to attach to a
// session. PUBLIC_URL wins over the request's own host.
func channelURL(r *http.Request, sessionID, token string) string {
	base := strings.TrimRight(config.Cfg.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{}
	q.Set("sessionId", sessionID)
	q.Set("token", token)
	return base + "/terminal?" + q.Encode()
}

func CreateSession(w http.ResponseWriter, r *http.Request) {
	if SessionMgr == nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager not initialized")
		return
	}
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s, err := SessionMgr.CreateSession(req.Username, req.Metadata)
	switch {
	case errors.Is(err, workspace.ErrInvalidUser):
		writeError(w, http.StatusBadRequest, "Invalid or missing username")
		return
	case errors.Is(err, terminal.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	audit.LogSessionCreated(s.User, s.ID, audit.ExtractSourceIP(r))
	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: s.ID,
		Token:     s.Token,
		WSURL:     channelURL(r, s.ID, s.Token),
		Status:    "created",
		ExpiresIn: int64(SessionMgr.TokenTTL().Seconds()),
	})
}

func ListSessions(w http.ResponseWriter, r *http.Request) {
	if SessionMgr == nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager not initialized")
		return
	}
	sessions := SessionMgr.List()
	if user := r.URL.Query().Get("username"); user != "" {
		filtered := sessions[:0]
		for _, s := range sessions {
			if s.User == user {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func GetSession(w http.ResponseWriter, r *http.Request) {
	if SessionMgr == nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager not initialized")
		return
	}
	info, err := SessionMgr.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func DeleteSession(w http.ResponseWriter, r *http.Request) {
	if SessionMgr == nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager not initialized")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := SessionMgr.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	SessionMgr.Terminate(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated", "sessionId": id})
}

type executeRequest struct {
	Command string `json:"command"`
}

func ExecuteCommand(w http.ResponseWriter, r *http.Request) {
	if SessionMgr == nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager not initialized")
		return
	}
	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "Command is required")
		return
	}

	id := chi.URLParam(r, "id")
	err := SessionMgr.Execute(r.Context(), id, req.Command)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "sent", "sessionId": id})
	case errors.Is(err, terminal.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, terminal.ErrSessionNotActive):
		writeError(w, http.StatusConflict, "Session is not active")
	case errors.Is(err, terminal.ErrInvalidCommand):
		writeError(w, http.StatusBadRequest, "Command must be a single line")
	case errors.Is(err, cmdfilter.ErrCommandBlocked):
		writeError(w, http.StatusForbidden, SessionMgr.Filter().Warning())
	default:
		writeError(w, http.StatusInternalServerError, "Failed to execute command")
	}
}
