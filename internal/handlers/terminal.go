package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/coder/websocket"

	"github.com/gluk-w/claworc/termsync/internal/terminal"
)

// TerminalWS attaches a WebSocket channel to a session created through the
// REST API. Credentials travel in the query string; failures are reported
// with a close code after the upgrade so browser clients can read them.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	token := r.URL.Query().Get("token")

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[bridge] failed to accept terminal websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()

	if SessionMgr == nil {
		clientConn.Close(websocket.StatusCode(terminal.CloseShuttingDown), "Session manager not initialized")
		return
	}

	conn := terminal.NewWSConn(clientConn)
	bridge, err := SessionMgr.Attach(sessionID, token, conn)
	if err != nil {
		code, reason := attachCloseCode(err)
		log.Printf("[bridge] refused channel for session %s: %v", sessionID, err)
		clientConn.Close(websocket.StatusCode(code), reason)
		return
	}

	bridge.Run(r.Context())
}

func attachCloseCode(err error) (int, string) {
	switch {
	case errors.Is(err, terminal.ErrBadToken):
		return terminal.CloseBadToken, "Invalid token"
	case errors.Is(err, terminal.ErrAlreadyAttached):
		return terminal.CloseAlreadyAttached, "Session already attached"
	case errors.Is(err, terminal.ErrShuttingDown):
		return terminal.CloseShuttingDown, "Server shutting down"
	default:
		return terminal.CloseUnknownSession, "Session not found"
	}
}
