package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/termsync/internal/workspace"
)

// maxBodySize bounds JSON request bodies. File content is additionally
// limited by the configured maximum file size.
const maxBodySize = 16 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// decodeJSON reads a JSON body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "Request body required")
		default:
			writeError(w, http.StatusBadRequest, "Invalid JSON body")
		}
		return false
	}
	return true
}

// userParam returns the validated {user} path parameter.
func userParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := chi.URLParam(r, "user")
	if err := workspace.ValidateUser(user); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid username")
		return "", false
	}
	return user, true
}
