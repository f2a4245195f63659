package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gluk-w/claworc/termsync/internal/audit"
	"github.com/gluk-w/claworc/termsync/internal/wsync"
)

// Set from main.go during init.
var (
	SyncCoord *wsync.Coordinator
	Syncer    *wsync.Synchronizer
)

func GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	if SyncCoord == nil {
		writeError(w, http.StatusServiceUnavailable, "Synchronizer not initialized")
		return
	}
	writeJSON(w, http.StatusOK, SyncCoord.Status(user))
}

// TriggerSync queues a sync for the user. With ?wait=true the response is
// held until a run that started after the request has finished.
func TriggerSync(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	if SyncCoord == nil {
		writeError(w, http.StatusServiceUnavailable, "Synchronizer not initialized")
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		status, err := SyncCoord.SyncAndWait(r.Context(), user)
		switch {
		case errors.Is(err, wsync.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
			return
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "Sync did not complete")
			return
		}
		if status.LastError != "" {
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"detail": "Sync failed: " + status.LastError,
				"status": status,
			})
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	started := SyncCoord.RequestSync(user)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"started": started,
		"status":  SyncCoord.Status(user),
	})
}

// LoadWorkspace recreates the user's persisted records on disk.
func LoadWorkspace(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	if Syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "Synchronizer not initialized")
		return
	}

	records, err := Syncer.Guard().View(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load workspace metadata")
		return
	}
	res, err := Syncer.Materialize(r.Context(), user, records)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to materialize workspace")
		return
	}

	audit.LogWorkspaceLoaded(user, res.Folders, res.Files, res.Skipped, audit.ExtractSourceIP(r))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"folders":     res.Folders,
		"files":       res.Files,
		"skipped":     res.Skipped,
		"filesLoaded": res.Folders + res.Files,
	})
}
