package handlers

import (
	"net/http"
	"time"

	"github.com/gluk-w/claworc/termsync/internal/database"
)

var startTime = time.Now()

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		if err := database.Ping(); err == nil {
			dbStatus = "connected"
		}
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	sessions, active := 0, 0
	if SessionMgr != nil {
		sessions = SessionMgr.Count()
		active = SessionMgr.ActiveCount()
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":          status,
		"database":        dbStatus,
		"sessions":        sessions,
		"active_sessions": active,
		"uptime_seconds":  int64(time.Since(startTime).Seconds()),
	})
}
