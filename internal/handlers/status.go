package handlers

import (
	"net/http"

	"lanchat/internal/models"
	"lanchat/internal/ws"
)

// StatusHandler serves the read-only presence endpoints.
type StatusHandler struct {
	Hub *ws.Hub
}

// Health reports liveness and the current online device count.
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"online_users": h.Hub.OnlineCount(),
	})
}

// Users lists the devices currently online.
func (h *StatusHandler) Users(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]models.PresenceEntry{
		"users": h.Hub.Snapshot(),
	})
}
