package handlers

import (
	"encoding/json"
	"net/http"
)

// OnlineCounter reports the users currently connected to the channel hub.
type OnlineCounter interface {
	Online() []string
}

// HealthHandler responds with service health information.
type HealthHandler struct {
	Hub OnlineCounter
}

// Handle implements GET /healthz.
func (h HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	payload := map[string]any{
		"status": "ok",
	}
	if h.Hub != nil {
		payload["online"] = len(h.Hub.Online())
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
