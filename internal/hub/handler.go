package hub

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// TokenVerifier validates the access token presented at connection time.
type TokenVerifier interface {
	Verify(accessToken string) (string, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades GET /ws?token=&userId= into a hub connection.
type Handler struct {
	hub      *Hub
	verifier TokenVerifier
}

// NewHandler constructs the websocket endpoint.
func NewHandler(hub *Hub, verifier TokenVerifier) *Handler {
	return &Handler{hub: hub, verifier: verifier}
}

// ServeHTTP rejects missing or invalid credentials with 401 before upgrading.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	userID, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if claimed := r.URL.Query().Get("userId"); claimed != "" && claimed != userID {
		http.Error(w, "token does not match user", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Warn("upgrade failed", "userId", userID, "error", err)
		return
	}

	client := &Client{
		hub:    h.hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
	}
	h.hub.register(client)

	go client.WritePump()
	client.ReadPump()
}
