package handlers

import (
	"net/http"

	"github.com/vidfriends/client/internal/middleware"
)

// RegisterRoutes wires HTTP handlers into the provided ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps Dependencies) {
	health := HealthHandler{Hub: deps.Online}
	auth := AuthHandler{Users: deps.Users, Sessions: deps.Sessions, Limiter: deps.LoginLimiter}
	subscriptions := SubscriptionHandler{Subscriptions: deps.Subscriptions}
	messages := MessageHandler{Messages: deps.Messages, Subscriptions: deps.Subscriptions, Publisher: deps.Publisher}
	photos := PhotoHandler{Photos: deps.Photos, Subscriptions: deps.Subscriptions, FreeUploads: deps.FreeUploads}

	protect := func(h http.HandlerFunc) http.Handler { return h }
	if deps.Sessions != nil {
		requireAuth := middleware.RequireAuth(deps.Sessions)
		protect = func(h http.HandlerFunc) http.Handler { return requireAuth(h) }
	}

	mux.HandleFunc("/healthz", health.Handle)
	mux.HandleFunc("/login", auth.Login)
	mux.HandleFunc("/refresh-token", auth.Refresh)
	mux.Handle("/subscription/status", protect(subscriptions.Status))
	mux.Handle("/conversations/{id}/messages", protect(messages.Handle))
	mux.Handle("/photos", protect(photos.Handle))
	if deps.Channel != nil {
		mux.Handle("/ws", deps.Channel)
	}
}

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Users         UserStore
	Sessions      SessionManager
	Subscriptions SubscriptionStore
	Messages      MessageStore
	Photos        PhotoStore
	Publisher     Publisher
	Channel       http.Handler
	Online        OnlineCounter
	LoginLimiter  RateLimiter
	FreeUploads   int
}
