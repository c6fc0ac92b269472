package handlers

import (
	"net/http"

	"github.com/vidfriends/client/internal/logging"
	"github.com/vidfriends/client/internal/middleware"
)

// SubscriptionHandler reports the caller's entitlement.
type SubscriptionHandler struct {
	Subscriptions SubscriptionStore
}

// Status handles GET /subscription/status.
func (h SubscriptionHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	if h.Subscriptions == nil {
		respondError(ctx, w, http.StatusInternalServerError, "subscription service unavailable")
		return
	}

	userID := middleware.UserIDFromContext(ctx)
	ent, err := h.Subscriptions.Status(ctx, userID)
	if err != nil {
		logging.FromContext(ctx).Error("subscription lookup failed", "error", err)
		respondError(ctx, w, http.StatusInternalServerError, "unable to load subscription")
		return
	}

	respondJSON(ctx, w, http.StatusOK, ent)
}
