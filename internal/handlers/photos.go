package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vidfriends/client/internal/logging"
	"github.com/vidfriends/client/internal/middleware"
	"github.com/vidfriends/client/internal/models"
	"github.com/vidfriends/client/internal/repositories"
)

// PhotoHandler registers uploaded photos. Users without an active subscription get
// FreeUploads photos.
type PhotoHandler struct {
	Photos        PhotoStore
	Subscriptions SubscriptionStore
	FreeUploads   int
	NowFunc       func() time.Time
}

// Handle serves /photos.
func (h PhotoHandler) Handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h PhotoHandler) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Photos == nil || h.Subscriptions == nil {
		respondError(ctx, w, http.StatusInternalServerError, "photo service unavailable")
		return
	}

	var req photoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid photo payload", "error", err)
		respondError(ctx, w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(ctx, w, http.StatusBadRequest, "name is required")
		return
	}
	if u, err := url.Parse(req.URL); err != nil || u.Scheme == "" || u.Host == "" {
		respondError(ctx, w, http.StatusBadRequest, "url must be absolute")
		return
	}

	userID := middleware.UserIDFromContext(ctx)
	ent, err := h.Subscriptions.Status(ctx, userID)
	if err != nil {
		logger.Error("subscription lookup failed", "error", err)
		respondError(ctx, w, http.StatusInternalServerError, "unable to verify subscription")
		return
	}

	photo, err := h.Photos.CreateWithinQuota(ctx, models.Photo{
		Name:    req.Name,
		URL:     req.URL,
		OwnerID: userID,
	}, h.FreeUploads, ent.ActiveAt(h.now()))
	if err != nil {
		if errors.Is(err, repositories.ErrQuotaExceeded) {
			respondError(ctx, w, http.StatusForbidden, "subscription required")
			return
		}
		logger.Error("create photo failed", "error", err)
		respondError(ctx, w, http.StatusInternalServerError, "failed to register photo")
		return
	}

	respondJSON(ctx, w, http.StatusCreated, photo)
}

func (h PhotoHandler) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.Photos == nil {
		respondError(ctx, w, http.StatusInternalServerError, "photo service unavailable")
		return
	}

	photos, err := h.Photos.ListForUser(ctx, middleware.UserIDFromContext(ctx))
	if err != nil {
		respondError(ctx, w, http.StatusInternalServerError, "failed to load photos")
		return
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{"photos": photos})
}

func (h PhotoHandler) now() time.Time {
	if h.NowFunc != nil {
		return h.NowFunc()
	}
	return time.Now().UTC()
}

type photoRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}
