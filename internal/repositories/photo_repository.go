package repositories

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vidfriends/client/internal/models"
)

// PhotoRepository registers uploaded photos.
type PhotoRepository interface {
	CreateWithinQuota(ctx context.Context, photo models.Photo, freeQuota int, subscribed bool) (models.Photo, error)
	ListForUser(ctx context.Context, userID string) ([]models.Photo, error)
}

// MemoryPhotoRepository keeps photos in memory.
type MemoryPhotoRepository struct {
	mu      sync.Mutex
	now     func() time.Time
	byOwner map[string][]models.Photo
}

// NewMemoryPhotoRepository returns an empty repository.
func NewMemoryPhotoRepository() *MemoryPhotoRepository {
	return &MemoryPhotoRepository{
		now:     func() time.Time { return time.Now().UTC() },
		byOwner: make(map[string][]models.Photo),
	}
}

// CreateWithinQuota stores photo if the owner is subscribed or still has free uploads.
// The count and the insert happen under one lock.
func (r *MemoryPhotoRepository) CreateWithinQuota(_ context.Context, photo models.Photo, freeQuota int, subscribed bool) (models.Photo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !subscribed && len(r.byOwner[photo.OwnerID]) >= freeQuota {
		return models.Photo{}, ErrQuotaExceeded
	}

	photo.ID = uuid.NewString()
	photo.CreatedAt = r.now()
	r.byOwner[photo.OwnerID] = append(r.byOwner[photo.OwnerID], photo)
	return photo, nil
}

// ListForUser returns the photos owned by userID in upload order.
func (r *MemoryPhotoRepository) ListForUser(_ context.Context, userID string) ([]models.Photo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Photo(nil), r.byOwner[userID]...), nil
}
