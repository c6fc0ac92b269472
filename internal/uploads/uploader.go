// Package uploads registers user photos: bytes go to object storage, the resulting URL
// is recorded with the API.
package uploads

import (
	"context"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/vidfriends/client/internal/apiclient"
	"github.com/vidfriends/client/internal/apierror"
	"github.com/vidfriends/client/internal/entitlement"
	"github.com/vidfriends/client/internal/models"
	"github.com/vidfriends/client/internal/storage"
)

// PhotosPath is the registration endpoint.
const PhotosPath = "/photos"

// Poster performs the registration call.
type Poster interface {
	PostJSON(ctx context.Context, path string, in, out any, opts ...apiclient.RequestOption) error
}

// Gate is consulted before and after the storage upload.
type Gate interface {
	Check(action entitlement.Action) error
	RecordUsage(action entitlement.Action)
}

type photoRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Uploader runs the gated photo upload flow for one user.
type Uploader struct {
	api     Poster
	gate    Gate
	storage storage.Storage
	logger  *slog.Logger
}

// New constructs an Uploader. store may be nil when no bucket is configured.
func New(api Poster, gate Gate, store storage.Storage, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{api: api, gate: gate, storage: store, logger: logger}
}

// UploadPhoto stores r and registers it under name. The entitlement is checked before
// the upload and again before registration.
func (u *Uploader) UploadPhoto(ctx context.Context, name string, r io.Reader) (models.Photo, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Photo{}, apierror.New(apierror.KindInvalid, "photo name is required", nil)
	}
	if err := u.gate.Check(entitlement.ActionUploadPhoto); err != nil {
		return models.Photo{}, err
	}
	if u.storage == nil {
		return models.Photo{}, &apierror.Error{Kind: apierror.KindInvalid, Message: "photo storage is not configured", Err: storage.ErrUnavailable}
	}

	key := uuid.NewString() + strings.ToLower(path.Ext(name))
	location, err := u.storage.Save(ctx, key, r)
	if err != nil {
		return models.Photo{}, apierror.New(apierror.KindNetwork, "store photo", err)
	}

	if err := u.gate.Check(entitlement.ActionUploadPhoto); err != nil {
		u.logger.Warn("entitlement lapsed during upload", "key", key)
		return models.Photo{}, err
	}

	var photo models.Photo
	if err := u.api.PostJSON(ctx, PhotosPath, photoRequest{Name: name, URL: location}, &photo); err != nil {
		return models.Photo{}, err
	}

	u.gate.RecordUsage(entitlement.ActionUploadPhoto)
	u.logger.Info("photo uploaded", "photoId", photo.ID, "url", photo.URL)
	return photo, nil
}
