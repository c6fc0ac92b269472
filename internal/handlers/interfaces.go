package handlers

import (
	"context"

	"github.com/vidfriends/client/internal/auth"
	"github.com/vidfriends/client/internal/models"
	"github.com/vidfriends/client/internal/repositories"
)

// UserStore captures the lookups required by the auth handlers.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (repositories.Account, error)
}

// SessionManager issues and refreshes authentication tokens for users.
type SessionManager interface {
	Issue(ctx context.Context, userID string) (auth.Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (auth.Tokens, error)
	Verify(accessToken string) (string, error)
}

// SubscriptionStore reports each user's entitlement.
type SubscriptionStore interface {
	Status(ctx context.Context, userID string) (models.Entitlement, error)
}

// MessageStore persists conversation messages idempotently.
type MessageStore interface {
	Append(ctx context.Context, msg models.Message) (models.Message, bool, error)
	List(ctx context.Context, conversationID string) ([]models.Message, error)
}

// PhotoStore registers uploaded photos against a quota.
type PhotoStore interface {
	CreateWithinQuota(ctx context.Context, photo models.Photo, freeQuota int, subscribed bool) (models.Photo, error)
	ListForUser(ctx context.Context, userID string) ([]models.Photo, error)
}

// Publisher pushes events to a user's live connections.
type Publisher interface {
	BroadcastToUser(userID, op string, payload any)
}
