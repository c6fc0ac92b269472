package models

import "time"

// User represents an account within the VidFriends platform.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

// Session groups the bearer credentials issued to an authenticated user.
type Session struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	UserID       string `json:"userId"`
}

// Valid reports whether the session carries enough to authenticate a request.
func (s Session) Valid() bool {
	return s.AccessToken != "" && s.RefreshToken != "" && s.UserID != ""
}

// Entitlement is a time-bounded subscription snapshot. A nil ExpiresAt with Active
// set means the entitlement does not expire.
type Entitlement struct {
	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// ActiveAt reports whether the entitlement is usable at the provided instant.
func (e Entitlement) ActiveAt(now time.Time) bool {
	if !e.Active {
		return false
	}
	if e.ExpiresAt == nil {
		return true
	}
	return now.Before(*e.ExpiresAt)
}

// DeliveryState tracks an outgoing message through the send pipeline.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is a chat message as seen by the client. ClientID is generated locally and
// used for de-duplication; ServerID is assigned once the durable write succeeds.
type Message struct {
	ClientID       string        `json:"clientId"`
	ServerID       string        `json:"id,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	ReceiverID     string        `json:"receiverId"`
	Body           string        `json:"body"`
	CreatedAt      time.Time     `json:"createdAt"`
	DeliveryState  DeliveryState `json:"deliveryState,omitempty"`
}

// PresenceEntry is one roster row.
type PresenceEntry struct {
	UserID     string    `json:"userId"`
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Photo is an uploaded image registered with the backend.
type Photo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	OwnerID   string    `json:"ownerId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
