// Package protocol defines the JSON envelope exchanged over the presence/chat channel.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vidfriends/client/internal/models"
)

// Client to server operations.
const (
	OpPresenceOnline  = "presence_online"
	OpPresenceOffline = "presence_offline"
	OpRosterRequest   = "roster_request"
	OpMessageSend     = "message_send"
	OpHeartbeat       = "heartbeat"
)

// Server to client operations.
const (
	OpRoster        = "roster"
	OpUserOnline    = "user_online"
	OpUserOffline   = "user_offline"
	OpMessageCreate = "message_create"
	OpHeartbeatAck  = "heartbeat_ack"
)

// Event is the envelope for every frame. Seq is assigned by the sender and only
// increases within one connection.
type Event struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  int64           `json:"seq,omitempty"`
}

// NewEvent encodes payload into an envelope.
func NewEvent(op string, payload any) (Event, error) {
	evt := Event{Op: op}
	if payload == nil {
		return evt, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", op, err)
	}
	evt.Data = data
	return evt, nil
}

// Decode unmarshals the payload into out.
func (e Event) Decode(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decode %s: empty payload", e.Op)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("decode %s: %w", e.Op, err)
	}
	return nil
}

// RosterData is the payload of OpRoster.
type RosterData struct {
	Users []models.PresenceEntry `json:"users"`
}

// UserData is the payload of OpUserOnline and OpUserOffline.
type UserData struct {
	UserID     string    `json:"userId"`
	LastSeenAt time.Time `json:"lastSeenAt,omitempty"`
}
