package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vidfriends/client/internal/models"
)

// MessageRepository stores conversation messages.
type MessageRepository interface {
	Append(ctx context.Context, msg models.Message) (models.Message, bool, error)
	List(ctx context.Context, conversationID string) ([]models.Message, error)
}

// MemoryMessageRepository is an append-only, idempotent message log.
type MemoryMessageRepository struct {
	mu            sync.Mutex
	now           func() time.Time
	conversations map[string][]models.Message
	// keyed by sender and client id
	seen map[[2]string]models.Message
}

// NewMemoryMessageRepository returns an empty log.
func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{
		now:           func() time.Time { return time.Now().UTC() },
		conversations: make(map[string][]models.Message),
		seen:          make(map[[2]string]models.Message),
	}
}

// Append stores msg unless the sender already wrote a message with the same client id,
// in which case the stored copy is returned and created is false.
func (r *MemoryMessageRepository) Append(_ context.Context, msg models.Message) (models.Message, bool, error) {
	if msg.ConversationID == "" || msg.SenderID == "" || msg.ClientID == "" {
		return models.Message{}, false, ErrConflict
	}

	key := [2]string{msg.SenderID, msg.ClientID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if stored, ok := r.seen[key]; ok {
		return stored, false, nil
	}

	msg.ServerID = uuid.NewString()
	msg.CreatedAt = r.now()
	msg.DeliveryState = ""
	r.conversations[msg.ConversationID] = append(r.conversations[msg.ConversationID], msg)
	r.seen[key] = msg
	return msg, true, nil
}

// List returns a conversation's messages oldest first.
func (r *MemoryMessageRepository) List(_ context.Context, conversationID string) ([]models.Message, error) {
	r.mu.Lock()
	out := append([]models.Message(nil), r.conversations[conversationID]...)
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
