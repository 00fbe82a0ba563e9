package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MaxTurns caps the stored history per (owner, counterpart) pair. Appends
// beyond the cap evict the oldest turns first.
const MaxTurns = 30

// Turn is one exchanged message in a conversation.
type Turn struct {
	Role      string         `json:"role"` // "user", "assistant" or "system"
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Turns is an ordered message history, oldest first.
type Turns []Turn

// Capped returns the history trimmed to at most max turns, dropping from
// the front so the newest turns always survive.
func (t Turns) Capped(max int) Turns {
	if max <= 0 || len(t) <= max {
		return t
	}
	return t[len(t)-max:]
}

// Conversation is the stored history for one (owner, counterpart) pair.
// The whole history lives in one row as a JSON array, mirroring how the
// dashboard reads it.
type Conversation struct {
	SessionID      string                     `gorm:"column:session_id;primaryKey"`
	OwnerUserID    int64                      `gorm:"column:owner_user_id;index"`
	SenderID       int64                      `gorm:"column:sender_id"`
	Messages       datatypes.JSONType[Turns]  `gorm:"column:messages"`
	LastActivityAt time.Time                  `gorm:"column:last_activity_at"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName matches the dashboard's schema.
func (Conversation) TableName() string { return "conversations" }

// sessionID builds the composite key. Two counterparts chatting with the
// same owner never share history.
func sessionID(ownerID, senderID int64) string {
	return fmt.Sprintf("%d_%d", ownerID, senderID)
}

// ConversationStore persists capped conversation history.
type ConversationStore struct {
	db *gorm.DB
}

// NewConversationStore creates a ConversationStore.
func NewConversationStore(db *gorm.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// Append adds one turn to the pair's history, evicting the oldest turns
// when the cap is exceeded.
func (s *ConversationStore) Append(ctx context.Context, ownerID, senderID int64, role, content string, metadata map[string]any) error {
	sid := sessionID(ownerID, senderID)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv Conversation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&conv, "session_id = ?", sid).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			conv = Conversation{
				SessionID:   sid,
				OwnerUserID: ownerID,
				SenderID:    senderID,
			}
		case err != nil:
			return err
		}

		turns := conv.Messages.Data()
		turns = append(turns, Turn{
			Role:      role,
			Content:   content,
			Timestamp: time.Now().UTC(),
			Metadata:  metadata,
		})
		conv.Messages = datatypes.NewJSONType(turns.Capped(MaxTurns))
		conv.LastActivityAt = time.Now().UTC()

		return tx.Save(&conv).Error
	})
}

// Recent returns the last turns for the pair, oldest first, never more than
// min(limit, MaxTurns). A missing conversation yields an empty history.
func (s *ConversationStore) Recent(ctx context.Context, ownerID, senderID int64, limit int) (Turns, error) {
	if limit <= 0 || limit > MaxTurns {
		limit = MaxTurns
	}

	var conv Conversation
	err := s.db.WithContext(ctx).First(&conv, "session_id = ?", sessionID(ownerID, senderID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return conv.Messages.Data().Capped(limit), nil
}

// Clear drops the pair's history wholesale.
func (s *ConversationStore) Clear(ctx context.Context, ownerID, senderID int64) error {
	return s.db.WithContext(ctx).
		Delete(&Conversation{}, "session_id = ?", sessionID(ownerID, senderID)).Error
}
