package store

import (
	"context"

	"github.com/shelfmates/server/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Conversations implements ConversationStore.
type Conversations struct {
	db *gorm.DB
}

// NewConversations creates a Conversations store.
func NewConversations(db *gorm.DB) *Conversations {
	return &Conversations{db: db}
}

// GetOrCreateConversation inserts the normalized row if absent and reads it
// back in the same transaction. The insert ignores conflicts, so concurrent
// callers for the same pair converge on one row.
func (s *Conversations) GetOrCreateConversation(ctx context.Context, a, b int64) (*model.Conversation, bool, error) {
	conv := model.NewConversation(a, b)
	var (
		out     model.Conversation
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(conv)
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected == 1
		return tx.First(&out, "id = ?", conv.ID).Error
	})
	if err != nil {
		return nil, false, notFound(err)
	}
	return &out, created, nil
}

func (s *Conversations) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var c model.Conversation
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// DeleteConversation removes the conversation and its messages atomically.
func (s *Conversations) DeleteConversation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&model.DirectMessage{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&model.Conversation{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
