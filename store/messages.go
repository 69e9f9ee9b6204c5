package store

import (
	"context"
	"time"

	"github.com/shelfmates/server/model"
	"gorm.io/gorm"
)

// Messages implements MessageStore.
type Messages struct {
	db *gorm.DB
}

// NewMessages creates a Messages store.
func NewMessages(db *gorm.DB) *Messages {
	return &Messages{db: db}
}

// AppendClubMessage persists a club message and returns it with its author.
func (s *Messages) AppendClubMessage(ctx context.Context, clubID, userID int64, content string) (*model.ClubMessage, error) {
	msg := &model.ClubMessage{ClubID: clubID, UserID: userID, Content: content}
	db := s.db.WithContext(ctx)
	if err := db.Create(msg).Error; err != nil {
		return nil, err
	}
	if err := db.Preload("User").First(msg, msg.ID).Error; err != nil {
		return nil, err
	}
	msg.Expand()
	return msg, nil
}

// AppendDirectMessage persists a DM and returns it with its sender.
func (s *Messages) AppendDirectMessage(ctx context.Context, conversationID string, senderID, receiverID int64, content string) (*model.DirectMessage, error) {
	msg := &model.DirectMessage{
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
	}
	db := s.db.WithContext(ctx)
	if err := db.Create(msg).Error; err != nil {
		return nil, err
	}
	if err := db.Preload("Sender").First(msg, msg.ID).Error; err != nil {
		return nil, err
	}
	msg.Expand()
	return msg, nil
}

// ClubHistory returns up to limit messages created strictly before the
// cursor, in chronological order.
func (s *Messages) ClubHistory(ctx context.Context, clubID int64, before time.Time, limit int) ([]model.ClubMessage, error) {
	var msgs []model.ClubMessage
	err := s.db.WithContext(ctx).
		Preload("User").
		Where("club_id = ? AND created_at < ?", clubID, before.UTC()).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	// Newest-first page → chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	for i := range msgs {
		msgs[i].Expand()
	}
	return msgs, nil
}

// ConversationMessages returns every message of a conversation, oldest first.
func (s *Messages) ConversationMessages(ctx context.Context, conversationID string) ([]model.DirectMessage, error) {
	var msgs []model.DirectMessage
	err := s.db.WithContext(ctx).
		Preload("Sender").
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").Order("id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Expand()
	}
	return msgs, nil
}
