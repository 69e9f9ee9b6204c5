// Package store holds the gorm-backed repositories the messaging core reads
// and writes through. Handlers depend on the interfaces, not on *gorm.DB.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shelfmates/server/model"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// IdentityStore answers identity and relationship lookups.
type IdentityStore interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	AreFriends(ctx context.Context, a, b int64) (bool, error)
	IsClubMember(ctx context.Context, clubID, userID int64) (bool, error)
	GetClub(ctx context.Context, id int64) (*model.Club, error)
}

// MessageStore appends and lists chat messages. Returned messages carry
// their author/sender projection.
type MessageStore interface {
	AppendClubMessage(ctx context.Context, clubID, userID int64, content string) (*model.ClubMessage, error)
	AppendDirectMessage(ctx context.Context, conversationID string, senderID, receiverID int64, content string) (*model.DirectMessage, error)
	ClubHistory(ctx context.Context, clubID int64, before time.Time, limit int) ([]model.ClubMessage, error)
	ConversationMessages(ctx context.Context, conversationID string) ([]model.DirectMessage, error)
}

// ConversationStore manages the canonical DM thread per user pair.
type ConversationStore interface {
	// GetOrCreateConversation returns the conversation for the unordered pair
	// and whether this call created it.
	GetOrCreateConversation(ctx context.Context, a, b int64) (*model.Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
