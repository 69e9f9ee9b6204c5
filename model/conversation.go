package model

import (
	"fmt"
	"time"
)

// Conversation identifies the single DM thread between two users.
// User1ID is always the smaller id.
type Conversation struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	User1ID   int64     `gorm:"uniqueIndex:idx_conversation_pair;not null" json:"user1Id"`
	User2ID   int64     `gorm:"uniqueIndex:idx_conversation_pair;index;not null" json:"user2Id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// NormalizePair orders two user ids ascending.
func NormalizePair(a, b int64) (lo, hi int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// ConversationID derives the canonical id for an unordered pair.
func ConversationID(a, b int64) string {
	lo, hi := NormalizePair(a, b)
	return fmt.Sprintf("dm_%d_%d", lo, hi)
}

// NewConversation builds the normalized conversation row for a pair.
func NewConversation(a, b int64) *Conversation {
	lo, hi := NormalizePair(a, b)
	return &Conversation{ID: ConversationID(lo, hi), User1ID: lo, User2ID: hi}
}

// Has reports whether userID is one of the two participants.
func (c *Conversation) Has(userID int64) bool {
	return c.User1ID == userID || c.User2ID == userID
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID int64) int64 {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}
