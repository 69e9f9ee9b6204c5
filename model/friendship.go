package model

import "time"

// Friendship statuses. Rows are written by the friend-request workflow;
// only ACCEPTED rows open a direct-message channel.
const (
	FriendshipPending  = "PENDING"
	FriendshipAccepted = "ACCEPTED"
	FriendshipDeclined = "DECLINED"
)

// Friendship is a directed request row with symmetric meaning once accepted:
// (A→B, ACCEPTED) makes A and B friends regardless of who asked.
type Friendship struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RequesterID int64     `gorm:"uniqueIndex:idx_friendship_pair;not null" json:"requesterId"`
	RecipientID int64     `gorm:"uniqueIndex:idx_friendship_pair;index;not null" json:"recipientId"`
	Status      string    `gorm:"size:16;not null;default:PENDING" json:"status"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}
