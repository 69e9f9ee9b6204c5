package model

import "time"

// ClubMessage is an immutable chat line in a club room.
type ClubMessage struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ClubID    int64           `gorm:"index:idx_club_msg_created,priority:1;not null" json:"clubId"`
	UserID    int64           `gorm:"index;not null" json:"userId"`
	Content   string          `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time       `gorm:"index:idx_club_msg_created,priority:2;autoCreateTime" json:"createdAt"`
	User      *User           `gorm:"foreignKey:UserID" json:"-"`
	Author    *UserProjection `gorm:"-" json:"author,omitempty"`
}

// Expand copies the preloaded author into its public projection.
func (m *ClubMessage) Expand() {
	if m.User != nil {
		m.Author = m.User.Projection()
	}
}

// DirectMessage is an immutable message inside a Conversation.
// ReceiverID is derived server-side from the conversation.
type DirectMessage struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID string          `gorm:"size:64;index:idx_dm_conv_created,priority:1;not null" json:"conversationId"`
	SenderID       int64           `gorm:"index;not null" json:"senderId"`
	ReceiverID     int64           `gorm:"index;not null" json:"receiverId"`
	Content        string          `gorm:"type:text;not null" json:"content"`
	CreatedAt      time.Time       `gorm:"index:idx_dm_conv_created,priority:2;autoCreateTime" json:"createdAt"`
	Sender         *User           `gorm:"foreignKey:SenderID" json:"-"`
	SenderInfo     *UserProjection `gorm:"-" json:"sender,omitempty"`
}

// Expand copies the preloaded sender into its public projection.
func (m *DirectMessage) Expand() {
	if m.Sender != nil {
		m.SenderInfo = m.Sender.Projection()
	}
}
