package model

import "time"

// Club is a book club. CRUD lives outside the messaging core.
type Club struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"size:128;not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

const (
	ClubRoleOwner  = "owner"
	ClubRoleAdmin  = "admin"
	ClubRoleMember = "member"
)

// ClubMembership authorizes a user to read and write a club's chat.
type ClubMembership struct {
	ClubID   int64     `gorm:"primaryKey;autoIncrement:false" json:"clubId"`
	UserID   int64     `gorm:"primaryKey;autoIncrement:false;index" json:"userId"`
	Role     string    `gorm:"size:16;not null;default:member" json:"role"`
	JoinedAt time.Time `gorm:"autoCreateTime" json:"joinedAt"`
}
