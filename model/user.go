package model

import "time"

// User is a platform account. Profile fields are owned by the profile
// service; the messaging core only reads them.
type User struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string     `gorm:"uniqueIndex;size:32;not null" json:"username"`
	PasswordHash string     `gorm:"size:64;not null" json:"-"`
	DisplayName  string     `gorm:"size:64" json:"displayName"`
	AvatarURL    string     `gorm:"size:512" json:"avatarUrl"`
	Bio          string     `gorm:"type:text" json:"bio"`
	Status       int        `gorm:"default:1" json:"status"` // 0=banned 1=normal
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
	LastLoginIP  string     `gorm:"size:45" json:"-"`
}

const (
	UserStatusBanned = 0
	UserStatusNormal = 1
)

// UserProjection is the public author/sender shape embedded in messages.
type UserProjection struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
}

// Name returns the display name, falling back to the username.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// Projection returns the public projection of u.
func (u *User) Projection() *UserProjection {
	return &UserProjection{ID: u.ID, Name: u.Name(), AvatarURL: u.AvatarURL}
}
