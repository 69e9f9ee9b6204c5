package store

import (
	"context"

	"github.com/shelfmates/server/model"
	"gorm.io/gorm"
)

// Identity implements IdentityStore over users, friendships and club memberships.
type Identity struct {
	db *gorm.DB
}

// NewIdentity creates an Identity store.
func NewIdentity(db *gorm.DB) *Identity {
	return &Identity{db: db}
}

func (s *Identity) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *Identity) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// AreFriends reports an ACCEPTED friendship stored in either direction.
func (s *Identity) AreFriends(ctx context.Context, a, b int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Friendship{}).
		Where("((requester_id = ? AND recipient_id = ?) OR (requester_id = ? AND recipient_id = ?)) AND status = ?",
			a, b, b, a, model.FriendshipAccepted).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Identity) IsClubMember(ctx context.Context, clubID, userID int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.ClubMembership{}).
		Where("club_id = ? AND user_id = ?", clubID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Identity) GetClub(ctx context.Context, id int64) (*model.Club, error) {
	var c model.Club
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}
