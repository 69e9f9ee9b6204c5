package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shelfmates/server/cache"
	"github.com/shelfmates/server/config"
	dbadapter "github.com/shelfmates/server/db"
	"github.com/shelfmates/server/model"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// TestPassword is the plaintext password of every user created by SeedUser.
const TestPassword = "pass1234"

// SetupTestDB creates a private in-memory SQLite database and runs AutoMigrate.
// Each call gets its own database, so tests may run in parallel.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := dbadapter.Open(config.DatabaseConfig{
		Mode:       dbadapter.ModeSQLite,
		SQLitePath: fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	t.Cleanup(func() { _ = dbadapter.Close(db) })
	return db
}

// SetupTestCache creates LocalCache and LocalPubSub (no Redis required).
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	cfg := config.CacheConfig{} // empty RedisAddr → LocalCache
	c, err := cache.NewCache(cfg)
	require.NoError(t, err, "SetupTestCache: NewCache")
	ps, err := cache.NewPubSub(cfg)
	require.NoError(t, err, "SetupTestCache: NewPubSub")
	return c, ps
}

var passwordHash = func() string {
	h, err := bcrypt.GenerateFromPassword([]byte(TestPassword), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return string(h)
}()

// SeedUser inserts a user whose password is TestPassword.
func SeedUser(t *testing.T, db *gorm.DB, username string) *model.User {
	t.Helper()
	u := &model.User{
		Username:     username,
		PasswordHash: passwordHash,
		DisplayName:  username,
		Status:       model.UserStatusNormal,
	}
	require.NoError(t, db.Create(u).Error, "SeedUser")
	return u
}

// SeedFriendship inserts a friendship row requester→recipient with status.
func SeedFriendship(t *testing.T, db *gorm.DB, requesterID, recipientID int64, status string) {
	t.Helper()
	require.NoError(t, db.Create(&model.Friendship{
		RequesterID: requesterID,
		RecipientID: recipientID,
		Status:      status,
	}).Error, "SeedFriendship")
}

// SeedClub creates a club and adds the given users as members.
func SeedClub(t *testing.T, db *gorm.DB, name string, memberIDs ...int64) *model.Club {
	t.Helper()
	club := &model.Club{Name: name}
	require.NoError(t, db.Create(club).Error, "SeedClub")
	for _, uid := range memberIDs {
		SeedMembership(t, db, club.ID, uid)
	}
	return club
}

// SeedMembership adds userID to clubID as a plain member.
func SeedMembership(t *testing.T, db *gorm.DB, clubID, userID int64) {
	t.Helper()
	require.NoError(t, db.Create(&model.ClubMembership{
		ClubID: clubID,
		UserID: userID,
		Role:   model.ClubRoleMember,
	}).Error, "SeedMembership")
}

// SeedClubMessage inserts a club message with an explicit creation time.
func SeedClubMessage(t *testing.T, db *gorm.DB, clubID, userID int64, content string, at time.Time) *model.ClubMessage {
	t.Helper()
	m := &model.ClubMessage{ClubID: clubID, UserID: userID, Content: content, CreatedAt: at.UTC()}
	require.NoError(t, db.Create(m).Error, "SeedClubMessage")
	return m
}
