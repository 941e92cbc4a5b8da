package users

import (
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/vacho/socially/internal/auth"
	"gorm.io/gorm"
)

// The users service reads follows and posts by table name only.
var relatedTables = []string{
	"CREATE TABLE follows (follower_id TEXT NOT NULL, following_id TEXT NOT NULL, created_at DATETIME NOT NULL, PRIMARY KEY (follower_id, following_id))",
	"CREATE TABLE posts (id TEXT PRIMARY KEY, author_id TEXT NOT NULL, content TEXT NOT NULL, image TEXT, created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL)",
}

type sequenceIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (g *sequenceIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	for _, statement := range relatedTables {
		if err := db.Exec(statement).Error; err != nil {
			t.Fatalf("failed to create related table: %v", err)
		}
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: &sequenceIDs{prefix: "usr"},
		Clock:      func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}
	return service, db
}

func testClaims(externalID, email string) auth.SessionClaims {
	return auth.SessionClaims{
		UserID:         externalID,
		GivenName:      "Jane",
		FamilyName:     "Doe",
		EmailAddresses: []string{email},
	}
}

func mustSync(t *testing.T, service *Service, claims auth.SessionClaims) User {
	t.Helper()
	user, err := service.Sync(t.Context(), claims)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	return user
}

func mustFollow(t *testing.T, db *gorm.DB, followerID, followingID string) {
	t.Helper()
	err := db.Exec("INSERT INTO follows (follower_id, following_id, created_at) VALUES (?, ?, ?)",
		followerID, followingID, time.Unix(1700000000, 0).UTC()).Error
	if err != nil {
		t.Fatalf("failed to seed follow: %v", err)
	}
}

func mustPost(t *testing.T, db *gorm.DB, postID, authorID string) {
	t.Helper()
	createdAt := time.Unix(1700000000, 0).UTC()
	err := db.Exec("INSERT INTO posts (id, author_id, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		postID, authorID, "hello", createdAt, createdAt).Error
	if err != nil {
		t.Fatalf("failed to seed post: %v", err)
	}
}
