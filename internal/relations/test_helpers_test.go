package relations

import (
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/vacho/socially/internal/users"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (g *sequenceIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("ntf-%d", g.next), nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:relations_test_%d?mode=memory&cache=shared&_pragma=foreign_keys(1)", time.Now().UnixNano())
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

	if err := db.AutoMigrate(&users.User{}, &Follow{}, &Notification{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: &sequenceIDs{},
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct relations service: %v", err)
	}
	return service, db
}

func seedUsers(t *testing.T, db *gorm.DB, userIDs ...string) {
	t.Helper()
	for _, userID := range userIDs {
		user := users.User{
			ID:         userID,
			ExternalID: "ext_" + userID,
			Username:   userID,
			Email:      userID + "@example.com",
		}
		if err := db.Create(&user).Error; err != nil {
			t.Fatalf("failed to seed user %s: %v", userID, err)
		}
	}
}

func countRows(t *testing.T, db *gorm.DB, model any, query string, args ...any) int64 {
	t.Helper()
	var count int64
	scope := db.Model(model)
	if query != "" {
		scope = scope.Where(query, args...)
	}
	if err := scope.Count(&count).Error; err != nil {
		t.Fatalf("failed to count %T: %v", model, err)
	}
	return count
}
