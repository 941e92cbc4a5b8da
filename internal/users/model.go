package users

import (
	"strings"
	"time"
)

// User is the local account row for an identity-provider login. ExternalID is set once at creation and
// never changes; ID is generated locally.
type User struct {
	ID         string    `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	ExternalID string    `gorm:"column:external_id;size:190;not null;uniqueIndex:idx_users_external_id" json:"externalId"`
	Name       string    `gorm:"column:name;size:320;not null;default:''" json:"name"`
	Username   string    `gorm:"column:username;size:190;not null;index" json:"username"`
	Email      string    `gorm:"column:email;size:320;not null" json:"email"`
	Image      *string   `gorm:"column:image;size:512" json:"image"`
	CreatedAt  time.Time `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName exposes the table backing local users.
func (User) TableName() string {
	return "users"
}

// Counts annotates a user with relationship and authorship totals.
type Counts struct {
	Followers int64 `json:"followers"`
	Following int64 `json:"following"`
	Posts     int64 `json:"posts"`
}

// Profile is a user optionally annotated with counts.
type Profile struct {
	User
	Counts *Counts `json:"_count,omitempty"`
}

// Suggestion is the projection returned by the random sample query.
type Suggestion struct {
	ID        string  `gorm:"column:id" json:"id"`
	Name      string  `gorm:"column:name" json:"name"`
	Username  string  `gorm:"column:username" json:"username"`
	Image     *string `gorm:"column:image" json:"image"`
	Followers int64   `gorm:"column:followers" json:"followers"`
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
