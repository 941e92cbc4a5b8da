package posts

import (
	"time"

	"github.com/vacho/socially/internal/users"
)

// Post is a unit of authored content.
type Post struct {
	ID        string     `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	AuthorID  string     `gorm:"column:author_id;size:64;not null;index:idx_posts_author_created,priority:1" json:"authorId"`
	Content   string     `gorm:"column:content;type:text;not null" json:"content"`
	Image     *string    `gorm:"column:image;size:512" json:"image"`
	CreatedAt time.Time  `gorm:"column:created_at;not null;index:idx_posts_author_created,priority:2" json:"createdAt"`
	UpdatedAt time.Time  `gorm:"column:updated_at;not null" json:"updatedAt"`
	Author    users.User `gorm:"foreignKey:AuthorID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "posts"
}

// CreateRequest carries the input of a new post.
type CreateRequest struct {
	AuthorID string
	Content  string
	Image    *string
}
