package relations

import (
	"time"

	"github.com/vacho/socially/internal/users"
)

// NotificationType enumerates the triggers that produce notifications.
type NotificationType string

const (
	// NotificationTypeFollow is written when a user starts following another.
	NotificationTypeFollow NotificationType = "FOLLOW"
	// NotificationTypeLike is reserved for post likes.
	NotificationTypeLike NotificationType = "LIKE"
	// NotificationTypeComment is reserved for post comments.
	NotificationTypeComment NotificationType = "COMMENT"
)

// Follow is a directed edge from follower to followed user. The composite primary key allows at most
// one edge per ordered pair; both ends reference users and disappear with them.
type Follow struct {
	FollowerID  string     `gorm:"column:follower_id;primaryKey;size:64;not null;check:chk_follows_not_self,follower_id <> following_id" json:"followerId"`
	FollowingID string     `gorm:"column:following_id;primaryKey;size:64;not null;index" json:"followingId"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null" json:"createdAt"`
	Follower    users.User `gorm:"foreignKey:FollowerID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Following   users.User `gorm:"foreignKey:FollowingID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Follow) TableName() string {
	return "follows"
}

// Notification is an append-only record addressed to UserID about an action by CreatorID.
type Notification struct {
	ID        string           `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	Type      NotificationType `gorm:"column:type;size:32;not null" json:"type"`
	UserID    string           `gorm:"column:user_id;size:64;not null;index:idx_notifications_user_created,priority:1" json:"userId"`
	CreatorID string           `gorm:"column:creator_id;size:64;not null" json:"creatorId"`
	Read      bool             `gorm:"column:read;not null;default:false" json:"read"`
	CreatedAt time.Time        `gorm:"column:created_at;not null;index:idx_notifications_user_created,priority:2" json:"createdAt"`
	User      users.User       `gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Creator   users.User       `gorm:"foreignKey:CreatorID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// Transition names the state change a toggle applied.
type Transition string

const (
	// TransitionFollowed means the edge and its notification were created.
	TransitionFollowed Transition = "followed"
	// TransitionUnfollowed means the edge was removed.
	TransitionUnfollowed Transition = "unfollowed"
)

type pair struct {
	followerID  string
	followingID string
}
