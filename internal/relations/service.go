package relations

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/vacho/socially/internal/ids"
	"github.com/vacho/socially/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	usersTable               = "users"
	defaultNotificationLimit = 50
)

var (
	// ErrSelfFollow rejects a follower following themselves.
	ErrSelfFollow = errors.New("relations: users cannot follow themselves")
	// ErrMissingUserID indicates an empty follower or target identifier.
	ErrMissingUserID = errors.New("relations: user id is required")
	// ErrUnknownUser indicates the follower or the target does not exist.
	ErrUnknownUser = errors.New("relations: user does not exist")
	// ErrAlreadyFollowing indicates the edge exists.
	ErrAlreadyFollowing = errors.New("relations: already following")
	// ErrNotFollowing indicates the edge does not exist.
	ErrNotFollowing = errors.New("relations: not following")
	// ErrConcurrentChange indicates a concurrent request changed the edge between our two statements.
	ErrConcurrentChange = errors.New("relations: relationship changed concurrently")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

const (
	opServiceNew     = "relations.service.new"
	opToggle         = "relations.toggle"
	opFollow         = "relations.follow"
	opUnfollow       = "relations.unfollow"
	opIsFollowing    = "relations.is_following"
	opNotifications  = "relations.notifications"
	reasonValidation = "invalid_pair"
)

// ServiceConfig describes the dependencies of the relations service.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service applies follow state transitions. Every transition is a conditional write evaluated inside
// one transaction, so the store's primary key on (follower_id, following_id) arbitrates races.
type Service struct {
	db     *gorm.DB
	ids    ids.Provider
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the relations service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, serviceerr.New(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		ids:    cfg.IDProvider,
		clock:  clock,
		logger: logger,
	}, nil
}

// Toggle flips the follow state of the ordered pair. An existing edge is deleted; otherwise the edge and
// a FOLLOW notification for the followed user are inserted together.
func (s *Service) Toggle(ctx context.Context, followerID, followingID string) (Transition, error) {
	edge, err := newPair(followerID, followingID)
	if err != nil {
		return "", serviceerr.New(opToggle, reasonValidation, err)
	}

	var transition Transition
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		removed, err := s.deleteEdge(tx, opToggle, edge)
		if err != nil {
			return err
		}
		if removed {
			transition = TransitionUnfollowed
			return nil
		}
		if err := s.insertEdge(tx, opToggle, edge); err != nil {
			if errors.Is(err, ErrAlreadyFollowing) {
				// The delete saw no edge, yet the insert collided: another request followed in between.
				return serviceerr.New(opToggle, "concurrent_change", ErrConcurrentChange)
			}
			return err
		}
		transition = TransitionFollowed
		return nil
	})
	if txErr != nil {
		return "", txErr
	}

	s.logger.Debug("follow toggled",
		zap.String("follower_id", edge.followerID),
		zap.String("following_id", edge.followingID),
		zap.String("transition", string(transition)))
	return transition, nil
}

// Follow creates the edge and its notification, failing with ErrAlreadyFollowing when it exists.
func (s *Service) Follow(ctx context.Context, followerID, followingID string) error {
	edge, err := newPair(followerID, followingID)
	if err != nil {
		return serviceerr.New(opFollow, reasonValidation, err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.insertEdge(tx, opFollow, edge)
	})
}

// Unfollow removes the edge, failing with ErrNotFollowing when it does not exist.
func (s *Service) Unfollow(ctx context.Context, followerID, followingID string) error {
	edge, err := newPair(followerID, followingID)
	if err != nil {
		return serviceerr.New(opUnfollow, reasonValidation, err)
	}
	removed, err := s.deleteEdge(s.db.WithContext(ctx), opUnfollow, edge)
	if err != nil {
		return err
	}
	if !removed {
		return serviceerr.New(opUnfollow, "edge_missing", ErrNotFollowing)
	}
	return nil
}

// IsFollowing reports whether the edge exists.
func (s *Service) IsFollowing(ctx context.Context, followerID, followingID string) (bool, error) {
	edge, err := newPair(followerID, followingID)
	if err != nil {
		return false, serviceerr.New(opIsFollowing, reasonValidation, err)
	}
	var count int64
	err = s.db.WithContext(ctx).
		Model(&Follow{}).
		Where("follower_id = ? AND following_id = ?", edge.followerID, edge.followingID).
		Count(&count).Error
	if err != nil {
		s.logError(opIsFollowing, "query_failed", err, edge.fields()...)
		return false, serviceerr.New(opIsFollowing, "query_failed", err)
	}
	return count > 0, nil
}

// Notifications lists the newest notifications addressed to userID.
func (s *Service) Notifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, serviceerr.New(opNotifications, "missing_user_id", ErrMissingUserID)
	}
	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	notifications := make([]Notification, 0)
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&notifications).Error
	if err != nil {
		s.logError(opNotifications, "query_failed", err, zap.String("user_id", userID))
		return nil, serviceerr.New(opNotifications, "query_failed", err)
	}
	return notifications, nil
}

func (s *Service) deleteEdge(db *gorm.DB, operation string, edge pair) (bool, error) {
	result := db.
		Where("follower_id = ? AND following_id = ?", edge.followerID, edge.followingID).
		Delete(&Follow{})
	if result.Error != nil {
		s.logError(operation, "follow_delete_failed", result.Error, edge.fields()...)
		return false, serviceerr.New(operation, "follow_delete_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// insertEdge must run inside a transaction so the edge and notification commit together.
func (s *Service) insertEdge(tx *gorm.DB, operation string, edge pair) error {
	var existing []string
	err := tx.Table(usersTable).
		Where("id IN ?", []string{edge.followerID, edge.followingID}).
		Pluck("id", &existing).Error
	if err != nil {
		s.logError(operation, "user_select_failed", err, edge.fields()...)
		return serviceerr.New(operation, "user_select_failed", err)
	}
	if !slices.Contains(existing, edge.followerID) {
		return serviceerr.New(operation, "unknown_follower", ErrUnknownUser)
	}
	if !slices.Contains(existing, edge.followingID) {
		return serviceerr.New(operation, "unknown_target", ErrUnknownUser)
	}

	createdAt := s.clock().UTC()
	follow := Follow{
		FollowerID:  edge.followerID,
		FollowingID: edge.followingID,
		CreatedAt:   createdAt,
	}
	result := tx.Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(&follow)
	if result.Error != nil {
		s.logError(operation, "follow_insert_failed", result.Error, edge.fields()...)
		return serviceerr.New(operation, "follow_insert_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return serviceerr.New(operation, "edge_exists", ErrAlreadyFollowing)
	}

	notificationID, err := s.ids.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err, edge.fields()...)
		return serviceerr.New(operation, "id_generation_failed", err)
	}
	notification := Notification{
		ID:        notificationID,
		Type:      NotificationTypeFollow,
		UserID:    edge.followingID,
		CreatorID: edge.followerID,
		CreatedAt: createdAt,
	}
	if err := tx.Omit(clause.Associations).Create(&notification).Error; err != nil {
		s.logError(operation, "notification_insert_failed", err, edge.fields()...)
		return serviceerr.New(operation, "notification_insert_failed", err)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("relations service error", attrs...)
}

func newPair(followerID, followingID string) (pair, error) {
	edge := pair{
		followerID:  strings.TrimSpace(followerID),
		followingID: strings.TrimSpace(followingID),
	}
	if edge.followerID == "" || edge.followingID == "" {
		return pair{}, ErrMissingUserID
	}
	if edge.followerID == edge.followingID {
		return pair{}, ErrSelfFollow
	}
	return edge, nil
}

func (p pair) fields() []zap.Field {
	return []zap.Field{
		zap.String("follower_id", p.followerID),
		zap.String("following_id", p.followingID),
	}
}
