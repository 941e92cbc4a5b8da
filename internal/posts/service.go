package posts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vacho/socially/internal/ids"
	"github.com/vacho/socially/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	usersTable       = "users"
	defaultListLimit = 20
)

var (
	// ErrMissingAuthor indicates the post has no resolved author.
	ErrMissingAuthor = errors.New("posts: author is required")
	// ErrUnknownAuthor indicates the author id matches no user.
	ErrUnknownAuthor = errors.New("posts: author does not exist")
	// ErrEmptyContent indicates the post has no text.
	ErrEmptyContent = errors.New("posts: content is required")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

const (
	opServiceNew   = "posts.service.new"
	opCreate       = "posts.create"
	opListByAuthor = "posts.list_by_author"
)

// ServiceConfig describes the dependencies of the posts service.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service persists posts.
type Service struct {
	db     *gorm.DB
	ids    ids.Provider
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the posts service.
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

// Create inserts a post for an existing author.
func (s *Service) Create(ctx context.Context, request CreateRequest) (Post, error) {
	authorID := strings.TrimSpace(request.AuthorID)
	if authorID == "" {
		return Post{}, serviceerr.New(opCreate, "missing_author", ErrMissingAuthor)
	}
	content := strings.TrimSpace(request.Content)
	if content == "" {
		return Post{}, serviceerr.New(opCreate, "empty_content", ErrEmptyContent)
	}

	postID, err := s.ids.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String("author_id", authorID))
		return Post{}, serviceerr.New(opCreate, "id_generation_failed", err)
	}
	createdAt := s.clock().UTC()
	post := Post{
		ID:        postID,
		AuthorID:  authorID,
		Content:   content,
		Image:     normalizeImage(request.Image),
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var authors int64
		if err := tx.Table(usersTable).Where("id = ?", authorID).Count(&authors).Error; err != nil {
			s.logError(opCreate, "author_select_failed", err, zap.String("author_id", authorID))
			return serviceerr.New(opCreate, "author_select_failed", err)
		}
		if authors == 0 {
			return serviceerr.New(opCreate, "unknown_author", ErrUnknownAuthor)
		}
		if err := tx.Omit(clause.Associations).Create(&post).Error; err != nil {
			s.logError(opCreate, "post_insert_failed", err, zap.String("author_id", authorID))
			return serviceerr.New(opCreate, "post_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Post{}, txErr
	}
	return post, nil
}

// ListByAuthor returns the author's newest posts.
func (s *Service) ListByAuthor(ctx context.Context, authorID string, limit int) ([]Post, error) {
	authorID = strings.TrimSpace(authorID)
	if authorID == "" {
		return nil, serviceerr.New(opListByAuthor, "missing_author", ErrMissingAuthor)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	posts := make([]Post, 0)
	err := s.db.WithContext(ctx).
		Where("author_id = ?", authorID).
		Order("created_at DESC").
		Limit(limit).
		Find(&posts).Error
	if err != nil {
		s.logError(opListByAuthor, "query_failed", err, zap.String("author_id", authorID))
		return nil, serviceerr.New(opListByAuthor, "query_failed", err)
	}
	return posts, nil
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
	s.logger.Error("posts service error", attrs...)
}

func normalizeImage(image *string) *string {
	if image == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*image)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
