package users

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vacho/socially/internal/auth"
	"github.com/vacho/socially/internal/ids"
	"github.com/vacho/socially/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RandomSampleSize bounds the "who to follow" sample.
const RandomSampleSize = 3

const (
	followsTable = "follows"
	postsTable   = "posts"
)

var (
	// ErrMissingSession indicates the caller presented no external identity.
	ErrMissingSession = errors.New("users: session has no external id")
	// ErrMissingEmail indicates the identity provider supplied no email address for a new user.
	ErrMissingEmail = errors.New("users: identity provider supplied no email address")
	// ErrMissingUserID indicates an empty internal identifier.
	ErrMissingUserID = errors.New("users: user id is required")
	// ErrNotFound indicates no local user matches the lookup.
	ErrNotFound = errors.New("users: not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

const (
	opServiceNew        = "users.service.new"
	opSync              = "users.sync"
	opFindByExternalID  = "users.find_by_external_id"
	opFindByID          = "users.find_by_id"
	opRandomSuggestions = "users.random_users"
)

// ServiceConfig describes the dependencies required for identity sync and directory queries.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service reconciles identity-provider accounts with local users and answers directory queries.
type Service struct {
	db     *gorm.DB
	ids    ids.Provider
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the users service.
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
		now:    clock,
		logger: logger,
	}, nil
}

// Sync ensures exactly one local user exists for the session's external identity and returns it.
// An existing row is returned untouched; profile changes at the provider are not copied over.
func (s *Service) Sync(ctx context.Context, claims auth.SessionClaims) (User, error) {
	externalID := claims.ExternalID()
	if externalID == "" {
		return User{}, ErrMissingSession
	}

	existing, err := s.takeByExternalID(ctx, externalID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opSync, "user_select_failed", err, zap.String("external_id", externalID))
		return User{}, serviceerr.New(opSync, "user_select_failed", err)
	}

	candidate, err := newUserFromClaims(claims)
	if err != nil {
		s.logError(opSync, "invalid_profile", err, zap.String("external_id", externalID))
		return User{}, err
	}
	candidate.ID, err = s.ids.NewID()
	if err != nil {
		s.logError(opSync, "id_generation_failed", err, zap.String("external_id", externalID))
		return User{}, serviceerr.New(opSync, "id_generation_failed", err)
	}
	createdAt := s.now().UTC()
	candidate.CreatedAt = createdAt
	candidate.UpdatedAt = createdAt

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_id"}}, DoNothing: true}).
		Create(&candidate)
	if result.Error != nil {
		s.logError(opSync, "user_insert_failed", result.Error, zap.String("external_id", externalID))
		return User{}, serviceerr.New(opSync, "user_insert_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		// A concurrent sync inserted the row first.
		winner, err := s.takeByExternalID(ctx, externalID)
		if err != nil {
			s.logError(opSync, "user_reload_failed", err, zap.String("external_id", externalID))
			return User{}, serviceerr.New(opSync, "user_reload_failed", err)
		}
		candidate = winner
	} else {
		s.logger.Info("user provisioned",
			zap.String("user_id", candidate.ID),
			zap.String("external_id", externalID))
	}

	return candidate, nil
}

// FindByExternalID returns the user for the external identity, with counts when requested.
func (s *Service) FindByExternalID(ctx context.Context, externalID string, withCounts bool) (Profile, error) {
	externalID = normalize(externalID)
	if externalID == "" {
		return Profile{}, ErrMissingSession
	}

	user, err := s.takeByExternalID(ctx, externalID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		s.logError(opFindByExternalID, "user_select_failed", err, zap.String("external_id", externalID))
		return Profile{}, serviceerr.New(opFindByExternalID, "user_select_failed", err)
	}

	profile := Profile{User: user}
	if withCounts {
		counts, err := s.countsFor(ctx, user.ID)
		if err != nil {
			s.logError(opFindByExternalID, "count_failed", err, zap.String("user_id", user.ID))
			return Profile{}, serviceerr.New(opFindByExternalID, "count_failed", err)
		}
		profile.Counts = &counts
	}
	return profile, nil
}

// ResolveUserID maps an external identity onto the internal user id.
func (s *Service) ResolveUserID(ctx context.Context, externalID string) (string, error) {
	externalID = normalize(externalID)
	if externalID == "" {
		return "", ErrMissingSession
	}
	profile, err := s.FindByExternalID(ctx, externalID, false)
	if err != nil {
		return "", err
	}
	return profile.ID, nil
}

// FindByID returns the user with the internal identifier.
func (s *Service) FindByID(ctx context.Context, userID string) (User, error) {
	userID = normalize(userID)
	if userID == "" {
		return User{}, ErrMissingUserID
	}
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		s.logError(opFindByID, "user_select_failed", err, zap.String("user_id", userID))
		return User{}, serviceerr.New(opFindByID, "user_select_failed", err)
	}
	return user, nil
}

// RandomUsers samples up to limit users the caller does not follow, excluding the caller. Selection is
// arbitrary and not stable across calls. A non-positive limit falls back to RandomSampleSize.
func (s *Service) RandomUsers(ctx context.Context, callerID string, limit int) ([]Suggestion, error) {
	callerID = normalize(callerID)
	if callerID == "" {
		return nil, ErrMissingUserID
	}
	if limit <= 0 {
		limit = RandomSampleSize
	}

	followed := s.db.Table(followsTable).Select("following_id").Where("follower_id = ?", callerID)
	suggestions := make([]Suggestion, 0, limit)
	err := s.db.WithContext(ctx).
		Model(&User{}).
		Select("users.id, users.name, users.username, users.image, "+
			"(SELECT COUNT(*) FROM "+followsTable+" WHERE "+followsTable+".following_id = users.id) AS followers").
		Where("users.id <> ?", callerID).
		Where("users.id NOT IN (?)", followed).
		Order("RANDOM()").
		Limit(limit).
		Scan(&suggestions).Error
	if err != nil {
		s.logError(opRandomSuggestions, "query_failed", err, zap.String("user_id", callerID))
		return nil, serviceerr.New(opRandomSuggestions, "query_failed", err)
	}
	if suggestions == nil {
		suggestions = []Suggestion{}
	}
	return suggestions, nil
}

func (s *Service) takeByExternalID(ctx context.Context, externalID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("external_id = ?", externalID).Take(&user).Error
	return user, err
}

func (s *Service) countsFor(ctx context.Context, userID string) (Counts, error) {
	var counts Counts
	db := s.db.WithContext(ctx)
	if err := db.Table(followsTable).Where("following_id = ?", userID).Count(&counts.Followers).Error; err != nil {
		return Counts{}, err
	}
	if err := db.Table(followsTable).Where("follower_id = ?", userID).Count(&counts.Following).Error; err != nil {
		return Counts{}, err
	}
	if err := db.Table(postsTable).Where("author_id = ?", userID).Count(&counts.Posts).Error; err != nil {
		return Counts{}, err
	}
	return counts, nil
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
	s.logger.Error("users service error", attrs...)
}

func newUserFromClaims(claims auth.SessionClaims) (User, error) {
	email := claims.PrimaryEmail()
	if email == "" {
		return User{}, ErrMissingEmail
	}
	user := User{
		ExternalID: claims.ExternalID(),
		Name:       displayName(claims.GivenName, claims.FamilyName),
		Username:   deriveUsername(claims.Username, email),
		Email:      email,
	}
	if image := normalize(claims.ImageURL); image != "" {
		user.Image = &image
	}
	return user, nil
}

func displayName(givenName, familyName string) string {
	return strings.TrimSpace(normalize(givenName) + " " + normalize(familyName))
}

// deriveUsername prefers the provider handle and otherwise uses the email local part.
func deriveUsername(handle, email string) string {
	if trimmed := normalize(handle); trimmed != "" {
		return trimmed
	}
	localPart, _, _ := strings.Cut(email, "@")
	return localPart
}
