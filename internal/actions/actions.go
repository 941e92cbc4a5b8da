// Package actions holds the entry points invoked by the presentation layer. Every action resolves the
// caller, performs one mutation or query, invalidates the home feed after a mutation, and folds all
// failures into a Result or Lookup. No error or panic crosses this boundary.
package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vacho/socially/internal/auth"
	"github.com/vacho/socially/internal/feed"
	"github.com/vacho/socially/internal/posts"
	"github.com/vacho/socially/internal/relations"
	"github.com/vacho/socially/internal/serviceerr"
	"github.com/vacho/socially/internal/users"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/vacho/socially/internal/actions"

var (
	errMissingUsersService     = errors.New("users service dependency required")
	errMissingPostsService     = errors.New("posts service dependency required")
	errMissingRelationsService = errors.New("relations service dependency required")
)

// Config wires the actions to their collaborators.
type Config struct {
	Users       *users.Service
	Posts       *posts.Service
	Relations   *relations.Service
	Invalidator feed.Invalidator
	Logger      *zap.Logger
	Tracer      trace.Tracer
}

// Actions exposes the server actions.
type Actions struct {
	users       *users.Service
	posts       *posts.Service
	relations   *relations.Service
	invalidator feed.Invalidator
	logger      *zap.Logger
	tracer      trace.Tracer
}

// New validates the configuration and constructs Actions.
func New(cfg Config) (*Actions, error) {
	if cfg.Users == nil {
		return nil, errMissingUsersService
	}
	if cfg.Posts == nil {
		return nil, errMissingPostsService
	}
	if cfg.Relations == nil {
		return nil, errMissingRelationsService
	}
	invalidator := cfg.Invalidator
	if invalidator == nil {
		invalidator = feed.Nop
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Actions{
		users:       cfg.Users,
		posts:       cfg.Posts,
		relations:   cfg.Relations,
		invalidator: invalidator,
		logger:      logger,
		tracer:      tracer,
	}, nil
}

// SyncUser provisions the local user for the session on first sight and returns it.
func (a *Actions) SyncUser(ctx context.Context, session auth.SessionClaims) (lookup Lookup[users.User]) {
	ctx, span := a.start(ctx, "SyncUser")
	defer span.End()
	defer recoverLookup(a, span, "sync_user", &lookup)

	if !session.Authenticated() {
		a.logger.Warn("no user found or user id is missing")
		return missing[users.User](StatusUnauthenticated, nil)
	}
	user, err := a.users.Sync(ctx, session)
	if err != nil {
		a.fail(span, "error syncing user", err, zap.String("external_id", session.ExternalID()))
		return missing[users.User](StatusFailed, err)
	}
	return found(user)
}

// GetUserByExternalID looks up a user by identity-provider id, annotated with counts.
func (a *Actions) GetUserByExternalID(ctx context.Context, externalID string) (lookup Lookup[users.Profile]) {
	ctx, span := a.start(ctx, "GetUserByExternalID")
	defer span.End()
	defer recoverLookup(a, span, "get_user_by_external_id", &lookup)

	profile, err := a.users.FindByExternalID(ctx, externalID, true)
	switch {
	case err == nil:
		return found(profile)
	case errors.Is(err, users.ErrNotFound), errors.Is(err, users.ErrMissingSession):
		return missing[users.Profile](StatusNotFound, nil)
	default:
		a.fail(span, "error fetching user", err, zap.String("external_id", externalID))
		return missing[users.Profile](StatusFailed, err)
	}
}

// GetDBUserID resolves the session to the internal user id.
func (a *Actions) GetDBUserID(ctx context.Context, session auth.SessionClaims) (lookup Lookup[string]) {
	ctx, span := a.start(ctx, "GetDBUserID")
	defer span.End()
	defer recoverLookup(a, span, "get_db_user_id", &lookup)

	userID, status, err := a.resolveCaller(ctx, span, session)
	if status != StatusFound {
		return missing[string](status, err)
	}
	return found(userID)
}

// GetRandomUsers samples up to three users the caller does not follow. An unresolvable caller yields
// an empty sample; only a store failure yields a nil value.
func (a *Actions) GetRandomUsers(ctx context.Context, session auth.SessionClaims) (lookup Lookup[[]users.Suggestion]) {
	ctx, span := a.start(ctx, "GetRandomUsers")
	defer span.End()
	defer recoverLookup(a, span, "get_random_users", &lookup)

	userID, status, err := a.resolveCaller(ctx, span, session)
	if status == StatusFailed {
		return missing[[]users.Suggestion](status, err)
	}
	if status != StatusFound {
		return Lookup[[]users.Suggestion]{Status: status, Value: []users.Suggestion{}}
	}

	suggestions, err := a.users.RandomUsers(ctx, userID, users.RandomSampleSize)
	if err != nil {
		a.fail(span, "error fetching random users", err, zap.String("user_id", userID))
		return missing[[]users.Suggestion](StatusFailed, err)
	}
	return found(suggestions)
}

// GetNotifications lists the caller's notifications, newest first.
func (a *Actions) GetNotifications(ctx context.Context, session auth.SessionClaims) (lookup Lookup[[]relations.Notification]) {
	ctx, span := a.start(ctx, "GetNotifications")
	defer span.End()
	defer recoverLookup(a, span, "get_notifications", &lookup)

	userID, status, err := a.resolveCaller(ctx, span, session)
	if status != StatusFound {
		return missing[[]relations.Notification](status, err)
	}
	notifications, err := a.relations.Notifications(ctx, userID, 0)
	if err != nil {
		a.fail(span, "error fetching notifications", err, zap.String("user_id", userID))
		return missing[[]relations.Notification](StatusFailed, err)
	}
	return found(notifications)
}

// IsFollowing reports whether the caller follows the target.
func (a *Actions) IsFollowing(ctx context.Context, session auth.SessionClaims, targetUserID string) (lookup Lookup[bool]) {
	targetUserID = strings.TrimSpace(targetUserID)
	ctx, span := a.start(ctx, "IsFollowing", attribute.String("target_user_id", targetUserID))
	defer span.End()
	defer recoverLookup(a, span, "is_following", &lookup)

	userID, status, err := a.resolveCaller(ctx, span, session)
	if status != StatusFound {
		return missing[bool](status, err)
	}
	if userID == targetUserID {
		return found(false)
	}
	following, err := a.relations.IsFollowing(ctx, userID, targetUserID)
	if err != nil {
		a.fail(span, "error checking follow state", err, zap.String("user_id", userID))
		return missing[bool](StatusFailed, err)
	}
	return found(following)
}

// CreatePost publishes content under the caller. It never inserts without a resolved author.
func (a *Actions) CreatePost(ctx context.Context, session auth.SessionClaims, content string, image *string) (result Result[posts.Post]) {
	ctx, span := a.start(ctx, "CreatePost")
	defer span.End()
	defer recoverResult(a, span, "create_post", &result)

	userID, status, err := a.resolveCaller(ctx, span, session)
	if status != StatusFound {
		return failed[posts.Post](reasonForStatus(status), "User not authenticated", err)
	}

	post, err := a.posts.Create(ctx, posts.CreateRequest{AuthorID: userID, Content: content, Image: image})
	if err != nil {
		switch {
		case errors.Is(err, posts.ErrEmptyContent):
			return failed[posts.Post](ReasonValidation, "Post content is required", err)
		case errors.Is(err, posts.ErrUnknownAuthor):
			return failed[posts.Post](ReasonNotFound, "User not found", err)
		}
		a.fail(span, "error creating post", err, zap.String("user_id", userID))
		return failed[posts.Post](ReasonFailed, "Failed to create post", err)
	}

	a.invalidateHome(ctx)
	return succeeded(post, "")
}

// ToggleFollow follows the target if the caller does not follow them yet, and unfollows otherwise.
func (a *Actions) ToggleFollow(ctx context.Context, session auth.SessionClaims, targetUserID string) (result Result[relations.Transition]) {
	targetUserID = strings.TrimSpace(targetUserID)
	ctx, span := a.start(ctx, "ToggleFollow", attribute.String("target_user_id", targetUserID))
	defer span.End()
	defer recoverResult(a, span, "toggle_follow", &result)

	return a.applyFollow(ctx, span, session, targetUserID, func(userID string) (relations.Transition, error) {
		return a.relations.Toggle(ctx, userID, targetUserID)
	})
}

// Follow creates the follow edge; it fails with a conflict if the edge already exists.
func (a *Actions) Follow(ctx context.Context, session auth.SessionClaims, targetUserID string) (result Result[relations.Transition]) {
	targetUserID = strings.TrimSpace(targetUserID)
	ctx, span := a.start(ctx, "Follow", attribute.String("target_user_id", targetUserID))
	defer span.End()
	defer recoverResult(a, span, "follow", &result)

	return a.applyFollow(ctx, span, session, targetUserID, func(userID string) (relations.Transition, error) {
		if err := a.relations.Follow(ctx, userID, targetUserID); err != nil {
			return "", err
		}
		return relations.TransitionFollowed, nil
	})
}

// Unfollow removes the follow edge; it fails with a conflict if there is none.
func (a *Actions) Unfollow(ctx context.Context, session auth.SessionClaims, targetUserID string) (result Result[relations.Transition]) {
	targetUserID = strings.TrimSpace(targetUserID)
	ctx, span := a.start(ctx, "Unfollow", attribute.String("target_user_id", targetUserID))
	defer span.End()
	defer recoverResult(a, span, "unfollow", &result)

	return a.applyFollow(ctx, span, session, targetUserID, func(userID string) (relations.Transition, error) {
		if err := a.relations.Unfollow(ctx, userID, targetUserID); err != nil {
			return "", err
		}
		return relations.TransitionUnfollowed, nil
	})
}

func (a *Actions) applyFollow(
	ctx context.Context,
	span trace.Span,
	session auth.SessionClaims,
	targetUserID string,
	apply func(userID string) (relations.Transition, error),
) Result[relations.Transition] {
	userID, status, err := a.resolveCaller(ctx, span, session)
	if status != StatusFound {
		return failed[relations.Transition](reasonForStatus(status), "User not authenticated", err)
	}

	transition, err := apply(userID)
	if err != nil {
		reason, message := classifyFollowError(err)
		if reason == ReasonFailed {
			a.fail(span, "error toggling follow", err,
				zap.String("user_id", userID),
				zap.String("target_user_id", targetUserID))
		} else {
			a.logger.Info("follow change rejected",
				zap.String("user_id", userID),
				zap.String("target_user_id", targetUserID),
				zap.String("code", serviceerr.CodeOf(err)))
		}
		return failed[relations.Transition](reason, message, err)
	}

	a.invalidateHome(ctx)
	return succeeded(transition, "")
}

func classifyFollowError(err error) (Reason, string) {
	switch {
	case errors.Is(err, relations.ErrSelfFollow):
		return ReasonValidation, "You cannot follow yourself"
	case errors.Is(err, relations.ErrMissingUserID):
		return ReasonValidation, "Target user is required"
	case errors.Is(err, relations.ErrUnknownUser):
		return ReasonNotFound, "User not found"
	case errors.Is(err, relations.ErrAlreadyFollowing):
		return ReasonConflict, "Already following"
	case errors.Is(err, relations.ErrNotFollowing):
		return ReasonConflict, "Not following"
	case errors.Is(err, relations.ErrConcurrentChange):
		return ReasonConflict, "Follow state changed, try again"
	default:
		return ReasonFailed, "Error toggling follow"
	}
}

// resolveCaller maps the session onto the internal user id.
func (a *Actions) resolveCaller(ctx context.Context, span trace.Span, session auth.SessionClaims) (string, Status, error) {
	if !session.Authenticated() {
		return "", StatusUnauthenticated, nil
	}
	userID, err := a.users.ResolveUserID(ctx, session.ExternalID())
	switch {
	case err == nil:
		return userID, StatusFound, nil
	case errors.Is(err, users.ErrNotFound):
		a.logger.Warn("user not found", zap.String("external_id", session.ExternalID()))
		return "", StatusNotFound, nil
	default:
		a.fail(span, "error resolving user", err, zap.String("external_id", session.ExternalID()))
		return "", StatusFailed, err
	}
}

func (a *Actions) invalidateHome(ctx context.Context) {
	if err := a.invalidator.Invalidate(ctx, feed.HomePath); err != nil {
		a.logger.Warn("feed invalidation failed", zap.String("path", feed.HomePath), zap.Error(err))
	}
}

func (a *Actions) start(ctx context.Context, name string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return a.tracer.Start(ctx, "actions."+name, trace.WithAttributes(attributes...))
}

func (a *Actions) fail(span trace.Span, message string, err error, fields ...zap.Field) {
	span.RecordError(err)
	span.SetStatus(codes.Error, message)
	fields = append(fields, zap.Error(err))
	if code := serviceerr.CodeOf(err); code != "" {
		fields = append(fields, zap.String("code", code))
	}
	a.logger.Error(message, fields...)
}

func reasonForStatus(status Status) Reason {
	switch status {
	case StatusUnauthenticated:
		return ReasonUnauthenticated
	case StatusNotFound:
		return ReasonNotFound
	default:
		return ReasonFailed
	}
}

func recoverResult[T any](a *Actions, span trace.Span, operation string, result *Result[T]) {
	if recovered := recover(); recovered != nil {
		err := fmt.Errorf("panic in %s: %v", operation, recovered)
		a.fail(span, "action panicked", err, zap.String("operation", operation))
		*result = failed[T](ReasonFailed, "Unexpected error", err)
	}
}

func recoverLookup[T any](a *Actions, span trace.Span, operation string, lookup *Lookup[T]) {
	if recovered := recover(); recovered != nil {
		err := fmt.Errorf("panic in %s: %v", operation, recovered)
		a.fail(span, "action panicked", err, zap.String("operation", operation))
		*lookup = missing[T](StatusFailed, err)
	}
}
