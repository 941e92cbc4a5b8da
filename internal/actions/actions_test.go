package actions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/vacho/socially/internal/auth"
	"github.com/vacho/socially/internal/database"
	"github.com/vacho/socially/internal/feed"
	"github.com/vacho/socially/internal/ids"
	"github.com/vacho/socially/internal/posts"
	"github.com/vacho/socially/internal/relations"
	"github.com/vacho/socially/internal/users"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type recordingInvalidator struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (r *recordingInvalidator) Invalidate(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	return r.err
}

func (r *recordingInvalidator) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

type harness struct {
	actions     *Actions
	db          *gorm.DB
	invalidator *recordingInvalidator
	logs        *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:actions_test_%d?mode=memory&cache=shared&_pragma=foreign_keys(1)", time.Now().UnixNano())
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
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	idProvider := ids.NewUUIDProvider()

	usersService, err := users.NewService(users.ServiceConfig{Database: db, IDProvider: idProvider, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	postsService, err := posts.NewService(posts.ServiceConfig{Database: db, IDProvider: idProvider, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build posts service: %v", err)
	}
	relationsService, err := relations.NewService(relations.ServiceConfig{Database: db, IDProvider: idProvider, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build relations service: %v", err)
	}

	invalidator := &recordingInvalidator{}
	actions, err := New(Config{
		Users:       usersService,
		Posts:       postsService,
		Relations:   relationsService,
		Invalidator: invalidator,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to build actions: %v", err)
	}
	return &harness{actions: actions, db: db, invalidator: invalidator, logs: logs}
}

func sessionFor(externalID string) auth.SessionClaims {
	return auth.SessionClaims{
		UserID:         externalID,
		GivenName:      "Test",
		FamilyName:     externalID,
		EmailAddresses: []string{externalID + "@example.com"},
	}
}

func (h *harness) mustSync(t *testing.T, claims auth.SessionClaims) users.User {
	t.Helper()
	lookup := h.actions.SyncUser(t.Context(), claims)
	if !lookup.Found() {
		t.Fatalf("sync failed: %s %s", lookup.Status, lookup.Error)
	}
	return lookup.Value
}

func (h *harness) count(t *testing.T, model any) int64 {
	t.Helper()
	var count int64
	if err := h.db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count %T: %v", model, err)
	}
	return count
}

func TestNewRequiresServices(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, errMissingUsersService) {
		t.Fatalf("expected missing users service, got %v", err)
	}
}

func TestSyncUserWithoutSessionReportsUnauthenticated(t *testing.T) {
	h := newHarness(t)

	lookup := h.actions.SyncUser(t.Context(), auth.SessionClaims{})
	if lookup.Status != StatusUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", lookup.Status)
	}
	if h.count(t, &users.User{}) != 0 {
		t.Fatalf("expected no users")
	}
}

func TestSyncUserIsIdempotent(t *testing.T) {
	h := newHarness(t)
	claims := sessionFor("user_jane")
	claims.Username = ""
	claims.EmailAddresses = []string{"jane.doe@example.com"}

	first := h.mustSync(t, claims)
	second := h.mustSync(t, claims)

	if first.ID != second.ID {
		t.Fatalf("expected stable id, got %q and %q", first.ID, second.ID)
	}
	if first.Username != "jane.doe" {
		t.Fatalf("expected derived username, got %q", first.Username)
	}
	if h.count(t, &users.User{}) != 1 {
		t.Fatalf("expected one user row")
	}
}

func TestSyncUserReportsMissingEmailAsFailure(t *testing.T) {
	h := newHarness(t)

	lookup := h.actions.SyncUser(t.Context(), auth.SessionClaims{UserID: "user_noemail"})
	if lookup.Status != StatusFailed || lookup.Error == "" {
		t.Fatalf("expected failed lookup with error, got %#v", lookup)
	}
}

func TestGetDBUserIDDistinguishesOutcomes(t *testing.T) {
	h := newHarness(t)

	if lookup := h.actions.GetDBUserID(t.Context(), auth.SessionClaims{}); lookup.Status != StatusUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", lookup.Status)
	}
	if lookup := h.actions.GetDBUserID(t.Context(), sessionFor("user_unsynced")); lookup.Status != StatusNotFound {
		t.Fatalf("expected not found, got %s", lookup.Status)
	}

	user := h.mustSync(t, sessionFor("user_synced"))
	lookup := h.actions.GetDBUserID(t.Context(), sessionFor("user_synced"))
	if !lookup.Found() || lookup.Value != user.ID {
		t.Fatalf("expected %q, got %#v", user.ID, lookup)
	}
}

func TestGetUserByExternalIDIncludesCounts(t *testing.T) {
	h := newHarness(t)
	jane := h.mustSync(t, sessionFor("user_jane"))
	h.mustSync(t, sessionFor("user_john"))

	if result := h.actions.ToggleFollow(t.Context(), sessionFor("user_john"), jane.ID); !result.Success {
		t.Fatalf("follow failed: %#v", result)
	}
	if result := h.actions.CreatePost(t.Context(), sessionFor("user_jane"), "hi", nil); !result.Success {
		t.Fatalf("post failed: %#v", result)
	}

	lookup := h.actions.GetUserByExternalID(t.Context(), "user_jane")
	if !lookup.Found() {
		t.Fatalf("expected user, got %#v", lookup)
	}
	counts := lookup.Value.Counts
	if counts == nil || counts.Followers != 1 || counts.Following != 0 || counts.Posts != 1 {
		t.Fatalf("unexpected counts %#v", counts)
	}

	if missing := h.actions.GetUserByExternalID(t.Context(), "user_ghost"); missing.Status != StatusNotFound {
		t.Fatalf("expected not found, got %s", missing.Status)
	}
}

func TestCreatePostFailsClosedForUnresolvedCaller(t *testing.T) {
	h := newHarness(t)

	result := h.actions.CreatePost(t.Context(), sessionFor("user_unsynced"), "hello", nil)
	if result.Success {
		t.Fatalf("expected failure")
	}
	if result.Reason != ReasonNotFound || result.Message != "User not authenticated" {
		t.Fatalf("unexpected failure %#v", result)
	}
	anonymous := h.actions.CreatePost(t.Context(), auth.SessionClaims{}, "hello", nil)
	if anonymous.Success || anonymous.Reason != ReasonUnauthenticated {
		t.Fatalf("unexpected anonymous result %#v", anonymous)
	}
	if h.count(t, &posts.Post{}) != 0 {
		t.Fatalf("expected no posts")
	}
	if len(h.invalidator.calls()) != 0 {
		t.Fatalf("expected no invalidation for a failed action")
	}
}

func TestCreatePostInvalidatesHomeFeed(t *testing.T) {
	h := newHarness(t)
	author := h.mustSync(t, sessionFor("user_author"))
	image := "https://img.example.com/a.png"

	result := h.actions.CreatePost(t.Context(), sessionFor("user_author"), "first post", &image)
	if !result.Success || result.Data == nil {
		t.Fatalf("expected success, got %#v", result)
	}
	if result.Data.AuthorID != author.ID {
		t.Fatalf("expected author %q, got %q", author.ID, result.Data.AuthorID)
	}
	calls := h.invalidator.calls()
	if len(calls) != 1 || calls[0] != feed.HomePath {
		t.Fatalf("expected one home invalidation, got %v", calls)
	}
}

func TestCreatePostRejectsEmptyContent(t *testing.T) {
	h := newHarness(t)
	h.mustSync(t, sessionFor("user_author"))

	result := h.actions.CreatePost(t.Context(), sessionFor("user_author"), "   ", nil)
	if result.Success || result.Reason != ReasonValidation {
		t.Fatalf("expected validation failure, got %#v", result)
	}
}

func TestToggleFollowRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.mustSync(t, sessionFor("user_alice"))
	bob := h.mustSync(t, sessionFor("user_bob"))

	first := h.actions.ToggleFollow(t.Context(), sessionFor("user_alice"), bob.ID)
	if !first.Success || first.Data == nil || *first.Data != relations.TransitionFollowed {
		t.Fatalf("expected followed, got %#v", first)
	}
	if h.count(t, &relations.Follow{}) != 1 || h.count(t, &relations.Notification{}) != 1 {
		t.Fatalf("expected one follow and one notification")
	}

	following := h.actions.IsFollowing(t.Context(), sessionFor("user_alice"), bob.ID)
	if !following.Found() || !following.Value {
		t.Fatalf("expected follow state true, got %#v", following)
	}

	second := h.actions.ToggleFollow(t.Context(), sessionFor("user_alice"), bob.ID)
	if !second.Success || *second.Data != relations.TransitionUnfollowed {
		t.Fatalf("expected unfollowed, got %#v", second)
	}
	if h.count(t, &relations.Follow{}) != 0 {
		t.Fatalf("expected the edge to be removed")
	}
	if calls := h.invalidator.calls(); len(calls) != 2 {
		t.Fatalf("expected two invalidations, got %v", calls)
	}

	notifications := h.actions.GetNotifications(t.Context(), sessionFor("user_bob"))
	if !notifications.Found() || len(notifications.Value) != 1 {
		t.Fatalf("expected one notification for bob, got %#v", notifications)
	}
}

func TestToggleFollowSelfIsStructuredFailure(t *testing.T) {
	h := newHarness(t)
	alice := h.mustSync(t, sessionFor("user_alice"))

	result := h.actions.ToggleFollow(t.Context(), sessionFor("user_alice"), alice.ID)
	if result.Success {
		t.Fatalf("expected failure")
	}
	if result.Reason != ReasonValidation || result.Error == "" {
		t.Fatalf("unexpected failure %#v", result)
	}
	if h.count(t, &relations.Follow{}) != 0 || h.count(t, &relations.Notification{}) != 0 {
		t.Fatalf("expected no rows after a self follow")
	}
	if len(h.invalidator.calls()) != 0 {
		t.Fatalf("expected no invalidation")
	}
}

func TestFollowActionsTrimTargetID(t *testing.T) {
	h := newHarness(t)
	alice := h.mustSync(t, sessionFor("user_alice"))
	bob := h.mustSync(t, sessionFor("user_bob"))

	self := h.actions.IsFollowing(t.Context(), sessionFor("user_alice"), " "+alice.ID+"\t")
	if !self.Found() || self.Value {
		t.Fatalf("expected padded self id to report not following, got %#v", self)
	}
	selfToggle := h.actions.ToggleFollow(t.Context(), sessionFor("user_alice"), " "+alice.ID+" ")
	if selfToggle.Success || selfToggle.Reason != ReasonValidation {
		t.Fatalf("expected padded self id to be rejected as validation, got %#v", selfToggle)
	}

	followed := h.actions.Follow(t.Context(), sessionFor("user_alice"), "  "+bob.ID)
	if !followed.Success {
		t.Fatalf("expected padded target to be followed, got %#v", followed)
	}
	state := h.actions.IsFollowing(t.Context(), sessionFor("user_alice"), bob.ID+"  ")
	if !state.Found() || !state.Value {
		t.Fatalf("expected padded target to report following, got %#v", state)
	}
	if h.count(t, &relations.Follow{}) != 1 {
		t.Fatalf("expected exactly one edge")
	}
}

func TestToggleFollowUnknownTarget(t *testing.T) {
	h := newHarness(t)
	h.mustSync(t, sessionFor("user_alice"))

	result := h.actions.ToggleFollow(t.Context(), sessionFor("user_alice"), "missing-user")
	if result.Success || result.Reason != ReasonNotFound {
		t.Fatalf("expected not found failure, got %#v", result)
	}
}

func TestConcurrentFollowActionsKeepOneEdge(t *testing.T) {
	h := newHarness(t)
	h.mustSync(t, sessionFor("user_alice"))
	bob := h.mustSync(t, sessionFor("user_bob"))

	const callers = 2
	start := make(chan struct{})
	results := make([]Result[relations.Transition], callers)
	var wg sync.WaitGroup
	for index := 0; index < callers; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			<-start
			results[index] = h.actions.Follow(t.Context(), sessionFor("user_alice"), bob.ID)
		}(index)
	}
	close(start)
	wg.Wait()

	successes, conflicts := 0, 0
	for _, result := range results {
		switch {
		case result.Success:
			successes++
		case result.Reason == ReasonConflict:
			conflicts++
		default:
			t.Fatalf("unexpected result %#v", result)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected one success and one conflict, got %d/%d", successes, conflicts)
	}
	if h.count(t, &relations.Follow{}) != 1 || h.count(t, &relations.Notification{}) != 1 {
		t.Fatalf("expected exactly one follow and one notification")
	}

	unfollow := h.actions.Unfollow(t.Context(), sessionFor("user_alice"), bob.ID)
	if !unfollow.Success || *unfollow.Data != relations.TransitionUnfollowed {
		t.Fatalf("expected unfollow to succeed, got %#v", unfollow)
	}
	again := h.actions.Unfollow(t.Context(), sessionFor("user_alice"), bob.ID)
	if again.Success || again.Reason != ReasonConflict {
		t.Fatalf("expected conflict on repeated unfollow, got %#v", again)
	}
}

func TestGetRandomUsersSeparatesEmptyFromFailed(t *testing.T) {
	h := newHarness(t)

	anonymous := h.actions.GetRandomUsers(t.Context(), auth.SessionClaims{})
	if anonymous.Status != StatusUnauthenticated || anonymous.Value == nil || len(anonymous.Value) != 0 {
		t.Fatalf("expected empty sample for anonymous caller, got %#v", anonymous)
	}

	caller := h.mustSync(t, sessionFor("user_caller"))
	alone := h.actions.GetRandomUsers(t.Context(), sessionFor("user_caller"))
	if !alone.Found() || len(alone.Value) != 0 {
		t.Fatalf("expected empty found sample, got %#v", alone)
	}

	for index := 0; index < 5; index++ {
		h.mustSync(t, sessionFor(fmt.Sprintf("user_%d", index)))
	}
	sample := h.actions.GetRandomUsers(t.Context(), sessionFor("user_caller"))
	if !sample.Found() || len(sample.Value) != users.RandomSampleSize {
		t.Fatalf("expected a full sample, got %#v", sample)
	}
	for _, suggestion := range sample.Value {
		if suggestion.ID == caller.ID {
			t.Fatalf("sample must not include the caller")
		}
	}

	if err := h.db.Exec("DROP TABLE follows").Error; err != nil {
		t.Fatalf("failed to drop follows: %v", err)
	}
	broken := h.actions.GetRandomUsers(t.Context(), sessionFor("user_caller"))
	if broken.Status != StatusFailed || broken.Value != nil {
		t.Fatalf("expected failed lookup with nil value, got %#v", broken)
	}
}

func TestStoreFailureBecomesStructuredResult(t *testing.T) {
	h := newHarness(t)
	h.mustSync(t, sessionFor("user_author"))

	if err := h.db.Exec("DROP TABLE posts").Error; err != nil {
		t.Fatalf("failed to drop posts: %v", err)
	}

	result := h.actions.CreatePost(t.Context(), sessionFor("user_author"), "lost", nil)
	if result.Success || result.Reason != ReasonFailed || result.Message != "Failed to create post" {
		t.Fatalf("expected structured failure, got %#v", result)
	}
	if entries := h.logs.FilterMessage("error creating post").All(); len(entries) != 1 {
		t.Fatalf("expected the failure to be logged once, got %d", len(entries))
	}
}

func TestInvalidationFailureDoesNotFailAction(t *testing.T) {
	h := newHarness(t)
	h.invalidator.err = errors.New("cache offline")
	h.mustSync(t, sessionFor("user_author"))

	result := h.actions.CreatePost(t.Context(), sessionFor("user_author"), "still saved", nil)
	if !result.Success {
		t.Fatalf("expected success despite invalidation failure, got %#v", result)
	}
	entries := h.logs.FilterMessage("feed invalidation failed").All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %#v", entries)
	}
}

func TestPanicsAreFoldedIntoResults(t *testing.T) {
	h := newHarness(t)
	h.actions.invalidator = feed.InvalidatorFunc(func(context.Context, string) error {
		panic("boom")
	})
	h.mustSync(t, sessionFor("user_author"))

	result := h.actions.CreatePost(t.Context(), sessionFor("user_author"), "explodes", nil)
	if result.Success || result.Reason != ReasonFailed {
		t.Fatalf("expected panic to become a failure, got %#v", result)
	}
}
