package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/vacho/socially/internal/actions"
	"github.com/vacho/socially/internal/auth"
	"github.com/vacho/socially/internal/feed"
	"go.uber.org/zap"
)

const (
	sessionContextKey = "socially_session"
	heartbeatInterval = 25 * time.Second
	maxContentLength  = 10000
)

var (
	errMissingActions          = errors.New("actions dependency required")
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingDispatcher       = errors.New("feed dispatcher dependency required")
	errMissingHealthChecker    = errors.New("health checker dependency required")
)

// SessionValidator extracts identity-provider claims from a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Dependencies struct {
	Actions          *actions.Actions
	SessionValidator SessionValidator
	Dispatcher       *feed.Dispatcher
	HealthChecker    HealthChecker
	AllowedOrigins   []string
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Actions == nil {
		return nil, errMissingActions
	}
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if deps.HealthChecker == nil {
		return nil, errMissingHealthChecker
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		actions:    deps.Actions,
		sessions:   deps.SessionValidator,
		dispatcher: deps.Dispatcher,
		health:     deps.HealthChecker,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/")
	api.Use(handler.resolveSession)
	api.POST("/users/sync", handler.handleSyncUser)
	api.GET("/users/me", handler.handleCurrentUser)
	api.GET("/users/random", handler.handleRandomUsers)
	api.GET("/users/:externalId", handler.handleUserByExternalID)
	api.POST("/posts", handler.handleCreatePost)
	api.GET("/follows/:targetUserId", handler.handleIsFollowing)
	api.POST("/follows/:targetUserId/toggle", handler.handleToggleFollow)
	api.PUT("/follows/:targetUserId", handler.handleFollow)
	api.DELETE("/follows/:targetUserId", handler.handleUnfollow)
	api.GET("/notifications", handler.handleNotifications)
	api.GET("/feed/events", handler.handleFeedEvents)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	wildcard := len(allowedOrigins) == 0
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			wildcard = true
		}
		if origin != "" {
			origins = append(origins, origin)
		}
	}
	if wildcard {
		// Credentialed requests cannot use a wildcard origin.
		config.AllowOrigins = []string{"*"}
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	actions    *actions.Actions
	sessions   SessionValidator
	dispatcher *feed.Dispatcher
	health     HealthChecker
	logger     *zap.Logger
}

// resolveSession attaches the caller's claims. Requests without a token continue anonymously so that
// the actions report the unauthenticated outcome themselves; a presented but invalid token is rejected.
func (h *httpHandler) resolveSession(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	switch {
	case err == nil:
		c.Set(sessionContextKey, claims)
	case errors.Is(err, auth.ErrMissingSessionToken):
		c.Set(sessionContextKey, auth.SessionClaims{})
	default:
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func sessionFrom(c *gin.Context) auth.SessionClaims {
	value, ok := c.Get(sessionContextKey)
	if !ok {
		return auth.SessionClaims{}
	}
	claims, _ := value.(auth.SessionClaims)
	return claims
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if err := h.health.Ping(c.Request.Context()); err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleSyncUser(c *gin.Context) {
	writeLookup(c, h.actions.SyncUser(c.Request.Context(), sessionFrom(c)))
}

func (h *httpHandler) handleCurrentUser(c *gin.Context) {
	session := sessionFrom(c)
	if !session.Authenticated() {
		c.JSON(http.StatusUnauthorized, actions.Lookup[any]{Status: actions.StatusUnauthenticated})
		return
	}
	writeLookup(c, h.actions.GetUserByExternalID(c.Request.Context(), session.ExternalID()))
}

func (h *httpHandler) handleRandomUsers(c *gin.Context) {
	lookup := h.actions.GetRandomUsers(c.Request.Context(), sessionFrom(c))
	if lookup.Status == actions.StatusUnauthenticated || lookup.Status == actions.StatusNotFound {
		// An unknown caller still gets an empty sample.
		c.JSON(http.StatusOK, lookup)
		return
	}
	writeLookup(c, lookup)
}

func (h *httpHandler) handleUserByExternalID(c *gin.Context) {
	writeLookup(c, h.actions.GetUserByExternalID(c.Request.Context(), c.Param("externalId")))
}

type createPostRequest struct {
	Content string  `json:"content"`
	Image   *string `json:"image"`
}

func (h *httpHandler) handleCreatePost(c *gin.Context) {
	var request createPostRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if len(request.Content) > maxContentLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content_too_long"})
		return
	}
	writeResult(c, h.actions.CreatePost(c.Request.Context(), sessionFrom(c), request.Content, request.Image))
}

func (h *httpHandler) handleIsFollowing(c *gin.Context) {
	writeLookup(c, h.actions.IsFollowing(c.Request.Context(), sessionFrom(c), c.Param("targetUserId")))
}

func (h *httpHandler) handleToggleFollow(c *gin.Context) {
	writeResult(c, h.actions.ToggleFollow(c.Request.Context(), sessionFrom(c), c.Param("targetUserId")))
}

func (h *httpHandler) handleFollow(c *gin.Context) {
	writeResult(c, h.actions.Follow(c.Request.Context(), sessionFrom(c), c.Param("targetUserId")))
}

func (h *httpHandler) handleUnfollow(c *gin.Context) {
	writeResult(c, h.actions.Unfollow(c.Request.Context(), sessionFrom(c), c.Param("targetUserId")))
}

func (h *httpHandler) handleNotifications(c *gin.Context) {
	writeLookup(c, h.actions.GetNotifications(c.Request.Context(), sessionFrom(c)))
}

type invalidationEvent struct {
	Path      string `json:"path"`
	Timestamp int64  `json:"timestamp_ms"`
}

func (h *httpHandler) handleFeedEvents(c *gin.Context) {
	ctx := c.Request.Context()
	events, unsubscribe := h.dispatcher.Subscribe(ctx)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message := <-events:
			c.SSEvent("invalidate", invalidationEvent{
				Path:      message.Path,
				Timestamp: message.Timestamp.UnixMilli(),
			})
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"timestamp_ms": time.Now().UnixMilli()})
			c.Writer.Flush()
		}
	}
}

func writeResult[T any](c *gin.Context, result actions.Result[T]) {
	c.JSON(resultStatus(result.Success, result.Reason), result)
}

func writeLookup[T any](c *gin.Context, lookup actions.Lookup[T]) {
	c.JSON(lookupStatus(lookup.Status), lookup)
}

func resultStatus(success bool, reason actions.Reason) int {
	if success {
		return http.StatusOK
	}
	switch reason {
	case actions.ReasonValidation:
		return http.StatusBadRequest
	case actions.ReasonUnauthenticated:
		return http.StatusUnauthorized
	case actions.ReasonNotFound:
		return http.StatusNotFound
	case actions.ReasonConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func lookupStatus(status actions.Status) int {
	switch status {
	case actions.StatusFound:
		return http.StatusOK
	case actions.StatusNotFound:
		return http.StatusNotFound
	case actions.StatusUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
