package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// contentFetcher extracts readable text from a web page
type contentFetcher interface {
	FetchURLContent(ctx context.Context, rawURL string) (string, error)
}

// server carries the dependencies of the HTTP handlers.
type server struct {
	cfg          *Config
	store        ConversationStore
	orchestrator *Orchestrator
	pages        PageCache
	fetcher      contentFetcher
	attempts     *AttemptTracker
	metrics      *Metrics
	logger       *zap.Logger
	newID        func() string
}

// FetchURLRequest is the body of POST /api/fetch-url
type FetchURLRequest struct {
	URL string `json:"url" binding:"required"`
}

func newServer(cfg *Config, store ConversationStore, orchestrator *Orchestrator, pages PageCache, fetcher contentFetcher, metrics *Metrics, logger *zap.Logger) *server {
	return &server{
		cfg:          cfg,
		store:        store,
		orchestrator: orchestrator,
		pages:        pages,
		fetcher:      fetcher,
		attempts:     NewAttemptTracker(cfg.AuthMaxAttempts, cfg.AuthWindow),
		metrics:      metrics,
		logger:       logger.With(zap.String("component", "http")),
		newID:        func() string { return uuid.New().String() },
	}
}

// allowOrigin accepts the configured origins, or any localhost origin when none are configured.
func allowOrigin(allowed []string) func(string) bool {
	return func(origin string) bool {
		if len(allowed) > 0 {
			for _, allowedOrigin := range allowed {
				if origin == allowedOrigin {
					return true
				}
			}
			return false
		}
		return strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "http://127.0.0.1")
	}
}

// routes builds the gin engine with middleware and all routes.
func (s *server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(s.logger))
	if s.metrics != nil {
		router.Use(s.metrics.Middleware())
	}

	// Request size limit middleware
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxRequestBodySize)
		c.Next()
	})

	router.Use(cors.New(cors.Config{
		AllowOriginFunc:  allowOrigin(s.cfg.CORSAllowedOrigins),
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	router.Use(BasicAuth(s.cfg.AuthPassword, s.attempts, s.logger))

	router.GET("/", s.healthCheck)
	router.GET("/health", s.healthCheck)
	if s.metrics != nil {
		router.GET("/metrics", s.metrics.Handler())
	}

	api := router.Group("/api")
	api.GET("/conversations", s.listConversations)
	api.POST("/conversations", s.createConversation)
	api.GET("/conversations/:id", s.getConversation)
	api.DELETE("/conversations/:id", s.deleteConversation)
	api.POST("/conversations/:id/message", s.sendMessage)
	api.POST("/conversations/:id/message/stream", s.sendMessageStream)
	api.POST("/fetch-url", s.fetchURL)

	return router
}

// errorStatus maps a turn or storage error to an HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConversationExists):
		return http.StatusConflict
	case errors.Is(err, ErrNoCouncilResponses), errors.Is(err, ErrChairmanFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// bindJSON decodes the request body into obj. On failure it writes 413 for
// bodies over the size limit and 400 otherwise, and returns false.
func bindJSON(c *gin.Context, obj any) bool {
	err := c.ShouldBindJSON(obj)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit),
		})
		return false
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error": fmt.Sprintf("Invalid request: %v", err),
	})
	return false
}

// healthCheck returns a simple health check response.
// GET / and GET /health
func (s *server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "LLM Council API",
	})
}

// listConversations lists all conversations with metadata only, newest first.
// GET /api/conversations
func (s *server) listConversations(c *gin.Context) {
	conversations, err := s.store.ListConversations(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to list conversations: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversations)
}

// createConversation creates an empty conversation under a new UUID.
// POST /api/conversations
func (s *server) createConversation(c *gin.Context) {
	conversation, err := s.store.CreateConversation(c.Request.Context(), s.newID())
	if err != nil {
		c.JSON(errorStatus(err), gin.H{
			"error": fmt.Sprintf("Failed to create conversation: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// getConversation returns a conversation with all messages.
// GET /api/conversations/:id
func (s *server) getConversation(c *gin.Context) {
	conversation, err := s.store.GetConversation(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrConversationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// deleteConversation removes a conversation.
// DELETE /api/conversations/:id
func (s *server) deleteConversation(c *gin.Context) {
	conversationID := c.Param("id")

	err := s.store.DeleteConversation(c.Request.Context(), conversationID)
	if errors.Is(err, ErrConversationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to delete conversation: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": conversationID})
}

// sendMessage runs a full council turn and returns all stages at once.
// POST /api/conversations/:id/message
func (s *server) sendMessage(c *gin.Context) {
	var request SendMessageRequest
	if !bindJSON(c, &request) {
		return
	}

	result, err := s.orchestrator.Run(c.Request.Context(), c.Param("id"), request.Content)
	if err != nil {
		status := errorStatus(err)
		message := fmt.Sprintf("Council process failed: %v", err)
		if status == http.StatusNotFound {
			message = "Conversation not found"
		}
		c.JSON(status, gin.H{"error": message})
		return
	}

	c.JSON(http.StatusOK, result)
}

// sendMessageStream runs a council turn and streams its progress as Server-Sent Events.
// POST /api/conversations/:id/message/stream
// Events: stage1_start, stage1_complete, stage2_start, stage2_complete, stage3_start,
// stage3_complete, title_complete (first turn only), complete, or error.
func (s *server) sendMessageStream(c *gin.Context) {
	conversationID := c.Param("id")

	var request SendMessageRequest
	if !bindJSON(c, &request) {
		return
	}

	// Unknown conversations get a plain 404 before the stream opens
	_, err := s.store.GetConversation(c.Request.Context(), conversationID)
	if errors.Is(err, ErrConversationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	emit := func(event Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return writeSSEEvent(c.Writer, event)
	}

	// Failures are already reported to the client as an error event
	_ = s.orchestrator.Stream(ctx, conversationID, request.Content, emit)
}

// writeSSEEvent writes one event as a data-only SSE frame and flushes it.
func writeSSEEvent(w gin.ResponseWriter, event Event) error {
	if err := sse.Encode(w, sse.Event{Data: event}); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	w.Flush()
	return nil
}

// fetchURL fetches a page and returns its readable text.
// POST /api/fetch-url - Body: {"url": "https://..."}
func (s *server) fetchURL(c *gin.Context) {
	var request FetchURLRequest
	if !bindJSON(c, &request) {
		return
	}
	if _, err := validatePageURL(request.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	logger := s.logger.With(zap.String("url", request.URL))

	content, ok, err := s.pages.Get(ctx, request.URL)
	if err != nil {
		logger.Warn("page cache read failed", zap.Error(err))
	}
	if ok {
		c.JSON(http.StatusOK, gin.H{"content": content, "cached": true})
		return
	}

	content, err = s.fetcher.FetchURLContent(ctx, request.URL)
	if errors.Is(err, ErrBlockedAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error": fmt.Sprintf("Failed to fetch URL content: %v", err),
		})
		return
	}

	if err := s.pages.Set(ctx, request.URL, content); err != nil {
		logger.Warn("page cache write failed", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"content": content, "cached": false})
}
