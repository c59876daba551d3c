package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"policychat/internal/auth"
	"policychat/internal/chat"
	"policychat/internal/llm"
	"policychat/internal/models"
	"policychat/internal/prompt"
	"policychat/internal/service/account"
	"policychat/internal/service/history"
	"policychat/internal/service/profile"
	"policychat/internal/worker"
)

// ChatController runs one chat exchange end to end.
type ChatController interface {
	Run(ctx context.Context, req chat.Request) (*chat.Result, error)
}

// Handler wires HTTP routes to the account, profile, history, and chat services.
type Handler struct {
	auth       *auth.Service
	accounts   *account.Service
	profiles   *profile.Service
	history    *history.Service
	controller ChatController
}

// NewHandler constructs a Handler instance.
func NewHandler(authService *auth.Service, accounts *account.Service, profiles *profile.Service, historySvc *history.Service, controller ChatController) *Handler {
	return &Handler{
		auth:       authService,
		accounts:   accounts,
		profiles:   profiles,
		history:    historySvc,
		controller: controller,
	}
}

// check token userID is match with param userID
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID := c.Param("id")
		if paramID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if paramID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (string, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	authMW := h.auth.Middleware()
	userRoutes := api.Group("/users/:id")
	userRoutes.Use(authMW, h.requirePathUser(), h.auth.CSRFMiddleware())
	userRoutes.POST("/logout", h.logoutUser)
	userRoutes.POST("/password", h.changePassword)
	userRoutes.DELETE("", h.deleteUser)
	userRoutes.POST("/profiles", h.createProfile)
	userRoutes.GET("/profiles", h.listProfiles)
	userRoutes.PUT("/profiles/:profile_id", h.updateProfile)
	userRoutes.DELETE("/profiles/:profile_id", h.deleteProfile)
	userRoutes.POST("/profiles/:profile_id/activate", h.activateProfile)
	userRoutes.GET("/conversations", h.listConversations)
	userRoutes.GET("/conversations/:conversation_id/turns", h.getConversationTurns)
	userRoutes.DELETE("/conversations/:conversation_id", h.deleteConversation)

	// The chat pipeline verifies its own credential so expiry mid-pipeline
	// maps onto the stream's error surface, not the middleware's. Cookie
	// credentials still require the CSRF double-submit; bearer headers are
	// exempt.
	api.POST("/chat/stream", h.auth.CSRFMiddleware(), h.streamChat)
}

// User create&login interface
type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, account.ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.Issue(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if credential, ok := auth.CredentialFromContext(c); ok {
		_ = h.auth.Revoke(c.Request.Context(), credential)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) changePassword(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.accounts.ChangePassword(c.Request.Context(), userID, req.OldPassword, req.NewPassword); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// Every outstanding credential dies with the old password.
	if err := h.auth.RevokeAll(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeAll(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.accounts.Delete(c.Request.Context(), userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

// Profile interface
type profileRequest struct {
	Name            string `json:"name"`
	Age             *int   `json:"age"`
	Gender          string `json:"gender"`
	Region          string `json:"region"`
	IncomeBracket   string `json:"income_bracket"`
	InsuranceType   string `json:"insurance_type"`
	DisabilityGrade *int   `json:"disability_grade"`
}

func (h *Handler) createProfile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	created, err := h.profiles.Create(c.Request.Context(), &models.Profile{
		UserID:          userID,
		Name:            req.Name,
		Age:             req.Age,
		Gender:          req.Gender,
		Region:          req.Region,
		IncomeBracket:   req.IncomeBracket,
		InsuranceType:   req.InsuranceType,
		DisabilityGrade: req.DisabilityGrade,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) listProfiles(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	profiles, err := h.profiles.List(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if profiles == nil {
		profiles = make([]*models.Profile, 0)
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles})
}

func (h *Handler) updateProfile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	profileID, ok := h.pathID(c, "profile_id")
	if !ok {
		return
	}
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := h.profiles.Update(c.Request.Context(), &models.Profile{
		ID:              profileID,
		UserID:          userID,
		Name:            req.Name,
		Age:             req.Age,
		Gender:          req.Gender,
		Region:          req.Region,
		IncomeBracket:   req.IncomeBracket,
		InsuranceType:   req.InsuranceType,
		DisabilityGrade: req.DisabilityGrade,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteProfile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	profileID, ok := h.pathID(c, "profile_id")
	if !ok {
		return
	}
	if err := h.profiles.Delete(c.Request.Context(), userID, profileID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) activateProfile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	profileID, ok := h.pathID(c, "profile_id")
	if !ok {
		return
	}
	if err := h.profiles.Activate(c.Request.Context(), userID, profileID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// Conversation interface
func (h *Handler) listConversations(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversations, err := h.history.ListConversations(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if conversations == nil {
		conversations = make([]models.Conversation, 0)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (h *Handler) getConversationTurns(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversationID, ok := h.pathID(c, "conversation_id")
	if !ok {
		return
	}
	conversation, turns, err := h.history.GetConversationWithTurns(c.Request.Context(), userID, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if turns == nil {
		turns = make([]*models.Turn, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conversation,
		"turns":        turns,
	})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversationID, ok := h.pathID(c, "conversation_id")
	if !ok {
		return
	}
	if err := h.history.DeleteConversation(c.Request.Context(), userID, conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// Chat stream interface
type streamRequest struct {
	ConversationID int64  `json:"conversation_id"`
	Message        string `json:"message"`
}

const streamRequestTimeout = 2 * time.Minute

func (h *Handler) streamChat(c *gin.Context) {
	var req streamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ConversationID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id cannot be negative"})
		return
	}
	credential := h.auth.ExtractCredential(c)
	if credential == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	streamCtx, cancel := context.WithTimeout(c.Request.Context(), streamRequestTimeout)
	defer cancel()

	// SSE headers go out with the first chunk. Until then errors still map
	// onto plain HTTP statuses.
	started := false
	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	start := func() error {
		if started {
			return nil
		}
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		started = true
		return sendEvent("ack", gin.H{"message": req.Message})
	}

	result, err := h.controller.Run(streamCtx, chat.Request{
		Credential:     credential,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		ChunkFn: func(chunk string) error {
			if err := start(); err != nil {
				return err
			}
			return sendEvent("stream", gin.H{"content": chunk})
		},
	})
	if err != nil {
		status, msg := streamErrorStatus(err)
		if !started {
			c.JSON(status, gin.H{"error": msg})
			return
		}
		_ = sendEvent("error", gin.H{"message": msg})
		return
	}

	if err := start(); err != nil {
		return
	}
	payload := gin.H{
		"conversation_id": result.ConversationID,
		"turn": gin.H{
			"id":                result.Turn.ID,
			"turn_index":        result.Turn.TurnIndex,
			"user_content":      result.Turn.UserContent,
			"assistant_content": result.Turn.AssistantContent,
			"created_at":        result.Turn.CreatedAt,
		},
	}
	if result.Title != "" {
		payload["title"] = result.Title
	}
	_ = sendEvent("done", payload)
}

func streamErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized, "token expired"
	case errors.Is(err, auth.ErrTokenInvalid):
		return http.StatusUnauthorized, "token invalid"
	case errors.Is(err, prompt.ErrContextTooLong):
		return http.StatusUnprocessableEntity, "message exceeds context budget"
	case errors.Is(err, worker.ErrBusy), errors.Is(err, worker.ErrQueueFull):
		return http.StatusTooManyRequests, "server is busy, please retry"
	case errors.Is(err, llm.ErrUpstreamRejected):
		return http.StatusBadGateway, "model rejected the request"
	case errors.Is(err, llm.ErrUpstreamUnavailable), errors.Is(err, llm.ErrStreamTimeout):
		return http.StatusServiceUnavailable, "model is unavailable, please retry"
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "conversation not found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "request canceled"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func (h *Handler) pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
