package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voting-queue-system/internal/spotify"
	"github.com/voting-queue-system/pkg/apperr"
	"github.com/voting-queue-system/pkg/jwt"
	"github.com/voting-queue-system/pkg/models"
	"github.com/voting-queue-system/pkg/redis"
)

// SessionStore is the identity side of the token store.
type SessionStore interface {
	StartSession(ctx context.Context, tokenID string, id redis.Identity, ttl time.Duration) error
	Session(ctx context.Context, tokenID string) (*redis.Identity, error)
	EndSession(ctx context.Context, tokenID string) error
	StoreTokens(ctx context.Context, userID string, token *redis.TokenInfo) error
	GetTokens(ctx context.Context, userID string) (*redis.TokenInfo, error)
	RefreshToken(ctx context.Context, userID string, accessToken string, expiresAt time.Time) error
}

// Users persists viewer profiles.
type Users interface {
	UpsertUser(ctx context.Context, u *models.User) error
}

// spotifyNamespace derives stable user ids from Spotify account ids.
var spotifyNamespace = uuid.MustParse("5b7e2f8c-3c0e-4a5e-9d57-6f1f0c9a2b11")

type Handler struct {
	spotifyClient *spotify.Client
	sessions      SessionStore
	users         Users
	signer        *jwt.Signer
	guestTTL      time.Duration
	frontendURL   string
	secureCookie  bool
	log           *zap.Logger
}

type Options struct {
	GuestTTL     time.Duration
	FrontendURL  string
	SecureCookie bool
}

func NewHandler(spotifyClient *spotify.Client, sessions SessionStore, users Users, signer *jwt.Signer, opts Options, log *zap.Logger) *Handler {
	if opts.FrontendURL == "" {
		opts.FrontendURL = "/"
	}
	return &Handler{
		spotifyClient: spotifyClient,
		sessions:      sessions,
		users:         users,
		signer:        signer,
		guestTTL:      opts.GuestTTL,
		frontendURL:   opts.FrontendURL,
		secureCookie:  opts.SecureCookie,
		log:           log,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	auth := r.Group("/auth")
	{
		auth.GET("/login", h.login)
		auth.GET("/callback", h.callback)
		auth.POST("/guest", h.guest)

		protected := auth.Group("", Middleware(h.signer, h.sessions, h.log))
		protected.GET("/me", h.me)
		protected.POST("/logout", h.logout)
		protected.POST("/refresh", RequireHost(), h.refresh)
		protected.GET("/me/top-tracks", RequireHost(), h.getTopTracks)
	}
}

func (h *Handler) login(c *gin.Context) {
	state := uuid.New().String()
	c.JSON(http.StatusOK, gin.H{"url": h.spotifyClient.GetAuthURL(state)})
}

func (h *Handler) callback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}
	ctx := c.Request.Context()

	token, err := h.spotifyClient.ExchangeToken(ctx, code)
	if err != nil {
		h.log.Error("failed to exchange spotify code", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to sign in with Spotify"})
		return
	}
	profile, err := h.spotifyClient.GetUser(ctx, token.AccessToken)
	if err != nil {
		h.log.Error("failed to read spotify profile", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to read Spotify profile"})
		return
	}

	user := &models.User{
		ID:          uuid.NewSHA1(spotifyNamespace, []byte(profile.ID)),
		SpotifyID:   profile.ID,
		DisplayName: profile.DisplayName,
		Email:       profile.Email,
	}
	if err := h.users.UpsertUser(ctx, user); err != nil {
		h.log.Error("failed to save user", zap.String("spotify_id", profile.ID), zap.Error(err))
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": "Failed to save user"})
		return
	}

	info := &redis.TokenInfo{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.ExpiresAt(time.Now()),
	}
	if err := h.sessions.StoreTokens(ctx, user.ID.String(), info); err != nil {
		h.log.Error("failed to store spotify tokens", zap.String("user_id", user.ID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store tokens"})
		return
	}

	signed, err := h.issue(ctx, user, 0)
	if err != nil {
		h.log.Error("failed to issue token", zap.String("user_id", user.ID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	http.SetCookie(c.Writer, &http.Cookie{
		Name:     cookieName,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.signer.TTL().Seconds()),
	})
	c.Redirect(http.StatusFound, h.frontendURL)
}

type guestRequest struct {
	DisplayName string `json:"display_name" binding:"required,max=64"`
}

// guest issues an identity to a viewer without a Spotify account.
func (h *Handler) guest(c *gin.Context) {
	var req guestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "display_name is required"})
		return
	}
	ctx := c.Request.Context()

	user := &models.User{ID: uuid.New(), DisplayName: name, Guest: true}
	if err := h.users.UpsertUser(ctx, user); err != nil {
		h.log.Error("failed to save guest", zap.Error(err))
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": "Failed to save guest"})
		return
	}
	signed, err := h.issue(ctx, user, h.guestTTL)
	if err != nil {
		h.log.Error("failed to issue guest token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": signed, "user": user})
}

func (h *Handler) issue(ctx context.Context, user *models.User, ttl time.Duration) (string, error) {
	signed, claims, err := h.signer.Issue(jwt.Claims{
		UserID: user.ID.String(),
		Name:   user.DisplayName,
		Guest:  user.Guest,
	}, ttl)
	if err != nil {
		return "", err
	}
	id := redis.Identity{UserID: claims.UserID, DisplayName: user.DisplayName, Guest: user.Guest}
	lifetime := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	if err := h.sessions.StartSession(ctx, claims.ID, id, lifetime); err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return signed, nil
}

func (h *Handler) me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"id":           c.GetString(KeyUserID),
		"display_name": c.GetString(KeyDisplayName),
		"guest":        c.GetBool(KeyGuest),
	})
}

func (h *Handler) logout(c *gin.Context) {
	if err := h.sessions.EndSession(c.Request.Context(), c.GetString(KeyTokenID)); err != nil {
		h.log.Warn("failed to end session", zap.String("user_id", c.GetString(KeyUserID)), zap.Error(err))
	}
	http.SetCookie(c.Writer, &http.Cookie{Name: cookieName, Value: "", Path: "/", MaxAge: -1})
	c.Status(http.StatusNoContent)
}

func (h *Handler) refresh(c *gin.Context) {
	userID := c.GetString(KeyUserID)
	ctx := c.Request.Context()

	tokenInfo, err := h.sessions.GetTokens(ctx, userID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Token not found"})
		return
	}

	newToken, err := h.spotifyClient.RefreshToken(ctx, tokenInfo.RefreshToken)
	if err != nil {
		h.log.Warn("failed to refresh spotify token", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to refresh Spotify token"})
		return
	}

	if err := h.sessions.RefreshToken(ctx, userID, newToken.AccessToken, newToken.ExpiresAt(time.Now())); err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "token refreshed"})
}

func (h *Handler) getTopTracks(c *gin.Context) {
	accessToken := c.GetString(KeyAccessToken)
	if accessToken == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "No Spotify token"})
		return
	}
	timeRange := c.DefaultQuery("time_range", "medium_term")

	tracks, err := h.spotifyClient.GetTopTracks(c.Request.Context(), accessToken, timeRange, 20)
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, tracks)
}
