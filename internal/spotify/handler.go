package spotify

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voting-queue-system/pkg/apperr"
	"github.com/voting-queue-system/pkg/models"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 50
)

// QueueLookup finds the queue whose host searches on a guest's behalf.
type QueueLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Queue, error)
}

// Handler proxies track search for the add-song flow. Guests have no
// Spotify account, so a search scoped to a queue uses its host's token.
type Handler struct {
	client *Client
	tokens TokenSource
	queues QueueLookup
	log    *zap.Logger
}

func NewHandler(client *Client, tokens TokenSource, queues QueueLookup, log *zap.Logger) *Handler {
	return &Handler{client: client, tokens: tokens, queues: queues, log: log}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/search", h.search)
}

// SearchResult is a track in the shape the add-song flow submits.
type SearchResult struct {
	TrackURI   string `json:"track_uri"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	CoverURL   string `json:"cover_url"`
	DurationMs int    `json:"duration"`
}

func (h *Handler) search(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultSearchLimit)))
	if err != nil || limit < 1 || limit > maxSearchLimit {
		limit = defaultSearchLimit
	}
	ctx := c.Request.Context()

	owner := c.GetString("user_id")
	if raw := c.Query("queue_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid queue id"})
			return
		}
		q, err := h.queues.Get(ctx, id)
		if err != nil {
			c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
			return
		}
		owner = q.CreatorID.String()
	}

	token, err := h.tokens.AccessToken(ctx, owner)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			c.JSON(http.StatusForbidden, gin.H{"error": "No Spotify account available for search"})
			return
		}
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	tracks, err := h.client.SearchTracks(ctx, token, query, limit)
	if err != nil {
		h.log.Warn("spotify search failed", zap.String("user_id", owner), zap.Error(err))
		c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	results := make([]SearchResult, 0, len(tracks))
	for _, t := range tracks {
		uri := t.URI
		if uri == "" {
			uri = "spotify:track:" + t.ID
		}
		results = append(results, SearchResult{
			TrackURI:   uri,
			Title:      t.Name,
			Artist:     t.ArtistNames(),
			Album:      t.Album.Name,
			CoverURL:   t.CoverURL(),
			DurationMs: t.Duration,
		})
	}
	c.JSON(http.StatusOK, results)
}
