package queue

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/voting-queue-system/internal/auth"
	"github.com/voting-queue-system/pkg/apperr"
	"github.com/voting-queue-system/pkg/models"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the queue API on a group that already runs the auth
// middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	queues := r.Group("/queues")
	{
		queues.POST("", auth.RequireHost(), h.createQueue)
		queues.GET("", auth.RequireHost(), h.listQueues)
		queues.GET("/code/:code", h.getQueueByCode)
		queues.GET("/:id", h.getQueue)
		queues.PATCH("/:id", auth.RequireHost(), h.updateQueue)
		queues.DELETE("/:id", auth.RequireHost(), h.deactivateQueue)
		queues.GET("/:id/songs", h.getSongs)
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error(), "code": apperr.Code(err)})
}

func viewer(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.GetString(auth.KeyUserID))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid user"})
		return uuid.Nil, false
	}
	return id, true
}

func queueID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid queue id"})
		return uuid.Nil, false
	}
	return id, true
}

type CreateQueueRequest struct {
	Name        string                `json:"name" binding:"required,max=200"`
	Description string                `json:"description"`
	Settings    *models.QueueSettings `json:"settings"`
}

func (h *Handler) createQueue(c *gin.Context) {
	hostID, ok := viewer(c)
	if !ok {
		return
	}
	var req CreateQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	q, err := h.service.Create(c.Request.Context(), hostID, CreateParams{
		Name:        req.Name,
		Description: req.Description,
		Settings:    req.Settings,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, q)
}

func (h *Handler) listQueues(c *gin.Context) {
	hostID, ok := viewer(c)
	if !ok {
		return
	}
	queues, err := h.service.ListMine(c.Request.Context(), hostID)
	if err != nil {
		respondError(c, err)
		return
	}
	if queues == nil {
		queues = []*models.Queue{}
	}
	c.JSON(http.StatusOK, queues)
}

func (h *Handler) getQueue(c *gin.Context) {
	id, ok := queueID(c)
	if !ok {
		return
	}
	q, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (h *Handler) getQueueByCode(c *gin.Context) {
	viewerID, ok := viewer(c)
	if !ok {
		return
	}
	q, err := h.service.GetByCode(c.Request.Context(), c.Param("code"), viewerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

type UpdateQueueRequest struct {
	Name        *string               `json:"name"`
	Description *string               `json:"description"`
	Settings    *models.QueueSettings `json:"settings"`
}

func (h *Handler) updateQueue(c *gin.Context) {
	hostID, ok := viewer(c)
	if !ok {
		return
	}
	id, ok := queueID(c)
	if !ok {
		return
	}
	var req UpdateQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	q, err := h.service.Update(c.Request.Context(), hostID, id, UpdateParams(req))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (h *Handler) deactivateQueue(c *gin.Context) {
	hostID, ok := viewer(c)
	if !ok {
		return
	}
	id, ok := queueID(c)
	if !ok {
		return
	}
	if err := h.service.Deactivate(c.Request.Context(), hostID, id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getSongs(c *gin.Context) {
	viewerID, ok := viewer(c)
	if !ok {
		return
	}
	id, ok := queueID(c)
	if !ok {
		return
	}
	recent, _ := strconv.Atoi(c.Query("recent"))

	board, err := h.service.Board(c.Request.Context(), id, viewerID, recent)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, board)
}
