package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/g1331/autorouter/internal/repository"
	"github.com/g1331/autorouter/internal/service"
)

// APIKeyHandler manages downstream API keys.
type APIKeyHandler struct {
	auth   *service.AuthService
	repo   repository.APIKeyRepository
	logger *zap.Logger
}

// NewAPIKeyHandler creates a new APIKeyHandler.
func NewAPIKeyHandler(auth *service.AuthService, repo repository.APIKeyRepository, logger *zap.Logger) *APIKeyHandler {
	return &APIKeyHandler{auth: auth, repo: repo, logger: logger}
}

type createKeyRequest struct {
	Name               string     `json:"name" binding:"required"`
	ExpiresAt          *time.Time `json:"expires_at"`
	AllowedUpstreamIDs []string   `json:"allowed_upstream_ids"`
}

// List handles GET /admin/keys. Hashes are never serialized.
func (h *APIKeyHandler) List(c *gin.Context) {
	keys, err := h.repo.FindAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// Create handles POST /admin/keys. The literal key is returned exactly once.
func (h *APIKeyHandler) Create(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	literal, key, err := h.auth.CreateAPIKey(c.Request.Context(), req.Name, req.ExpiresAt, req.AllowedUpstreamIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("api key created", zap.String("id", key.ID), zap.String("name", key.Name))
	c.JSON(http.StatusCreated, gin.H{"key": literal, "api_key": key})
}

// Revoke handles POST /admin/keys/:id/revoke.
func (h *APIKeyHandler) Revoke(c *gin.Context) {
	if err := h.repo.Revoke(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
