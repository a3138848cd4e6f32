// Package handler contains the gin HTTP handlers.
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/g1331/autorouter/internal/models"
	"github.com/g1331/autorouter/internal/repository"
	"github.com/g1331/autorouter/internal/service"
)

// UpstreamHandler manages upstream configuration.
type UpstreamHandler struct {
	repo          repository.UpstreamRepository
	store         *service.UpstreamStore
	encryptionKey string
	logger        *zap.Logger
}

// NewUpstreamHandler creates a new UpstreamHandler.
func NewUpstreamHandler(repo repository.UpstreamRepository, store *service.UpstreamStore, encryptionKey string, logger *zap.Logger) *UpstreamHandler {
	return &UpstreamHandler{
		repo:          repo,
		store:         store,
		encryptionKey: encryptionKey,
		logger:        logger,
	}
}

type upstreamRequest struct {
	Name           string            `json:"name" binding:"required"`
	ProviderType   string            `json:"provider_type" binding:"required"`
	BaseURL        string            `json:"base_url" binding:"required"`
	APIKey         string            `json:"api_key"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	IsActive       *bool             `json:"is_active"`
	Weight         int               `json:"weight"`
	AllowedModels  []string          `json:"allowed_models"`
	ModelRedirects map[string]string `json:"model_redirects"`
}

// List handles GET /admin/upstreams.
func (h *UpstreamHandler) List(c *gin.Context) {
	upstreams, err := h.repo.FindAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"upstreams": upstreams})
}

// Get handles GET /admin/upstreams/:id.
func (h *UpstreamHandler) Get(c *gin.Context) {
	up, err := h.repo.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "upstream not found"})
		return
	}
	c.JSON(http.StatusOK, up)
}

// Create handles POST /admin/upstreams.
func (h *UpstreamHandler) Create(c *gin.Context) {
	var req upstreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if hasRedirectCycle(req.ModelRedirects) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model_redirects contains a cycle"})
		return
	}

	encrypted, err := service.EncryptSecret(req.APIKey, h.encryptionKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encrypt api key"})
		return
	}

	up := &models.Upstream{
		ID:              uuid.New().String(),
		Name:            req.Name,
		ProviderType:    models.ProviderType(req.ProviderType),
		BaseURL:         req.BaseURL,
		APIKeyEncrypted: encrypted,
		TimeoutSeconds:  req.TimeoutSeconds,
		IsActive:        req.IsActive == nil || *req.IsActive,
		Weight:          req.Weight,
		AllowedModels:   dedupe(req.AllowedModels),
		ModelRedirects:  req.ModelRedirects,
	}
	if err := h.repo.Insert(c.Request.Context(), up); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	h.store.Invalidate()
	h.logger.Info("upstream created", zap.String("name", up.Name), zap.String("id", up.ID))
	c.JSON(http.StatusCreated, up)
}

// Update handles PUT /admin/upstreams/:id.
func (h *UpstreamHandler) Update(c *gin.Context) {
	up, err := h.repo.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "upstream not found"})
		return
	}

	var req upstreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if hasRedirectCycle(req.ModelRedirects) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model_redirects contains a cycle"})
		return
	}

	up.Name = req.Name
	up.ProviderType = models.ProviderType(req.ProviderType)
	up.BaseURL = req.BaseURL
	up.TimeoutSeconds = req.TimeoutSeconds
	if req.IsActive != nil {
		up.IsActive = *req.IsActive
	}
	if req.Weight > 0 {
		up.Weight = req.Weight
	}
	up.AllowedModels = dedupe(req.AllowedModels)
	up.ModelRedirects = req.ModelRedirects
	if req.APIKey != "" {
		encrypted, err := service.EncryptSecret(req.APIKey, h.encryptionKey)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encrypt api key"})
			return
		}
		up.APIKeyEncrypted = encrypted
	}

	if err := h.repo.Update(c.Request.Context(), up); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.store.Invalidate()
	c.JSON(http.StatusOK, up)
}

// Delete handles DELETE /admin/upstreams/:id.
func (h *UpstreamHandler) Delete(c *gin.Context) {
	if err := h.repo.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.store.Invalidate()
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// hasRedirectCycle rejects redirect maps that can never resolve.
func hasRedirectCycle(redirects map[string]string) bool {
	for start := range redirects {
		visited := map[string]bool{start: true}
		current := start
		for {
			next, ok := redirects[current]
			if !ok {
				break
			}
			if visited[next] {
				return true
			}
			visited[next] = true
			current = next
		}
	}
	return false
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := values[:0]
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
