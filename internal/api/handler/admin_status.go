package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/g1331/autorouter/internal/repository"
	"github.com/g1331/autorouter/internal/service"
)

// StatusHandler exposes breaker and health state plus admin breaker controls.
type StatusHandler struct {
	breaker     *service.CircuitBreaker
	breakerRepo repository.CircuitBreakerRepository
	health      *service.HealthTracker
	logRepo     repository.RequestLogRepository
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(
	breaker *service.CircuitBreaker,
	breakerRepo repository.CircuitBreakerRepository,
	health *service.HealthTracker,
	logRepo repository.RequestLogRepository,
) *StatusHandler {
	return &StatusHandler{
		breaker:     breaker,
		breakerRepo: breakerRepo,
		health:      health,
		logRepo:     logRepo,
	}
}

// Breakers handles GET /admin/breakers.
func (h *StatusHandler) Breakers(c *gin.Context) {
	states, err := h.breakerRepo.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"breakers": states})
}

// ForceOpen handles POST /admin/breakers/:id/open.
func (h *StatusHandler) ForceOpen(c *gin.Context) {
	if err := h.breaker.ForceOpen(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": "OPEN"})
}

// ForceClose handles POST /admin/breakers/:id/close.
func (h *StatusHandler) ForceClose(c *gin.Context) {
	if err := h.breaker.ForceClose(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": "CLOSED"})
}

// Health handles GET /admin/health.
func (h *StatusHandler) Health(c *gin.Context) {
	records, err := h.health.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"health": records})
}

// Logs handles GET /admin/logs.
func (h *StatusHandler) Logs(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	logs, err := h.logRepo.FindRecent(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// Healthz handles GET /healthz (liveness, no auth).
func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func intQuery(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
