package handler

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/g1331/autorouter/internal/metrics"
	"github.com/g1331/autorouter/internal/models"
	"github.com/g1331/autorouter/internal/proxyerr"
	"github.com/g1331/autorouter/internal/repository"
	"github.com/g1331/autorouter/internal/service"
)

// GatewayHandler terminates downstream requests and drives the
// auth -> route -> failover -> forward pipeline.
type GatewayHandler struct {
	auth         *service.AuthService
	router       *service.ModelRouter
	executor     *service.FailoverExecutor
	logRepo      repository.RequestLogRepository
	metrics      *metrics.Metrics
	strategy     models.LoadBalanceStrategy
	maxBodyBytes int64
	logger       *zap.Logger
}

// NewGatewayHandler creates a new GatewayHandler.
func NewGatewayHandler(
	auth *service.AuthService,
	router *service.ModelRouter,
	executor *service.FailoverExecutor,
	logRepo repository.RequestLogRepository,
	m *metrics.Metrics,
	strategy models.LoadBalanceStrategy,
	maxBodyBytes int64,
	logger *zap.Logger,
) *GatewayHandler {
	return &GatewayHandler{
		auth:         auth,
		router:       router,
		executor:     executor,
		logRepo:      logRepo,
		metrics:      m,
		strategy:     strategy,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// Proxy handles {GET,POST,PUT,DELETE,PATCH} /v1/*path.
func (h *GatewayHandler) Proxy(c *gin.Context) {
	start := time.Now()
	requestID := uuid.New().String()
	ctx := c.Request.Context()

	entry := &models.RequestLogEntry{
		RequestID: requestID,
		Method:    c.Request.Method,
		Path:      c.Request.URL.Path,
	}
	defer func() {
		h.metrics.ObserveRequest(c.Request.Method, c.Writer.Status(), time.Since(start))
	}()

	key, err := h.auth.Authenticate(ctx, bearerToken(c))
	if err != nil {
		h.respondError(c, entry, start, err)
		return
	}
	entry.APIKeyID = &key.ID

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.maxBodyBytes))
	if err != nil {
		h.respondError(c, entry, start,
			proxyerr.Wrap(proxyerr.KindInvalidRequest, "read request body", err))
		return
	}

	model, err := extractModel(body)
	if err != nil {
		h.respondError(c, entry, start, err)
		return
	}
	entry.Model = model

	// Best-effort in-progress row; a logging failure never aborts the proxy call.
	if id, err := h.logRepo.Insert(ctx, entry); err != nil {
		h.logger.Warn("failed to write in-progress request log",
			zap.String("request_id", requestID), zap.Error(err))
	} else {
		entry.ID = id
	}

	route, err := h.router.Route(ctx, model, key.AllowedUpstreamIDs)
	if err != nil {
		entry.RoutingDecision = route.Decision
		h.respondError(c, entry, start, err)
		return
	}
	entry.RoutingDecision = route.Decision

	preq := &service.ProxyRequest{
		Method:   c.Request.Method,
		Path:     c.Param("path"),
		RawQuery: c.Request.URL.RawQuery,
		Header:   c.Request.Header,
		Body:     body,
	}

	result, err := h.executor.Execute(ctx, preq, route.Candidates)
	if result != nil {
		entry.FailoverAttempts = result.Attempts
	}
	if err != nil {
		h.respondError(c, entry, start, err)
		return
	}

	route.Resolve(result.Upstream, h.strategy)
	entry.UpstreamID = &result.Upstream.ID
	entry.UpstreamName = result.Upstream.Name
	entry.ResolvedModel = route.Decision.ResolvedModel

	if result.Response.IsStream {
		h.writeStream(c, entry, result.Response, start)
		return
	}
	h.writeResponse(c, entry, result.Response, start)
}

// writeResponse returns a buffered upstream response downstream.
func (h *GatewayHandler) writeResponse(c *gin.Context, entry *models.RequestLogEntry, res *service.ProxyResult, start time.Time) {
	for k, vv := range res.Header {
		for _, v := range vv {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(res.StatusCode)
	if len(res.Body) > 0 {
		if _, err := c.Writer.Write(res.Body); err != nil {
			h.logger.Debug("failed to write response body", zap.Error(err))
		}
	}

	status := res.StatusCode
	entry.StatusCode = &status
	entry.Usage = res.Usage
	entry.DurationMs = float64(time.Since(start).Milliseconds())
	h.metrics.AddUsage(res.Usage)
	h.finalize(entry)
}

// writeStream pipes the wrapped upstream stream downstream and finalizes the
// log after the stream closes.
func (h *GatewayHandler) writeStream(c *gin.Context, entry *models.RequestLogEntry, res *service.ProxyResult, start time.Time) {
	entry.Stream = true

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(res.StatusCode)
	c.Writer.Flush()

	// A downstream disconnect must cancel the upstream read even while the
	// copy loop is blocked waiting for the next chunk. The request context is
	// also cancelled when the handler returns, so this goroutine always exits;
	// closing an already-finished stream is a no-op.
	go func() {
		<-c.Request.Context().Done()
		_ = res.Stream.Close()
	}()

	buf := make([]byte, 32*1024)
	for {
		n, readErr := res.Stream.Read(buf)
		if n > 0 {
			if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
				h.logger.Debug("client disconnected during stream",
					zap.String("request_id", entry.RequestID))
				break
			}
			c.Writer.Flush()
		}
		if readErr != nil {
			break
		}
	}
	// Close settles connection accounting on every exit path, including
	// downstream disconnect.
	_ = res.Stream.Close()

	usage := <-res.UsageCh

	status := res.StatusCode
	entry.StatusCode = &status
	entry.Usage = usage
	entry.DurationMs = float64(time.Since(start).Milliseconds())
	h.metrics.AddUsage(usage)
	h.finalize(entry)
}

// respondError writes the unified error envelope. Upstream names never reach
// the downstream body; the request log keeps the full detail.
func (h *GatewayHandler) respondError(c *gin.Context, entry *models.RequestLogEntry, start time.Time, err error) {
	status, body := proxyerr.Response(err)

	entry.StatusCode = &status
	entry.ErrorCode = body.Code
	entry.ErrorDetail = err.Error()
	entry.DurationMs = float64(time.Since(start).Milliseconds())
	h.finalize(entry)

	if proxyerr.IsKind(err, proxyerr.KindClientDisconnected) {
		// The client is gone; the status is recorded for the log only.
		c.Status(status)
		return
	}
	c.JSON(status, body)
}

// finalize completes the request log row asynchronously with a detached
// context; the request context may already be cancelled.
func (h *GatewayHandler) finalize(entry *models.RequestLogEntry) {
	if entry.ID == 0 {
		return
	}
	snapshot := *entry
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.logRepo.Finalize(ctx, &snapshot); err != nil {
			h.logger.Warn("failed to finalize request log",
				zap.String("request_id", snapshot.RequestID), zap.Error(err))
		}
	}()
}

// extractModel pulls the top-level model string out of the request body.
func extractModel(body []byte) (string, error) {
	if len(body) == 0 {
		return "", proxyerr.New(proxyerr.KindInvalidRequest, "request body required")
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", proxyerr.Wrap(proxyerr.KindInvalidRequest, "malformed JSON body", err)
	}
	model, _ := payload["model"].(string)
	if model == "" {
		return "", proxyerr.New(proxyerr.KindInvalidRequest, "model is required")
	}
	return model, nil
}

// bearerToken extracts the Authorization bearer value.
func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
