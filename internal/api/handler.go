package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"reconciler-service/config"
	"reconciler-service/internal/models"
	"reconciler-service/internal/ratelimit"
	"reconciler-service/internal/service"
	"reconciler-service/internal/util"
	"reconciler-service/internal/webhook"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxWebhookBody caps inbound webhook payloads at 1 MiB. Providers send
// far smaller bodies; anything larger is not a legitimate delivery.
const maxWebhookBody = 1 << 20

// AdminStore is the read-only store surface the admin endpoints need.
type AdminStore interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	ListWebhookLogs(ctx context.Context, provider, status string, limit int) ([]models.WebhookLogEntry, error)
}

// Handler contains HTTP handlers
type Handler struct {
	processor *service.WebhookProcessor
	store     AdminStore
	limiter   *ratelimit.Limiter
	cfg       *config.Config
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(processor *service.WebhookProcessor, store AdminStore, limiter *ratelimit.Limiter, cfg *config.Config) *Handler {
	return &Handler{
		processor: processor,
		store:     store,
		limiter:   limiter,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())
	router.Use(ratelimit.Middleware(h.limiter, h.cfg.RateLimit))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	hooks := router.Group("/webhooks")
	{
		hooks.POST("/stripe", h.stripeWebhook)
		hooks.GET("/stripe", h.stripeInfo)
		hooks.POST("/shopify", h.shopifyWebhook)
		hooks.GET("/shopify", h.shopifyInfo)
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/admin/webhook-logs", h.listWebhookLogs)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// stripeInfo answers endpoint probes without requiring a signed body.
func (h *Handler) stripeInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"service":         "reconciler-service",
		"provider":        "stripe",
		"supportedEvents": webhook.SupportedStripeEvents(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) shopifyInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"service":         "reconciler-service",
		"provider":        "shopify",
		"supportedTopics": webhook.SupportedShopifyTopics(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

// stripeWebhook handles a signed Stripe event delivery
func (h *Handler) stripeWebhook(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unreadable request body",
		})
		return
	}

	err = h.processor.ProcessStripe(c.Request.Context(), body, c.GetHeader("Stripe-Signature"))
	h.respondWebhook(c, "stripe", err)
}

// shopifyWebhook handles a signed Shopify topic delivery
func (h *Handler) shopifyWebhook(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unreadable request body",
		})
		return
	}

	err = h.processor.ProcessShopify(
		c.Request.Context(),
		body,
		c.GetHeader("X-Shopify-Hmac-Sha256"),
		c.GetHeader("X-Shopify-Topic"),
		c.GetHeader("X-Shopify-Webhook-Id"),
	)
	h.respondWebhook(c, "shopify", err)
}

// respondWebhook maps the processor's error contract onto HTTP statuses.
// nil means the delivery is durably recorded and the provider must not
// retry; a verification failure is 401, a parse failure 400, anything else
// 500 so the provider redelivers.
func (h *Handler) respondWebhook(c *gin.Context, provider string, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, webhook.ErrMissingSecret),
		errors.Is(err, webhook.ErrMissingSignature),
		errors.Is(err, webhook.ErrStaleTimestamp),
		errors.Is(err, webhook.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "Webhook verification failed",
		})
	case errors.Is(err, service.ErrMalformedPayload):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Malformed webhook payload",
		})
	default:
		h.logger.Error("Webhook processing failed",
			zap.String("provider", provider),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Webhook processing failed",
		})
	}
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	idStr := c.Param("id")
	orderID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return
	}

	order, err := h.store.GetOrderByID(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Order not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
	})
}

// listWebhookLogs handles the admin event-log query, filterable by
// provider and status.
func (h *Handler) listWebhookLogs(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid limit",
			})
			return
		}
		limit = parsed
	}

	logs, err := h.store.ListWebhookLogs(
		c.Request.Context(),
		c.Query("provider"),
		c.Query("status"),
		limit,
	)
	if err != nil {
		h.logger.Error("Failed to list webhook logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list webhook logs",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count": len(logs),
		"logs":  logs,
	})
}

func readBody(c *gin.Context) ([]byte, error) {
	return io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
