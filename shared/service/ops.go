package service

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"petstore-platform/shared/logger"
	"petstore-platform/shared/messaging/rabbitmq"
	"petstore-platform/shared/metrics"
	"petstore-platform/shared/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	healthTimeout       = 3 * time.Second
	defaultInboxListing = 50
)

type queueHealth struct {
	Queue string               `json:"queue"`
	Stats *rabbitmq.QueueStats `json:"stats,omitempty"`
	Error string               `json:"error,omitempty"`
}

// Router serves /health, /metrics and the inbox listing.
func (a *App) Router() *gin.Engine {
	if a.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.GinMiddleware(a.Config.ServiceName))
	router.Use(logger.GinMiddleware(a.Log))
	router.Use(metrics.PrometheusMiddleware(a.Config.ServiceName))

	router.GET("/health", a.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/inbox/:queue", a.listInbox)
	}
	return router
}

// health is 503 only when this process consumes queues and has lost the broker.
// Queue statistics are informational; a management API failure is reported inline.
func (a *App) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	queues := a.trackedQueues()
	connected := a.Conn != nil && a.Conn.IsConnected()

	status := http.StatusOK
	state := "ok"
	if a.Conn != nil && len(queues) > 0 && !connected {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}

	var report []queueHealth
	if a.Management != nil {
		for _, q := range queues {
			stats, err := a.Management.QueueStats(ctx, q)
			if err != nil {
				a.Log.WarnCtx(ctx, "Failed to read queue stats", logger.String("queue", q), logger.Err(err))
				report = append(report, queueHealth{Queue: q, Error: err.Error()})
				continue
			}
			report = append(report, queueHealth{Queue: q, Stats: stats})
		}
	}

	c.JSON(status, gin.H{
		"status":  state,
		"service": a.Config.ServiceName,
		"broker": gin.H{
			"enabled":   a.Config.EnableBroker,
			"connected": connected,
		},
		"queues": report,
	})
}

func (a *App) listInbox(c *gin.Context) {
	ctx := c.Request.Context()
	queue := c.Param("queue")

	limit := defaultInboxListing
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	records, err := a.Inbox.Recent(ctx, queue, limit)
	if err != nil {
		a.Log.ErrorCtx(ctx, "Failed to fetch inbox records", logger.String("queue", queue), logger.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch inbox records"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"queue":      queue,
		"count":      len(records),
		"records":    records,
		"request_id": logger.GetRequestIDFromGin(c),
	})
}
