package handlers

import (
	"net/http"
	"time"

	"github.com/athena-uvm/hotspot-inspector/server/cache"
	"github.com/athena-uvm/hotspot-inspector/server/catalog"
	"github.com/athena-uvm/hotspot-inspector/server/inspection"
	"github.com/athena-uvm/hotspot-inspector/server/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type StatsHandler struct {
	catalog     *catalog.Catalog
	manager     *inspection.Manager
	dispatcher  *inspection.Dispatcher
	cache       cache.Cache
	rateLimiter *middleware.RateLimiter
	logger      *zap.Logger
	startTime   time.Time
}

func NewStatsHandler(cat *catalog.Catalog, manager *inspection.Manager, dispatcher *inspection.Dispatcher, cacheInstance cache.Cache, rateLimiter *middleware.RateLimiter, logger *zap.Logger) *StatsHandler {
	return &StatsHandler{
		catalog:     cat,
		manager:     manager,
		dispatcher:  dispatcher,
		cache:       cacheInstance,
		rateLimiter: rateLimiter,
		logger:      logger,
		startTime:   time.Now(),
	}
}

func (h *StatsHandler) GetStats(c *gin.Context) {
	response := gin.H{
		"catalog": gin.H{
			"hotspots":    h.catalog.Len(),
			"last_report": h.catalog.LastReport(),
		},
		"sessions":       h.manager.Stats(),
		"uptime_seconds": time.Since(h.startTime).Seconds(),
		"timestamp":      time.Now().Unix(),
	}

	if h.dispatcher != nil {
		response["dispatcher"] = h.dispatcher.Stats()
	}

	if h.cache != nil {
		cacheStats, err := h.cache.GetStats(c.Request.Context())
		if err != nil {
			h.logger.Warn("Failed to read cache stats", zap.Error(err))
		} else {
			response["cache"] = cacheStats
		}
	}

	if h.rateLimiter != nil {
		response["rate_limiter"] = h.rateLimiter.Stats()
	}

	c.JSON(http.StatusOK, response)
}
