package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/athena-uvm/hotspot-inspector/server/catalog"
	"github.com/athena-uvm/hotspot-inspector/server/middleware"
	"github.com/athena-uvm/hotspot-inspector/server/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type HotspotHandler struct {
	catalog       *catalog.Catalog
	reloadTimeout time.Duration
	logger        *zap.Logger
}

func NewHotspotHandler(cat *catalog.Catalog, reloadTimeout time.Duration, logger *zap.Logger) *HotspotHandler {
	return &HotspotHandler{
		catalog:       cat,
		reloadTimeout: reloadTimeout,
		logger:        logger,
	}
}

// ListHotspots returns the catalog, optionally narrowed with
// ?risk_level=CRITICAL,MODERATE.
func (h *HotspotHandler) ListHotspots(c *gin.Context) {
	features := h.catalog.List()

	if filter := c.Query("risk_level"); filter != "" {
		wanted := make(map[models.RiskLevel]bool)
		for _, raw := range strings.Split(filter, ",") {
			level := models.RiskLevel(strings.ToUpper(strings.TrimSpace(raw)))
			if !level.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid risk_level: " + string(level)})
				return
			}
			wanted[level] = true
		}

		filtered := features[:0]
		for _, f := range features {
			if wanted[f.RiskLevel] {
				filtered = append(filtered, f)
			}
		}
		features = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"count":    len(features),
		"hotspots": features,
	})
}

func (h *HotspotHandler) GetHotspot(c *gin.Context) {
	feature, ok := h.catalog.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Hotspot not found"})
		return
	}
	c.JSON(http.StatusOK, feature)
}

// ReloadCatalog refetches the collection. Open sessions keep the feature
// they selected.
func (h *HotspotHandler) ReloadCatalog(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.reloadTimeout)
	defer cancel()

	report, err := h.catalog.Load(ctx)
	if err != nil {
		h.logger.Error("Catalog reload failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("Catalog reloaded",
		zap.String("operator", c.GetString(middleware.OperatorKey)),
		zap.Int("loaded", report.Loaded))
	c.JSON(http.StatusOK, report)
}
