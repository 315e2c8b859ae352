package handlers

import (
	"net/http"

	"github.com/athena-uvm/hotspot-inspector/server/inspection"
	"github.com/athena-uvm/hotspot-inspector/server/overlay"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionHandler exposes inspection workspaces over plain HTTP. Launch and
// analyze block until the backend answers and then return the new snapshot.
type SessionHandler struct {
	manager *inspection.Manager
	logger  *zap.Logger
}

type SelectRequest struct {
	HotspotID string `json:"hotspot_id"`
}

type DimensionsRequest struct {
	ImageID string `json:"image_id"`
	Width   int    `json:"width" binding:"required"`
	Height  int    `json:"height" binding:"required"`
}

type overlayPolygon struct {
	overlay.DisplayPolygon
	Stroke string `json:"stroke"`
}

func NewSessionHandler(manager *inspection.Manager, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		manager: manager,
		logger:  logger,
	}
}

func (h *SessionHandler) CreateSession(c *gin.Context) {
	workspace := h.manager.Create()
	c.JSON(http.StatusCreated, workspace.Session.Snapshot())
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	workspace, ok := h.workspace(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, workspace.Session.Snapshot())
}

func (h *SessionHandler) DeleteSession(c *gin.Context) {
	if err := h.manager.Delete(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SelectHotspot selects a hotspot; an empty id clears the selection.
func (h *SessionHandler) SelectHotspot(c *gin.Context) {
	workspace, ok := h.workspace(c)
	if !ok {
		return
	}

	var request SelectRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	if _, err := workspace.Selection.Select(request.HotspotID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, workspace.Session.Snapshot())
}

func (h *SessionHandler) Launch(c *gin.Context) {
	workspace, ok := h.workspace(c)
	if !ok {
		return
	}

	if err := workspace.Session.Launch(c.Request.Context()); err != nil {
		h.logger.Warn("Launch failed", zap.String("session_id", workspace.ID()), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, workspace.Session.Snapshot())
}

func (h *SessionHandler) Analyze(c *gin.Context) {
	workspace, ok := h.workspace(c)
	if !ok {
		return
	}

	if err := workspace.Session.Analyze(c.Request.Context()); err != nil {
		h.logger.Warn("Analyze failed", zap.String("session_id", workspace.ID()), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, workspace.Session.Snapshot())
}

// ReportDimensions is called once the rendering surface has loaded the
// image and knows its natural size.
func (h *SessionHandler) ReportDimensions(c *gin.Context) {
	workspace, ok := h.workspace(c)
	if !ok {
		return
	}

	var request DimensionsRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	if err := workspace.Session.ReportImageDimensions(request.ImageID, request.Width, request.Height); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, workspace.Session.Snapshot())
}

// GetOverlay returns the display polygons as JSON, or as an SVG document
// with ?format=svg.
func (h *SessionHandler) GetOverlay(c *gin.Context) {
	workspace, ok := h.workspace(c)
	if !ok {
		return
	}

	polygons, canvas, err := workspace.Session.Overlay()
	if err != nil {
		respondError(c, err)
		return
	}

	if c.Query("format") == "svg" {
		c.Data(http.StatusOK, "image/svg+xml; charset=utf-8", []byte(overlay.ToSVG(canvas, polygons)))
		return
	}

	out := make([]overlayPolygon, len(polygons))
	for i, p := range polygons {
		out[i] = overlayPolygon{DisplayPolygon: p, Stroke: overlay.StrokeColor(p.Category)}
	}
	c.JSON(http.StatusOK, gin.H{
		"canvas":   canvas,
		"polygons": out,
	})
}

func (h *SessionHandler) workspace(c *gin.Context) (*inspection.Workspace, bool) {
	workspace, err := h.manager.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return workspace, true
}
