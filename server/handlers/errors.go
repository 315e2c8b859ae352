package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/athena-uvm/hotspot-inspector/server/catalog"
	"github.com/athena-uvm/hotspot-inspector/server/inspection"
	"github.com/athena-uvm/hotspot-inspector/server/overlay"
	"github.com/gin-gonic/gin"
)

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	var acquisitionErr *inspection.AcquisitionError
	var analysisErr *inspection.AnalysisError

	switch {
	case errors.Is(err, inspection.ErrSessionNotFound), errors.Is(err, catalog.ErrUnknownHotspot):
		return http.StatusNotFound
	case errors.Is(err, inspection.ErrInvalidDimensions):
		return http.StatusBadRequest
	case errors.Is(err, inspection.ErrInvalidTransition),
		errors.Is(err, inspection.ErrOverlayNotReady),
		errors.Is(err, overlay.ErrDimensionsUnknown):
		return http.StatusConflict
	case errors.Is(err, inspection.ErrDispatcherFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &acquisitionErr), errors.As(err, &analysisErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "Internal server error"
	}
	c.JSON(status, gin.H{"error": message})
}
