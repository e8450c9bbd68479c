package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type ScanRequest struct {
	Ports []int `json:"ports"`
}

func (h *Handler) ListPorts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ports": h.detector.Ports()})
}

func (h *Handler) ScanPorts(c *gin.Context) {
	var req ScanRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	res, err := h.detector.ScanPorts(c.Request.Context(), req.Ports)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Detect runs a full scan and replaces the cached snapshot.
func (h *Handler) Detect(c *gin.Context) {
	detections, err := h.detector.Detect(c.Request.Context())
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"detections": detections,
		"count":      len(detections),
	})
}

func (h *Handler) LatestDetections(c *gin.Context) {
	snap, err := h.detector.Latest(c.Request.Context())
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, snap)
}
