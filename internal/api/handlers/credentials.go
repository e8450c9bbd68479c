package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type SaveCredentialsRequest struct {
	AccessKey string `json:"access_key" binding:"required"`
	Secret    string `json:"secret" binding:"required"`
	Region    string `json:"region"`
}

func (h *Handler) GetCredentials(c *gin.Context) {
	status, err := h.credentials.Status(c.Request.Context())
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, status)
}

// SaveCredentials validates the keys against the provider before storing
// them.
func (h *Handler) SaveCredentials(c *gin.Context) {
	var req SaveCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	status, err := h.credentials.Save(c.Request.Context(), req.AccessKey, req.Secret, req.Region)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) DeleteCredentials(c *gin.Context) {
	if err := h.credentials.Delete(c.Request.Context()); err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}
