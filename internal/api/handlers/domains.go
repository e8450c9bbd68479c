package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type CreateDomainRequest struct {
	Label  string `json:"label" binding:"required"`
	ZoneID string `json:"zone_id" binding:"required"`
}

func (h *Handler) CurrentAddress(c *gin.Context) {
	addr, err := h.registrar.CurrentAddress(c.Request.Context())
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ip": addr.String()})
}

func (h *Handler) ListZones(c *gin.Context) {
	zones, err := h.registrar.List(c.Request.Context(), c.Query("zone_id"))
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"zones": zones,
		"count": len(zones),
	})
}

func (h *Handler) ZoneRegistration(c *gin.Context) {
	reg, err := h.registrar.ZoneRegistration(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, reg)
}

func (h *Handler) ListDomains(c *gin.Context) {
	records, err := h.registrar.ListRecords(c.Request.Context())
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"domains": records,
		"count":   len(records),
	})
}

// CreateDomain points label.<zone> at this host. Repeating the call is safe
// and refreshes the target address.
func (h *Handler) CreateDomain(c *gin.Context) {
	var req CreateDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	rec, err := h.registrar.Create(c.Request.Context(), req.Label, req.ZoneID)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetDomain(c *gin.Context) {
	rec, err := h.registrar.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) DeleteDomain(c *gin.Context) {
	if err := h.registrar.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ReconcileDomain(c *gin.Context) {
	res, err := h.registrar.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}
