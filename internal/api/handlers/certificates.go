package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type RequestCertificateRequest struct {
	DomainRecordID string `json:"domain_record_id" binding:"required"`
	Port           int    `json:"port"`
}

type InstallCertificateRequest struct {
	ServerType string `json:"server_type" binding:"required"`
}

func (h *Handler) ListCertificates(c *gin.Context) {
	records, err := h.certificates.List(c.Request.Context(), c.Query("domain_record_id"))
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"certificates": records,
		"count":        len(records),
	})
}

// RequestCertificate blocks until the CA answers. When issuance fails the
// failed record is returned next to the error.
func (h *Handler) RequestCertificate(c *gin.Context) {
	var req RequestCertificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Port == 0 {
		req.Port = 443
	}

	rec, err := h.certificates.RequestCertificate(c.Request.Context(), req.DomainRecordID, req.Port)
	if err != nil {
		var extra gin.H
		if rec != nil {
			extra = gin.H{"certificate": rec}
		}
		h.respondError(c, err, extra)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetCertificate(c *gin.Context) {
	rec, err := h.certificates.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) InstallCertificate(c *gin.Context) {
	var req InstallCertificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.certificates.InstallCertificate(c.Request.Context(), c.Param("id"), req.ServerType)
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) RevokeCertificate(c *gin.Context) {
	rec, err := h.certificates.Revoke(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// DeleteCertificate refuses an installed certificate unless ?force=true.
func (h *Handler) DeleteCertificate(c *gin.Context) {
	force, err := strconv.ParseBool(c.DefaultQuery("force", "false"))
	if err != nil {
		badRequest(c, err)
		return
	}

	if err := h.certificates.Delete(c.Request.Context(), c.Param("id"), force); err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ServedCertificate(c *gin.Context) {
	status, err := h.certificates.Served(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, status)
}
