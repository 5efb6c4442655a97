package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/semanticweft/semanticweft/internal/auditlog"
	"github.com/semanticweft/semanticweft/pkg/api"
)

// AuditHandler exposes read-only views of the node's audit chain.
type AuditHandler struct {
	ledger auditlog.Ledger
	logger *zap.Logger
}

// NewAuditHandler builds the audit endpoints.
func NewAuditHandler(ledger auditlog.Ledger, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{ledger: ledger, logger: logger}
}

// Register mounts the audit routes on the given router group.
func (h *AuditHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/audit", h.Overview)
	rg.GET("/audit/verify", h.Verify)
	rg.GET("/audit/entries/:idx", h.GetEntry)
}

// Overview handles GET /v1/audit: chain length and current root hash.
func (h *AuditHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.ledger.Len(ctx)
	if err != nil {
		h.logger.Error("audit length query failed", zap.Error(err))
		respondErr(c, http.StatusInternalServerError, api.CodeInternalError, "internal error")
		return
	}
	root, err := h.ledger.Root(ctx)
	if err != nil {
		h.logger.Error("audit root query failed", zap.Error(err))
		respondErr(c, http.StatusInternalServerError, api.CodeInternalError, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": count, "root": root})
}

// Verify handles GET /v1/audit/verify: walks the chain and reports whether
// it is intact.
func (h *AuditHandler) Verify(c *gin.Context) {
	if err := h.ledger.Verify(c.Request.Context()); err != nil {
		h.logger.Warn("audit chain integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GetEntry handles GET /v1/audit/entries/:idx.
func (h *AuditHandler) GetEntry(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		respondErr(c, http.StatusBadRequest, api.CodeInvalidParameter, "idx must be a non-negative integer")
		return
	}
	entry, err := h.ledger.Get(c.Request.Context(), idx)
	if err != nil {
		respondErr(c, http.StatusNotFound, api.CodeNotFound, "not found")
		return
	}
	c.JSON(http.StatusOK, entry)
}
