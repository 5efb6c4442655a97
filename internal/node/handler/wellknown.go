package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/semanticweft/semanticweft/internal/storage"
	"github.com/semanticweft/semanticweft/pkg/api"
)

// jrdContentType is the WebFinger media type (RFC 7033).
const jrdContentType = "application/jrd+json; charset=utf-8"

// WellKnownHandler serves the node discovery document, WebFinger agent
// discovery, and the health probe.
type WellKnownHandler struct {
	store  storage.Store
	info   api.NodeInfo
	logger *zap.Logger
}

// NewWellKnownHandler builds the well-known endpoints. info is assembled
// once at startup; it only changes across restarts.
func NewWellKnownHandler(store storage.Store, info api.NodeInfo, logger *zap.Logger) *WellKnownHandler {
	return &WellKnownHandler{store: store, info: info, logger: logger}
}

// Register mounts the well-known routes on the engine root.
func (h *WellKnownHandler) Register(r *gin.Engine) {
	r.GET("/.well-known/semanticweft", h.NodeInfo)
	r.GET("/.well-known/webfinger", h.WebFinger)
	r.GET("/healthz", h.Health)
}

// NodeInfo handles GET /.well-known/semanticweft.
func (h *WellKnownHandler) NodeInfo(c *gin.Context) {
	c.JSON(http.StatusOK, h.info)
}

// WebFinger handles GET /.well-known/webfinger. The resource may be
// "acct:{did}@{host}" or a bare DID; either way the DID must be a
// registered agent.
func (h *WellKnownHandler) WebFinger(c *gin.Context) {
	resource := c.Query("resource")
	if resource == "" {
		respondErr(c, http.StatusBadRequest, api.CodeInvalidParameter, "resource query parameter is required")
		return
	}

	did := resource
	if acct, ok := strings.CutPrefix(resource, "acct:"); ok {
		// Split on the last '@': DIDs may contain '@' in
		// method-specific parts, hostnames may not.
		if i := strings.LastIndex(acct, "@"); i >= 0 {
			did = acct[:i]
		} else {
			did = acct
		}
	}
	if !strings.HasPrefix(did, "did:") {
		respondErr(c, http.StatusBadRequest, api.CodeInvalidParameter, "resource must name a DID")
		return
	}

	if _, err := h.store.GetAgent(c.Request.Context(), did); err != nil {
		respondStoreErr(c, err)
		return
	}

	jrd := api.JRD{
		Subject: resource,
		Links: []api.JRDLink{{
			Rel:  "self",
			Type: "application/json",
			Href: strings.TrimRight(h.info.APIBase, "/") + "/v1/agents/" + url.PathEscape(did),
		}},
	}
	c.Header("Content-Type", jrdContentType)
	c.JSON(http.StatusOK, jrd)
}

// Health handles GET /healthz, reporting storage reachability.
func (h *WellKnownHandler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
