package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/semanticweft/semanticweft/internal/storage"
	"github.com/semanticweft/semanticweft/internal/unit"
	"github.com/semanticweft/semanticweft/pkg/api"
)

// Inbox page-size bounds.
const (
	defaultInboxLimit = 20
	maxInboxLimit     = 100
)

// InboxHandler serves per-agent inboxes: the owner reads them, remote nodes
// deliver into them.
type InboxHandler struct {
	store  storage.Store
	auth   *Auth
	logger *zap.Logger
}

// NewInboxHandler builds the inbox endpoints.
func NewInboxHandler(store storage.Store, auth *Auth, logger *zap.Logger) *InboxHandler {
	return &InboxHandler{store: store, auth: auth, logger: logger}
}

// Register mounts the inbox routes on the given router group.
func (h *InboxHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/agents/:did/inbox", h.auth.RequireAuth(), h.List)
	rg.POST("/agents/:did/inbox", h.auth.NodeAuth(), h.Deliver)
}

// List handles GET /v1/agents/:did/inbox. Only the inbox owner may read
// it; anyone else gets not-found so inbox existence does not leak.
func (h *InboxHandler) List(c *gin.Context) {
	did := c.Param("did")
	if CallerDID(c) != did {
		respondErr(c, http.StatusNotFound, api.CodeNotFound, "not found")
		return
	}
	if _, err := h.store.GetAgent(c.Request.Context(), did); err != nil {
		respondStoreErr(c, err)
		return
	}

	after := c.Query("after")
	limit := defaultInboxLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondErr(c, http.StatusBadRequest, api.CodeInvalidParameter, "limit must be an integer")
			return
		}
		limit = clamp(n, 1, maxInboxLimit)
	}

	page, err := h.store.ListInbox(c.Request.Context(), did, after, limit)
	if err != nil {
		h.logger.Error("inbox listing failed", zap.String("did", did), zap.Error(err))
		respondStoreErr(c, err)
		return
	}

	items := make([]json.RawMessage, 0, len(page.Units))
	for _, u := range page.Units {
		raw, err := json.Marshal(u)
		if err != nil {
			h.logger.Error("unit serialization failed", zap.String("id", u.ID), zap.Error(err))
			respondErr(c, http.StatusInternalServerError, api.CodeInternalError, "internal error")
			return
		}
		items = append(items, raw)
	}
	out := api.InboxPage{Items: items}
	if page.HasMore && len(page.Units) > 0 {
		out.NextCursor = page.Units[len(page.Units)-1].ID
	}
	c.JSON(http.StatusOK, out)
}

// Deliver handles POST /v1/agents/:did/inbox: a signed delivery from a
// remote node. The unit is validated and the insert is idempotent, so
// remote retries are safe.
func (h *InboxHandler) Deliver(c *gin.Context) {
	did := c.Param("did")
	if _, err := h.store.GetAgent(c.Request.Context(), did); err != nil {
		respondStoreErr(c, err)
		return
	}

	var u unit.Unit
	if err := c.ShouldBindJSON(&u); err != nil {
		respondErr(c, http.StatusBadRequest, api.CodeInvalidJSON, "request body is not a valid unit: "+err.Error())
		return
	}
	if err := unit.Validate(&u); err != nil {
		respondErr(c, http.StatusUnprocessableEntity, api.CodeValidationFailed, err.Error())
		return
	}

	if err := h.store.DeliverToInbox(c.Request.Context(), did, &u); err != nil {
		h.logger.Error("inbox delivery failed",
			zap.String("did", did),
			zap.String("unit", u.ID),
			zap.String("from", CallerNodeID(c)),
			zap.Error(err))
		respondStoreErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"delivered": u.ID})
}
