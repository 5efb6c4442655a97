package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/semanticweft/semanticweft/internal/storage"
	"github.com/semanticweft/semanticweft/internal/unit"
	"github.com/semanticweft/semanticweft/pkg/api"
)

// SyncHandler serves the federated pull-sync stream. The stream carries
// public units only, regardless of authentication, together with this
// node's reputation view of every author on the page and the credibility
// score computed when each unit arrived over federation.
type SyncHandler struct {
	store  storage.Store
	logger *zap.Logger
}

// NewSyncHandler builds the sync endpoint.
func NewSyncHandler(store storage.Store, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{store: store, logger: logger}
}

// Register mounts the sync route on the given router group.
func (h *SyncHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/sync", h.Sync)
}

// Sync handles GET /v1/sync. An Accept: text/event-stream request upgrades
// the page to an SSE stream; the Last-Event-ID header then stands in for
// the after cursor.
func (h *SyncHandler) Sync(c *gin.Context) {
	after := c.Query("after")
	if after == "" {
		after = c.GetHeader("Last-Event-ID")
	}
	if after != "" && !unit.IsUUIDv7(after) {
		respondErr(c, http.StatusBadRequest, api.CodeInvalidParameter, "after must be a valid UUIDv7")
		return
	}
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondErr(c, http.StatusBadRequest, api.CodeInvalidParameter, "limit must be an integer")
			return
		}
		limit = clamp(n, 1, maxListLimit)
	}

	page, err := h.store.ListUnits(c.Request.Context(), storage.UnitFilter{
		After:        after,
		Limit:        limit,
		Since:        c.Query("since"),
		Visibilities: []unit.Visibility{unit.VisibilityPublic},
	})
	if err != nil {
		h.logger.Error("sync listing failed", zap.Error(err))
		respondStoreErr(c, err)
		return
	}

	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		h.streamSSE(c, page)
		return
	}

	ctx := c.Request.Context()
	ids := make([]string, len(page.Units))
	for i, u := range page.Units {
		ids[i] = u.ID
	}
	credibility, err := h.store.GetCredibilities(ctx, ids)
	if err != nil {
		h.logger.Warn("credibility lookup failed", zap.Error(err))
		credibility = map[string]float64{}
	}

	reputations := make(map[string]float64)
	for _, u := range page.Units {
		if _, ok := reputations[u.Author]; ok {
			continue
		}
		rep := storage.DefaultReputation
		if agent, err := h.store.GetAgent(ctx, u.Author); err == nil {
			rep = agent.Reputation
		} else if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Warn("author reputation lookup failed", zap.String("author", u.Author), zap.Error(err))
		}
		reputations[u.Author] = rep
	}

	units := make([]json.RawMessage, 0, len(page.Units))
	for _, u := range page.Units {
		raw, err := annotateCredibility(u, credibility)
		if err != nil {
			h.logger.Error("unit serialization failed", zap.String("id", u.ID), zap.Error(err))
			respondErr(c, http.StatusInternalServerError, api.CodeInternalError, "internal error")
			return
		}
		units = append(units, raw)
	}

	body := gin.H{
		"units":              units,
		"has_more":           page.HasMore,
		"author_reputations": reputations,
	}
	if n := len(page.Units); n > 0 {
		body["cursor"] = page.Units[n-1].ID
	}
	c.JSON(http.StatusOK, body)
}

// annotateCredibility serialises a unit, adding a top-level credibility
// field when a score was computed for it.
func annotateCredibility(u *unit.Unit, scores map[string]float64) (json.RawMessage, error) {
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	score, ok := scores[u.ID]
	if !ok {
		return raw, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	sv, err := json.Marshal(score)
	if err != nil {
		return nil, err
	}
	m["credibility"] = sv
	return json.Marshal(m)
}

// streamSSE writes the page as Server-Sent Events and terminates with an
// end event. Event ids are unit ids, so a reconnecting client resumes via
// Last-Event-ID.
func (h *SyncHandler) streamSSE(c *gin.Context, page storage.Page) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	w := c.Writer
	for _, u := range page.Units {
		data, err := json.Marshal(u)
		if err != nil {
			h.logger.Error("unit serialization failed", zap.String("id", u.ID), zap.Error(err))
			return
		}
		fmt.Fprintf(w, "id: %s\nevent: unit\ndata: %s\n\n", u.ID, data)
	}
	fmt.Fprint(w, "event: end\ndata: {}\n\n")
	w.Flush()
}
