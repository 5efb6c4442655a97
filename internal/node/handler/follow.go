package handler

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/semanticweft/semanticweft/internal/storage"
	"github.com/semanticweft/semanticweft/pkg/api"
)

// followPageSize is the page size of the follow-graph listings.
const followPageSize = 100

// FollowHandler serves the follow graph: edge creation and removal plus the
// following/followers listings.
type FollowHandler struct {
	store  storage.Store
	auth   *Auth
	logger *zap.Logger
}

// NewFollowHandler builds the follow-graph endpoints.
func NewFollowHandler(store storage.Store, auth *Auth, logger *zap.Logger) *FollowHandler {
	return &FollowHandler{store: store, auth: auth, logger: logger}
}

// Register mounts the follow routes on the given router group.
func (h *FollowHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/agents/:did/following", h.auth.RequireAuth(), h.Follow)
	rg.DELETE("/agents/:did/following/:target", h.auth.RequireAuth(), h.Unfollow)
	rg.GET("/agents/:did/following", h.ListFollowing)
	rg.GET("/agents/:did/followers", h.ListFollowers)
}

// Follow handles POST /v1/agents/:did/following. The follower must be the
// authenticated caller and must be registered on this node; the target may
// live anywhere.
func (h *FollowHandler) Follow(c *gin.Context) {
	did := c.Param("did")
	var body struct {
		FollowerDID string `json:"follower_did"`
		TargetDID   string `json:"target_did"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondErr(c, http.StatusBadRequest, api.CodeInvalidJSON, "request body is not a valid follow request: "+err.Error())
		return
	}
	if body.FollowerDID == "" || body.TargetDID == "" {
		respondErr(c, http.StatusBadRequest, api.CodeInvalidParameter, "follower_did and target_did are required")
		return
	}
	if body.FollowerDID != did || CallerDID(c) != did {
		respondErr(c, http.StatusForbidden, api.CodeForbidden, "callers may only manage their own follow edges")
		return
	}
	if _, err := h.store.GetAgent(c.Request.Context(), did); err != nil {
		respondStoreErr(c, err)
		return
	}
	if err := h.store.AddFollow(c.Request.Context(), body.FollowerDID, body.TargetDID); err != nil {
		h.logger.Error("follow edge insert failed", zap.String("follower", did), zap.Error(err))
		respondStoreErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Unfollow handles DELETE /v1/agents/:did/following/:target. Removal is
// idempotent: unfollowing an absent edge still returns 204.
func (h *FollowHandler) Unfollow(c *gin.Context) {
	did := c.Param("did")
	if CallerDID(c) != did {
		respondErr(c, http.StatusForbidden, api.CodeForbidden, "callers may only manage their own follow edges")
		return
	}
	if err := h.store.RemoveFollow(c.Request.Context(), did, c.Param("target")); err != nil {
		h.logger.Error("follow edge removal failed", zap.String("follower", did), zap.Error(err))
		respondStoreErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListFollowing handles GET /v1/agents/:did/following.
func (h *FollowHandler) ListFollowing(c *gin.Context) {
	dids, err := h.store.Following(c.Request.Context(), c.Param("did"))
	if err != nil {
		respondStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, followPage(dids, c.Query("after")))
}

// ListFollowers handles GET /v1/agents/:did/followers.
func (h *FollowHandler) ListFollowers(c *gin.Context) {
	dids, err := h.store.Followers(c.Request.Context(), c.Param("did"))
	if err != nil {
		respondStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, followPage(dids, c.Query("after")))
}

// followPage cursors through a sorted DID list. The cursor is the last DID
// of the previous page.
func followPage(dids []string, after string) api.FollowList {
	sort.Strings(dids)
	start := 0
	if after != "" {
		start = sort.SearchStrings(dids, after)
		if start < len(dids) && dids[start] == after {
			start++
		}
	}
	page := dids[start:]
	out := api.FollowList{Items: []api.FollowEntry{}}
	if len(page) > followPageSize {
		page = page[:followPageSize]
		out.NextCursor = page[len(page)-1]
	}
	for _, did := range page {
		out.Items = append(out.Items, api.FollowEntry{DID: did})
	}
	return out
}
