package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/semanticweft/semanticweft/internal/auditlog"
	"github.com/semanticweft/semanticweft/internal/reputation"
	"github.com/semanticweft/semanticweft/internal/storage"
	"github.com/semanticweft/semanticweft/pkg/api"
)

// AgentHandler serves agent profile registration, lookup, removal, and
// agent reputation voting.
type AgentHandler struct {
	store  storage.Store
	votes  *reputation.Engine
	auth   *Auth
	audit  auditlog.Ledger
	logger *zap.Logger
}

// NewAgentHandler builds the agent endpoints.
func NewAgentHandler(store storage.Store, votes *reputation.Engine, auth *Auth, audit auditlog.Ledger, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{store: store, votes: votes, auth: auth, audit: audit, logger: logger}
}

// record appends an audit entry. Failures are logged, never surfaced: the
// mutation itself has already succeeded.
func (h *AgentHandler) record(c *gin.Context, subject, action string, payload any) {
	if _, err := h.audit.Append(c.Request.Context(), subject, action, CallerDID(c), payload); err != nil {
		h.logger.Error("audit append failed",
			zap.String("action", action), zap.String("subject", subject), zap.Error(err))
	}
}

// Register mounts the agent routes on the given router group.
func (h *AgentHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/agents/:did", h.auth.RequireAuth(), h.Upsert)
	rg.GET("/agents/:did", h.Get)
	rg.DELETE("/agents/:did", h.auth.RequireAuth(), h.Delete)
	rg.PATCH("/agents/:did", h.auth.RequireAuth(), h.Vote)
}

// registerRequest is the writable subset of an agent profile. Reputation
// and contributions are owned by the reputation system and never accepted
// from the caller.
type registerRequest struct {
	DID       string `json:"did"`
	InboxURL  string `json:"inbox_url"`
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
	Status    string `json:"status"`
}

// Upsert handles POST /v1/agents/:did. The authenticated caller must be
// the profile owner, and the body's did must match the path.
func (h *AgentHandler) Upsert(c *gin.Context) {
	did := c.Param("did")
	if CallerDID(c) != did {
		respondErr(c, http.StatusForbidden, api.CodeForbidden, "callers may only manage their own profile")
		return
	}

	var body registerRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondErr(c, http.StatusBadRequest, api.CodeInvalidJSON, "request body is not a valid agent profile: "+err.Error())
		return
	}
	if body.DID != did {
		respondErr(c, http.StatusBadRequest, api.CodeInvalidParameter, "body did must match the path did")
		return
	}
	if body.InboxURL == "" {
		respondErr(c, http.StatusBadRequest, api.CodeInvalidParameter, "inbox_url is required")
		return
	}
	if body.Status != "" && body.Status != storage.AgentStatusFull && body.Status != storage.AgentStatusProbationary {
		respondErr(c, http.StatusBadRequest, api.CodeInvalidParameter, "status must be full or probationary")
		return
	}

	a := storage.Agent{
		DID:       body.DID,
		InboxURL:  body.InboxURL,
		Name:      body.Name,
		PublicKey: body.PublicKey,
		Status:    body.Status,
	}
	if err := h.store.UpsertAgent(c.Request.Context(), &a); err != nil {
		h.logger.Error("agent upsert failed", zap.String("did", did), zap.Error(err))
		respondStoreErr(c, err)
		return
	}
	stored, err := h.store.GetAgent(c.Request.Context(), did)
	if err != nil {
		respondStoreErr(c, err)
		return
	}
	h.record(c, did, auditlog.ActionRegister, stored)
	c.JSON(http.StatusCreated, stored)
}

// Get handles GET /v1/agents/:did.
func (h *AgentHandler) Get(c *gin.Context) {
	agent, err := h.store.GetAgent(c.Request.Context(), c.Param("did"))
	if err != nil {
		respondStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// Delete handles DELETE /v1/agents/:did. Removing a profile also removes
// its follow edges and inbox.
func (h *AgentHandler) Delete(c *gin.Context) {
	did := c.Param("did")
	if CallerDID(c) != did {
		respondErr(c, http.StatusForbidden, api.CodeForbidden, "callers may only manage their own profile")
		return
	}
	if err := h.store.DeleteAgent(c.Request.Context(), did); err != nil {
		respondStoreErr(c, err)
		return
	}
	h.record(c, did, auditlog.ActionDeregister, nil)
	c.Status(http.StatusNoContent)
}

// Vote handles PATCH /v1/agents/:did: a community reputation vote by the
// authenticated caller on the named agent.
func (h *AgentHandler) Vote(c *gin.Context) {
	var body struct {
		Reputation *float64 `json:"reputation"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Reputation == nil {
		respondErr(c, http.StatusBadRequest, api.CodeInvalidJSON, "body must carry a reputation value")
		return
	}

	updated, err := h.votes.VoteAgent(c.Request.Context(), CallerDID(c), c.Param("did"), *body.Reputation)
	if err != nil {
		respondVoteErr(c, err)
		return
	}
	h.record(c, updated.DID, auditlog.ActionVote, gin.H{
		"proposed": *body.Reputation,
		"merged":   updated.Reputation,
	})
	c.JSON(http.StatusOK, updated)
}

// respondVoteErr maps reputation engine rejections onto the error taxonomy.
func respondVoteErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, reputation.ErrInvalidValue):
		respondErr(c, http.StatusBadRequest, api.CodeInvalidParameter, err.Error())
	case errors.Is(err, reputation.ErrSelfVote),
		errors.Is(err, reputation.ErrNoVoter),
		errors.Is(err, reputation.ErrUnknownVoter),
		errors.Is(err, reputation.ErrBelowThreshold):
		respondErr(c, http.StatusForbidden, api.CodeForbidden, err.Error())
	default:
		respondStoreErr(c, err)
	}
}
