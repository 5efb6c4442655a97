package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/semanticweft/semanticweft/internal/auditlog"
	"github.com/semanticweft/semanticweft/internal/federation"
	"github.com/semanticweft/semanticweft/internal/reputation"
	"github.com/semanticweft/semanticweft/internal/storage"
	"github.com/semanticweft/semanticweft/pkg/api"
)

// CallerNodeHeader carries the voting node's identifier on peer reputation
// votes.
const CallerNodeHeader = "X-SemanticWeft-Node-Id"

// PeerHandler serves the peer registry: listing, registration, and peer
// reputation voting.
type PeerHandler struct {
	store     storage.Store
	votes     *reputation.Engine
	discovery *federation.Discovery
	audit     auditlog.Ledger
	logger    *zap.Logger
}

// NewPeerHandler builds the peer endpoints.
func NewPeerHandler(store storage.Store, votes *reputation.Engine, discovery *federation.Discovery, audit auditlog.Ledger, logger *zap.Logger) *PeerHandler {
	return &PeerHandler{store: store, votes: votes, discovery: discovery, audit: audit, logger: logger}
}

// Register mounts the peer routes on the given router group.
func (h *PeerHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/peers", h.List)
	rg.POST("/peers", h.Add)
	rg.PATCH("/peers/:node_id", h.Vote)
}

// List handles GET /v1/peers.
func (h *PeerHandler) List(c *gin.Context) {
	peers, err := h.store.ListPeers(c.Request.Context())
	if err != nil {
		h.logger.Error("peer listing failed", zap.Error(err))
		respondStoreErr(c, err)
		return
	}
	out := api.PeersResponse{Peers: []api.PeerInfo{}}
	for _, p := range peers {
		out.Peers = append(out.Peers, api.PeerInfo{
			NodeID:     p.NodeID,
			APIBase:    p.APIBase,
			Reputation: p.Reputation,
			LastSeen:   p.LastSeen,
		})
	}
	SetPeersGauge(float64(len(out.Peers)))
	c.JSON(http.StatusOK, out)
}

// Add handles POST /v1/peers. The upsert preserves any existing reputation;
// a detached reachability check then nudges the newcomer's score.
func (h *PeerHandler) Add(c *gin.Context) {
	var peer api.PeerInfo
	if err := c.ShouldBindJSON(&peer); err != nil {
		respondErr(c, http.StatusBadRequest, api.CodeInvalidJSON, "request body is not a valid peer record: "+err.Error())
		return
	}
	if peer.NodeID == "" || peer.APIBase == "" {
		respondErr(c, http.StatusBadRequest, api.CodeInvalidParameter, "node_id and api_base are required")
		return
	}

	if err := h.store.UpsertPeer(c.Request.Context(), &storage.Peer{
		NodeID:     peer.NodeID,
		APIBase:    peer.APIBase,
		Reputation: peer.Reputation,
		LastSeen:   peer.LastSeen,
	}); err != nil {
		h.logger.Error("peer upsert failed", zap.String("peer", peer.NodeID), zap.Error(err))
		respondStoreErr(c, err)
		return
	}

	go h.discovery.Nudge(peer.NodeID, peer.APIBase)

	stored, err := h.store.GetPeer(c.Request.Context(), peer.NodeID)
	if err != nil {
		respondStoreErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

// Vote handles PATCH /v1/peers/:node_id: a community reputation vote. The
// caller identifies its node via the X-SemanticWeft-Node-Id header.
func (h *PeerHandler) Vote(c *gin.Context) {
	var body struct {
		Reputation *float64 `json:"reputation"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Reputation == nil {
		respondErr(c, http.StatusBadRequest, api.CodeInvalidJSON, "body must carry a reputation value")
		return
	}

	voter := c.GetHeader(CallerNodeHeader)
	updated, err := h.votes.VotePeer(c.Request.Context(), voter, c.Param("node_id"), *body.Reputation)
	if err != nil {
		respondVoteErr(c, err)
		return
	}
	if _, err := h.audit.Append(c.Request.Context(), updated.NodeID, auditlog.ActionPeerVote, voter, gin.H{
		"proposed": *body.Reputation,
		"merged":   updated.Reputation,
	}); err != nil {
		h.logger.Error("audit append failed",
			zap.String("subject", updated.NodeID), zap.Error(err))
	}
	c.JSON(http.StatusOK, updated)
}
