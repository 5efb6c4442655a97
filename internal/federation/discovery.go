package federation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/semanticweft/semanticweft/internal/storage"
	"github.com/semanticweft/semanticweft/pkg/api"
)

// VerifyResult classifies one attempt to confirm a peer's identity against
// its discovery document.
type VerifyResult int

const (
	// Verified means the document was fetched and node_id matched.
	Verified VerifyResult = iota
	// Mismatch means the document was fetched but node_id differed,
	// which suggests impersonation.
	Mismatch
	// Unreachable means the document could not be fetched; transient
	// network trouble must not penalise the peer.
	Unreachable
)

// Discovery handles bootstrap peer exchange: announcing ourselves, pulling
// peer lists, verifying candidates, and enforcing the peer cap.
type Discovery struct {
	store    storage.Store
	client   *Client
	self     api.PeerInfo
	maxPeers int
	logger   *zap.Logger
}

// NewDiscovery builds the discovery engine. self is the record announced to
// bootstrap nodes; maxPeers caps the stored peer list.
func NewDiscovery(store storage.Store, client *Client, self api.PeerInfo, maxPeers int, logger *zap.Logger) *Discovery {
	if maxPeers <= 0 {
		maxPeers = 128
	}
	return &Discovery{store: store, client: client, self: self, maxPeers: maxPeers, logger: logger}
}

// Bootstrap announces this node to each configured bootstrap URL and pulls
// the peer list from each. Meant to run detached at startup.
func (d *Discovery) Bootstrap(ctx context.Context, bootstrapURLs []string) {
	if len(bootstrapURLs) == 0 {
		d.logger.Info("discovery: no bootstrap peers configured; skipping sweep")
		return
	}
	for _, raw := range bootstrapURLs {
		base := trimAPIBase(raw)
		d.logger.Info("discovery: bootstrapping", zap.String("url", base))
		if err := d.client.AnnounceSelf(ctx, base, d.self); err != nil {
			d.logger.Warn("discovery: announce failed", zap.String("url", base), zap.Error(err))
		}
		d.pullPeerList(ctx, base)
	}
}

func (d *Discovery) pullPeerList(ctx context.Context, apiBase string) {
	peers, err := d.client.FetchPeers(ctx, apiBase)
	if err != nil {
		d.logger.Warn("discovery: could not pull peer list",
			zap.String("url", apiBase), zap.Error(err))
		return
	}
	d.logger.Info("discovery: received peers",
		zap.String("url", apiBase), zap.Int("count", len(peers)))
	for _, p := range peers {
		if p.NodeID == d.self.NodeID {
			continue // never add ourselves
		}
		d.TryAddPeer(ctx, &storage.Peer{
			NodeID:     p.NodeID,
			APIBase:    p.APIBase,
			Reputation: p.Reputation,
			LastSeen:   p.LastSeen,
		})
	}
}

// TryAddPeer verifies a candidate and stores it, evicting the worst peer if
// the list is at capacity. A mismatching candidate is rejected outright; an
// unreachable one is stored tentatively.
func (d *Discovery) TryAddPeer(ctx context.Context, candidate *storage.Peer) {
	switch d.Verify(ctx, candidate) {
	case Verified:
	case Mismatch:
		d.logger.Warn("discovery: node_id mismatch, rejecting (possible impersonation)",
			zap.String("api_base", candidate.APIBase))
		return
	case Unreachable:
		d.logger.Warn("discovery: could not reach peer for verification, storing tentatively",
			zap.String("api_base", candidate.APIBase))
	}

	peers, err := d.store.ListPeers(ctx)
	if err != nil {
		d.logger.Error("discovery: could not list peers", zap.Error(err))
		return
	}
	if len(peers) >= d.maxPeers {
		worst := worstPeer(peers)
		candidateRep := candidate.Reputation
		if candidateRep == 0 {
			candidateRep = storage.DefaultReputation
		}
		if worst == nil || worst.Reputation > candidateRep {
			return // candidate is worse than everything we hold
		}
		if err := d.store.DeletePeer(ctx, worst.NodeID); err != nil {
			d.logger.Warn("discovery: eviction failed",
				zap.String("peer", worst.NodeID), zap.Error(err))
			return
		}
		peersEvicted.Inc()
		d.logger.Info("discovery: evicted peer to make room",
			zap.String("peer", worst.NodeID), zap.Float64("reputation", worst.Reputation))
	}

	if err := d.store.UpsertPeer(ctx, candidate); err != nil {
		d.logger.Warn("discovery: could not store peer",
			zap.String("peer", candidate.NodeID), zap.Error(err))
		return
	}
	peersAdded.Inc()
	d.logger.Info("discovery: added peer", zap.String("peer", candidate.NodeID))
}

// worstPeer picks the eviction victim: lowest reputation, ties broken by
// oldest last contact (empty last_seen counts as oldest).
func worstPeer(peers []*storage.Peer) *storage.Peer {
	var worst *storage.Peer
	for _, p := range peers {
		if worst == nil ||
			p.Reputation < worst.Reputation ||
			(p.Reputation == worst.Reputation && p.LastSeen < worst.LastSeen) {
			worst = p
		}
	}
	return worst
}

// Verify fetches the candidate's discovery document and checks its declared
// node_id.
func (d *Discovery) Verify(ctx context.Context, candidate *storage.Peer) VerifyResult {
	info, err := d.client.FetchNodeInfo(ctx, candidate.APIBase)
	if err != nil {
		return Unreachable
	}
	if info.NodeID == candidate.NodeID {
		return Verified
	}
	return Mismatch
}

// Reachability nudge targets. A verified peer drifts toward the reward
// value, a mismatching one toward the penalty value; an unreachable peer
// keeps its reputation.
const (
	nudgeReward  = 0.55
	nudgePenalty = 0.3
	nudgeStep    = 0.5
)

// Nudge asynchronously verifies a freshly added peer and shifts its
// reputation part-way toward the reward or penalty target. Meant to run
// detached after POST /v1/peers succeeds.
func (d *Discovery) Nudge(nodeID, apiBase string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result := d.Verify(ctx, &storage.Peer{NodeID: nodeID, APIBase: apiBase})
	if result == Unreachable {
		return
	}
	target := nudgeReward
	if result == Mismatch {
		target = nudgePenalty
	}

	peer, err := d.store.GetPeer(ctx, nodeID)
	if err != nil {
		return
	}
	updated := peer.Reputation + (target-peer.Reputation)*nudgeStep
	if err := d.store.UpdatePeerReputation(ctx, nodeID, updated); err != nil {
		d.logger.Warn("discovery: reachability nudge failed",
			zap.String("peer", nodeID), zap.Error(err))
		return
	}
	d.logger.Info("discovery: reachability nudge applied",
		zap.String("peer", nodeID), zap.Float64("reputation", updated))
}
