// Package reputation implements community-gated reputation voting for peers
// and agents.
//
// A vote is accepted only from a known community member whose own reputation
// is at or above the community threshold max(0, μ − k·σ), where μ and σ are
// the population mean and standard deviation of the community's reputation
// values. Accepted votes are merged by a weighted average where the weight
// is the voter's own reputation.
package reputation

import (
	"context"
	"errors"
	"math"

	"go.uber.org/zap"

	"github.com/semanticweft/semanticweft/internal/storage"
)

// Vote rejection reasons. Handlers map ErrInvalidValue to bad-request and
// the rest to forbidden; an unknown target surfaces as storage.ErrNotFound.
var (
	ErrInvalidValue   = errors.New("reputation must be a finite number between 0 and 1")
	ErrSelfVote       = errors.New("a node cannot vote on its own reputation")
	ErrNoVoter        = errors.New("vote does not identify its caller")
	ErrUnknownVoter   = errors.New("caller is not a known community member")
	ErrBelowThreshold = errors.New("caller reputation is below the community voting threshold")
)

// Engine evaluates reputation votes against one node's stored communities.
type Engine struct {
	store       storage.Store
	selfID      string
	sigmaFactor float64
	logger      *zap.Logger
}

// NewEngine creates a voting engine. sigmaFactor is the k in the threshold
// formula; 1.0 is the default.
func NewEngine(store storage.Store, selfID string, sigmaFactor float64, logger *zap.Logger) *Engine {
	return &Engine{store: store, selfID: selfID, sigmaFactor: sigmaFactor, logger: logger}
}

// Threshold computes the community voting threshold from population stats.
// When σ = 0 the threshold equals μ, so every member at or above the mean
// may vote. That is the intended behaviour for new or homogeneous
// communities.
func (e *Engine) Threshold(s storage.ReputationStats) float64 {
	return math.Max(0, s.Mean-e.sigmaFactor*s.StdDev)
}

// Merge applies the weighted-average update rule. A voter with weight 1
// overrides the current value entirely; lower-weight voters have
// proportionally less influence. The result is clamped to [0, 1].
func Merge(current, proposed, weight float64) float64 {
	return clamp01(current*(1-weight) + proposed*weight)
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

func validProposed(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 && v <= 1
}

// VotePeer applies a reputation vote on a peer record. voterID is the node
// identifier the caller presented; it must name a known peer at or above
// the peer-community threshold. Returns the updated peer.
func (e *Engine) VotePeer(ctx context.Context, voterID, targetID string, proposed float64) (*storage.Peer, error) {
	if !validProposed(proposed) {
		return nil, ErrInvalidValue
	}
	if targetID == e.selfID {
		return nil, ErrSelfVote
	}
	if voterID == "" {
		return nil, ErrNoVoter
	}
	if voterID == targetID {
		return nil, ErrSelfVote
	}

	voter, err := e.store.GetPeer(ctx, voterID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownVoter
	}
	if err != nil {
		return nil, err
	}

	stats, err := e.store.PeerReputationStats(ctx)
	if err != nil {
		return nil, err
	}
	threshold := e.Threshold(stats)
	if voter.Reputation < threshold {
		return nil, ErrBelowThreshold
	}

	target, err := e.store.GetPeer(ctx, targetID)
	if err != nil {
		return nil, err
	}

	updated := Merge(target.Reputation, proposed, voter.Reputation)
	if err := e.store.UpdatePeerReputation(ctx, targetID, updated); err != nil {
		return nil, err
	}
	e.logger.Info("peer reputation vote applied",
		zap.String("voter", voterID),
		zap.String("target", targetID),
		zap.Float64("proposed", proposed),
		zap.Float64("result", updated))
	target.Reputation = updated
	return target, nil
}

// VoteAgent applies a reputation vote on an agent profile. voterDID is the
// authenticated caller; it must name a registered agent at or above the
// agent-community threshold, and may not equal the target.
func (e *Engine) VoteAgent(ctx context.Context, voterDID, targetDID string, proposed float64) (*storage.Agent, error) {
	if !validProposed(proposed) {
		return nil, ErrInvalidValue
	}
	if voterDID == "" {
		return nil, ErrNoVoter
	}
	if voterDID == targetDID {
		return nil, ErrSelfVote
	}

	voter, err := e.store.GetAgent(ctx, voterDID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownVoter
	}
	if err != nil {
		return nil, err
	}

	stats, err := e.store.AgentReputationStats(ctx)
	if err != nil {
		return nil, err
	}
	if voter.Reputation < e.Threshold(stats) {
		return nil, ErrBelowThreshold
	}

	target, err := e.store.GetAgent(ctx, targetDID)
	if err != nil {
		return nil, err
	}

	updated := Merge(target.Reputation, proposed, voter.Reputation)
	if err := e.store.UpdateAgentReputation(ctx, targetDID, updated); err != nil {
		return nil, err
	}
	e.logger.Info("agent reputation vote applied",
		zap.String("voter", voterDID),
		zap.String("target", targetDID),
		zap.Float64("proposed", proposed),
		zap.Float64("result", updated))
	target.Reputation = updated
	return target, nil
}
