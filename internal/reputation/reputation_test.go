package reputation_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/semanticweft/semanticweft/internal/reputation"
	"github.com/semanticweft/semanticweft/internal/storage"
)

const selfID = "did:key:zSelf"

func newEngine(t *testing.T) (*reputation.Engine, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	return reputation.NewEngine(store, selfID, 1.0, zap.NewNop()), store
}

func addPeer(t *testing.T, store *storage.Memory, nodeID string, rep float64) {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertPeer(ctx, &storage.Peer{NodeID: nodeID, APIBase: "http://" + nodeID}); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}
	if err := store.UpdatePeerReputation(ctx, nodeID, rep); err != nil {
		t.Fatalf("UpdatePeerReputation: %v", err)
	}
}

func TestThreshold(t *testing.T) {
	e, _ := newEngine(t)

	tests := []struct {
		name  string
		stats storage.ReputationStats
		want  float64
	}{
		{"zero sigma equals mean", storage.ReputationStats{Mean: 0.5, StdDev: 0}, 0.5},
		{"one sigma below mean", storage.ReputationStats{Mean: 0.6, StdDev: 0.2}, 0.4},
		{"floor at zero", storage.ReputationStats{Mean: 0.1, StdDev: 0.5}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Threshold(tt.stats); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Threshold(%+v) = %v, want %v", tt.stats, got, tt.want)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		current, proposed, weight, want float64
	}{
		// A full-weight voter overrides the current value.
		{0.5, 0.9, 1.0, 0.9},
		// A half-weight voter moves the value halfway.
		{0.5, 0.9, 0.5, 0.7},
		// A zero-weight voter changes nothing.
		{0.5, 0.9, 0.0, 0.5},
	}
	for _, tt := range tests {
		if got := reputation.Merge(tt.current, tt.proposed, tt.weight); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Merge(%v, %v, %v) = %v, want %v", tt.current, tt.proposed, tt.weight, got, tt.want)
		}
	}
}

func TestVotePeer(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted vote merges weighted", func(t *testing.T) {
		e, store := newEngine(t)
		addPeer(t, store, "did:key:zVoter", 1.0)
		addPeer(t, store, "did:key:zTarget", 0.5)

		updated, err := e.VotePeer(ctx, "did:key:zVoter", "did:key:zTarget", 0.9)
		if err != nil {
			t.Fatalf("VotePeer: %v", err)
		}
		if math.Abs(updated.Reputation-0.9) > 1e-9 {
			t.Errorf("reputation %v, want 0.9 (full-weight voter)", updated.Reputation)
		}
	})

	t.Run("invalid values", func(t *testing.T) {
		e, store := newEngine(t)
		addPeer(t, store, "did:key:zVoter", 1.0)
		addPeer(t, store, "did:key:zTarget", 0.5)
		for _, v := range []float64{-0.1, 1.1, math.NaN(), math.Inf(1)} {
			if _, err := e.VotePeer(ctx, "did:key:zVoter", "did:key:zTarget", v); !errors.Is(err, reputation.ErrInvalidValue) {
				t.Errorf("proposed %v: got %v, want ErrInvalidValue", v, err)
			}
		}
	})

	t.Run("self votes rejected", func(t *testing.T) {
		e, store := newEngine(t)
		addPeer(t, store, "did:key:zVoter", 1.0)
		if _, err := e.VotePeer(ctx, "did:key:zVoter", selfID, 0.1); !errors.Is(err, reputation.ErrSelfVote) {
			t.Errorf("vote on self node: got %v, want ErrSelfVote", err)
		}
		if _, err := e.VotePeer(ctx, "did:key:zVoter", "did:key:zVoter", 0.9); !errors.Is(err, reputation.ErrSelfVote) {
			t.Errorf("voter voting on itself: got %v, want ErrSelfVote", err)
		}
	})

	t.Run("anonymous and unknown voters rejected", func(t *testing.T) {
		e, store := newEngine(t)
		addPeer(t, store, "did:key:zTarget", 0.5)
		if _, err := e.VotePeer(ctx, "", "did:key:zTarget", 0.9); !errors.Is(err, reputation.ErrNoVoter) {
			t.Errorf("anonymous: got %v, want ErrNoVoter", err)
		}
		if _, err := e.VotePeer(ctx, "did:key:zStranger", "did:key:zTarget", 0.9); !errors.Is(err, reputation.ErrUnknownVoter) {
			t.Errorf("unknown: got %v, want ErrUnknownVoter", err)
		}
	})

	t.Run("below threshold rejected", func(t *testing.T) {
		e, store := newEngine(t)
		// Community of {0.9, 0.9, 0.1}: μ ≈ 0.633, σ ≈ 0.377, threshold ≈ 0.256.
		addPeer(t, store, "did:key:zStrongA", 0.9)
		addPeer(t, store, "did:key:zStrongB", 0.9)
		addPeer(t, store, "did:key:zWeak", 0.1)
		if _, err := e.VotePeer(ctx, "did:key:zWeak", "did:key:zStrongA", 0.5); !errors.Is(err, reputation.ErrBelowThreshold) {
			t.Errorf("weak voter: got %v, want ErrBelowThreshold", err)
		}
		if _, err := e.VotePeer(ctx, "did:key:zStrongA", "did:key:zWeak", 0.5); err != nil {
			t.Errorf("strong voter rejected: %v", err)
		}
	})

	t.Run("unknown target", func(t *testing.T) {
		e, store := newEngine(t)
		addPeer(t, store, "did:key:zVoter", 1.0)
		if _, err := e.VotePeer(ctx, "did:key:zVoter", "did:key:zGhost", 0.5); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("unknown target: got %v, want ErrNotFound", err)
		}
	})
}

func TestVoteAgent(t *testing.T) {
	ctx := context.Background()
	e, store := newEngine(t)

	for _, a := range []struct {
		did string
		rep float64
	}{
		{"did:key:zAlice", 1.0},
		{"did:key:zBob", 0.5},
	} {
		if err := store.UpsertAgent(ctx, &storage.Agent{DID: a.did, InboxURL: "http://x/inbox"}); err != nil {
			t.Fatalf("UpsertAgent: %v", err)
		}
		if err := store.UpdateAgentReputation(ctx, a.did, a.rep); err != nil {
			t.Fatalf("UpdateAgentReputation: %v", err)
		}
	}

	updated, err := e.VoteAgent(ctx, "did:key:zAlice", "did:key:zBob", 0.9)
	if err != nil {
		t.Fatalf("VoteAgent: %v", err)
	}
	if math.Abs(updated.Reputation-0.9) > 1e-9 {
		t.Errorf("reputation %v, want 0.9", updated.Reputation)
	}

	if _, err := e.VoteAgent(ctx, "did:key:zAlice", "did:key:zAlice", 0.9); !errors.Is(err, reputation.ErrSelfVote) {
		t.Errorf("self vote: got %v, want ErrSelfVote", err)
	}
	if _, err := e.VoteAgent(ctx, "did:key:zNobody", "did:key:zBob", 0.9); !errors.Is(err, reputation.ErrUnknownVoter) {
		t.Errorf("unknown voter: got %v, want ErrUnknownVoter", err)
	}
}
