// Package health runs periodic reachability probes against known peers,
// refreshing last-contact timestamps and marking down peers that stay
// unreachable across several sweeps.
package health

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/semanticweft/semanticweft/internal/storage"
)

// Config holds probe configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// PeerStore is the slice of the storage layer the checker needs.
type PeerStore interface {
	ListPeers(ctx context.Context) ([]*storage.Peer, error)
	UpsertPeer(ctx context.Context, p *storage.Peer) error
	UpdatePeerReputation(ctx context.Context, nodeID string, reputation float64) error
}

// Reputation drift applied when a peer crosses the failure threshold: the
// score moves part-way toward the unreachable target.
const (
	unreachableTarget = 0.3
	unreachableStep   = 0.5
)

var peerProbes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sweft_peer_probes_total",
	Help: "Total peer reachability probes by outcome.",
}, []string{"outcome"})

// Checker probes each known peer's discovery document on an interval.
type Checker struct {
	store      PeerStore
	httpClient *http.Client
	mu         sync.Mutex
	failCounts map[string]int
	cfg        Config
	logger     *zap.Logger
}

// New creates a Checker. Zero config fields take defaults.
func New(store PeerStore, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Checker{
		store:      store,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		failCounts: make(map[string]int),
		cfg:        cfg,
		logger:     logger,
	}
}

// Run sweeps all peers every interval until ctx is cancelled.
func (h *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.CheckAll(ctx)
		}
	}
}

// CheckAll probes every known peer with bounded concurrency.
func (h *Checker) CheckAll(ctx context.Context) {
	peers, err := h.store.ListPeers(ctx)
	if err != nil {
		h.logger.Error("health: list peers", zap.Error(err))
		return
	}

	sem := make(chan struct{}, 10)
	var wg sync.WaitGroup

	for _, p := range peers {
		wg.Add(1)
		go func(peer *storage.Peer) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			ok := h.probePeer(ctx, peer.APIBase)
			if ok {
				peerProbes.WithLabelValues("success").Inc()
			} else {
				peerProbes.WithLabelValues("failure").Inc()
			}

			h.mu.Lock()
			prevCount := h.failCounts[peer.NodeID]
			if ok {
				h.failCounts[peer.NodeID] = 0
			} else {
				h.failCounts[peer.NodeID]++
			}
			count := h.failCounts[peer.NodeID]
			h.mu.Unlock()

			if ok {
				peer.LastSeen = time.Now().UTC().Format(time.RFC3339)
				if err := h.store.UpsertPeer(ctx, peer); err != nil {
					h.logger.Warn("health: refresh last_seen", zap.Error(err))
				}
				if prevCount >= h.cfg.FailThreshold {
					h.logger.Info("health: peer recovered", zap.String("peer", peer.NodeID))
				}
				return
			}

			// Mark down exactly once per outage, when the threshold is hit.
			if count == h.cfg.FailThreshold {
				marked := peer.Reputation + (unreachableTarget-peer.Reputation)*unreachableStep
				if err := h.store.UpdatePeerReputation(ctx, peer.NodeID, marked); err != nil {
					h.logger.Warn("health: mark down peer", zap.Error(err))
					return
				}
				h.logger.Warn("health: peer unreachable",
					zap.String("peer", peer.NodeID),
					zap.Int("fail_count", count),
					zap.Float64("reputation", marked),
				)
			}
		}(p)
	}

	wg.Wait()
}

// probePeer attempts HEAD then GET on the peer's discovery document,
// returning true for any 2xx response.
func (h *Checker) probePeer(ctx context.Context, apiBase string) bool {
	target := strings.TrimRight(apiBase, "/") + "/.well-known/semanticweft"

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return false
	}
	resp, err := h.httpClient.Do(req)
	if err == nil {
		resp.Body.Close() //nolint:errcheck
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	resp, err = h.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close() //nolint:errcheck
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
