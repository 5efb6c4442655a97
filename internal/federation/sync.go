package federation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/semanticweft/semanticweft/internal/storage"
)

// syncPageLimit is the page size requested from peers.
const syncPageLimit = 500

// Syncer drains peers' public sync streams on a fixed interval, storing new
// units with a credibility score and advancing a per-peer cursor.
type Syncer struct {
	store    storage.Store
	client   *Client
	interval time.Duration
	logger   *zap.Logger
}

// NewSyncer builds the pull-sync engine. interval is the delay between
// sweeps over the peer list.
func NewSyncer(store storage.Store, client *Client, interval time.Duration, logger *zap.Logger) *Syncer {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Syncer{store: store, client: client, interval: interval, logger: logger}
}

// Run sweeps all known peers every interval until ctx is cancelled.
// Individual peer failures are logged and never abort the loop.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce drains every known peer a single time.
func (s *Syncer) SweepOnce(ctx context.Context) {
	peers, err := s.store.ListPeers(ctx)
	if err != nil {
		s.logger.Error("sync: could not list peers", zap.Error(err))
		return
	}
	for _, peer := range peers {
		if err := s.SyncPeer(ctx, peer); err != nil {
			s.logger.Warn("sync: peer drain failed",
				zap.String("peer", peer.NodeID),
				zap.String("api_base", peer.APIBase),
				zap.Error(err))
		}
	}
}

// SyncPeer repeatedly pulls pages from one peer until it reports no more.
func (s *Syncer) SyncPeer(ctx context.Context, peer *storage.Peer) error {
	for {
		hasMore, err := s.syncPeerOnce(ctx, peer)
		if err != nil {
			return err
		}
		if !hasMore {
			break
		}
	}
	peer.LastSeen = time.Now().UTC().Format(time.RFC3339)
	return s.store.UpsertPeer(ctx, peer)
}

// syncPeerOnce performs one cursor-advancing pull from a peer. New units are
// stored with credibility = peer reputation × author reputation; duplicates
// are treated as already-held. The cursor advances only when the response
// carries one.
func (s *Syncer) syncPeerOnce(ctx context.Context, peer *storage.Peer) (bool, error) {
	cursor, _, err := s.store.GetCursor(ctx, peer.APIBase)
	if err != nil {
		return false, err
	}

	page, err := s.client.FetchSyncPage(ctx, peer.APIBase, cursor, syncPageLimit)
	if err != nil {
		return false, err
	}

	stored := 0
	for _, u := range page.Units {
		err := s.store.PutUnit(ctx, u)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			s.logger.Warn("sync: could not store unit",
				zap.String("unit", u.ID), zap.Error(err))
			continue
		}
		stored++
		syncUnitsStored.Inc()

		authorRep, ok := page.AuthorReputations[u.Author]
		if !ok {
			authorRep = storage.DefaultReputation
		}
		score := peer.Reputation * authorRep
		if err := s.store.SetCredibility(ctx, u.ID, score); err != nil {
			s.logger.Warn("sync: could not store credibility",
				zap.String("unit", u.ID), zap.Error(err))
		}
	}

	if page.Cursor != "" {
		if err := s.store.SetCursor(ctx, peer.APIBase, page.Cursor); err != nil {
			return false, err
		}
	}
	if stored > 0 {
		s.logger.Info("sync: pulled units",
			zap.String("peer", peer.NodeID), zap.Int("stored", stored))
	}
	return page.HasMore, nil
}
