package storage

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/semanticweft/semanticweft/internal/unit"
)

// Memory is an in-memory Store for ephemeral nodes and tests. A single
// RWMutex guards all collections; no method suspends while holding it.
// Read methods return copies, never interior pointers.
type Memory struct {
	mu          sync.RWMutex
	units       map[string]*unit.Unit
	unitIDs     []string // sorted ascending
	incoming    map[string][]string
	credibility map[string]float64
	agents      map[string]*Agent
	follows     map[string]map[string]struct{}
	followedBy  map[string]map[string]struct{}
	peers       map[string]*Peer
	inboxes     map[string]map[string]*unit.Unit
	cursors     map[string]string
	config      map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		units:       make(map[string]*unit.Unit),
		incoming:    make(map[string][]string),
		credibility: make(map[string]float64),
		agents:      make(map[string]*Agent),
		follows:     make(map[string]map[string]struct{}),
		followedBy:  make(map[string]map[string]struct{}),
		peers:       make(map[string]*Peer),
		inboxes:     make(map[string]map[string]*unit.Unit),
		cursors:     make(map[string]string),
		config:      make(map[string]string),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) PutUnit(_ context.Context, u *unit.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.units[u.ID]; exists {
		return ErrConflict
	}
	stored := *u
	m.units[u.ID] = &stored

	i := sort.SearchStrings(m.unitIDs, u.ID)
	m.unitIDs = append(m.unitIDs, "")
	copy(m.unitIDs[i+1:], m.unitIDs[i:])
	m.unitIDs[i] = u.ID

	for _, ref := range u.References {
		targets := m.incoming[ref.ID]
		j := sort.SearchStrings(targets, u.ID)
		if j < len(targets) && targets[j] == u.ID {
			continue
		}
		targets = append(targets, "")
		copy(targets[j+1:], targets[j:])
		targets[j] = u.ID
		m.incoming[ref.ID] = targets
	}
	return nil
}

func (m *Memory) GetUnit(_ context.Context, id string) (*unit.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) ListUnits(_ context.Context, f UnitFilter) (Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	start := 0
	if f.After != "" {
		start = sort.SearchStrings(m.unitIDs, f.After)
		if start < len(m.unitIDs) && m.unitIDs[start] == f.After {
			start++
		}
	}

	var page []*unit.Unit
	hasMore := false
	for _, id := range m.unitIDs[start:] {
		u := m.units[id]
		if !matches(u, &f) {
			continue
		}
		if len(page) == limit {
			hasMore = true
			break
		}
		cp := *u
		page = append(page, &cp)
	}
	return Page{Units: page, HasMore: hasMore}, nil
}

func matches(u *unit.Unit, f *UnitFilter) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if u.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Author != "" && u.Author != f.Author {
		return false
	}
	if f.Since != "" && u.CreatedAt < f.Since {
		return false
	}
	vis := u.EffectiveVisibility()
	if len(f.Visibilities) > 0 {
		ok := false
		for _, v := range f.Visibilities {
			if vis == v {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if vis == unit.VisibilityNetwork && f.NetworkForAuthors != nil {
		ok := false
		for _, a := range f.NetworkForAuthors {
			if u.Author == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (m *Memory) IncomingRefs(_ context.Context, id string) ([]*unit.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.incoming[id]
	out := make([]*unit.Unit, 0, len(ids))
	for _, src := range ids {
		if u, ok := m.units[src]; ok {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) SetCredibility(_ context.Context, unitID string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credibility[unitID] = score
	return nil
}

func (m *Memory) GetCredibilities(_ context.Context, unitIDs []string) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64)
	for _, id := range unitIDs {
		if s, ok := m.credibility[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (m *Memory) UpsertAgent(_ context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *a
	stored.Reputation = DefaultReputation
	stored.Contributions = 0
	if existing, ok := m.agents[a.DID]; ok {
		stored.Reputation = existing.Reputation
		stored.Contributions = existing.Contributions
	}
	if stored.Status == "" {
		stored.Status = AgentStatusFull
	}
	m.agents[a.DID] = &stored
	return nil
}

func (m *Memory) GetAgent(_ context.Context, did string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[did]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) DeleteAgent(_ context.Context, did string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[did]; !ok {
		return ErrNotFound
	}
	delete(m.agents, did)
	for followee := range m.follows[did] {
		delete(m.followedBy[followee], did)
	}
	delete(m.follows, did)
	for follower := range m.followedBy[did] {
		delete(m.follows[follower], did)
	}
	delete(m.followedBy, did)
	delete(m.inboxes, did)
	return nil
}

func (m *Memory) ListAgents(_ context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DID < out[j].DID })
	return out, nil
}

func (m *Memory) UpdateAgentReputation(_ context.Context, did string, reputation float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[did]
	if !ok {
		return ErrNotFound
	}
	a.Reputation = reputation
	return nil
}

func (m *Memory) AgentReputationStats(_ context.Context) (ReputationStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	values := make([]float64, 0, len(m.agents))
	for _, a := range m.agents {
		values = append(values, a.Reputation)
	}
	return stats(values), nil
}

func (m *Memory) AddFollow(_ context.Context, follower, followee string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.follows[follower] == nil {
		m.follows[follower] = make(map[string]struct{})
	}
	m.follows[follower][followee] = struct{}{}
	if m.followedBy[followee] == nil {
		m.followedBy[followee] = make(map[string]struct{})
	}
	m.followedBy[followee][follower] = struct{}{}
	return nil
}

func (m *Memory) RemoveFollow(_ context.Context, follower, followee string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.follows[follower], followee)
	delete(m.followedBy[followee], follower)
	return nil
}

func (m *Memory) Following(_ context.Context, did string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.follows[did]), nil
}

func (m *Memory) Followers(_ context.Context, did string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.followedBy[did]), nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) UpsertPeer(_ context.Context, p *Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *p
	if existing, ok := m.peers[p.NodeID]; ok {
		stored.Reputation = existing.Reputation
		if stored.LastSeen == "" {
			stored.LastSeen = existing.LastSeen
		}
	} else if stored.Reputation == 0 {
		stored.Reputation = DefaultReputation
	}
	m.peers[p.NodeID] = &stored
	return nil
}

func (m *Memory) GetPeer(_ context.Context, nodeID string) (*Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) ListPeers(_ context.Context) ([]*Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (m *Memory) DeletePeer(_ context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[nodeID]; !ok {
		return ErrNotFound
	}
	delete(m.peers, nodeID)
	return nil
}

func (m *Memory) UpdatePeerReputation(_ context.Context, nodeID string, reputation float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[nodeID]
	if !ok {
		return ErrNotFound
	}
	p.Reputation = reputation
	return nil
}

func (m *Memory) PeerReputationStats(_ context.Context) (ReputationStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	values := make([]float64, 0, len(m.peers))
	for _, p := range m.peers {
		values = append(values, p.Reputation)
	}
	return stats(values), nil
}

func stats(values []float64) ReputationStats {
	if len(values) == 0 {
		return ReputationStats{}
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return ReputationStats{Mean: mean, StdDev: math.Sqrt(sq / float64(len(values)))}
}

func (m *Memory) DeliverToInbox(_ context.Context, did string, u *unit.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	box := m.inboxes[did]
	if box == nil {
		box = make(map[string]*unit.Unit)
		m.inboxes[did] = box
	}
	if _, ok := box[u.ID]; ok {
		return nil
	}
	stored := *u
	box[u.ID] = &stored
	return nil
}

func (m *Memory) ListInbox(_ context.Context, did string, after string, limit int) (Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	box := m.inboxes[did]
	ids := make([]string, 0, len(box))
	for id := range box {
		if after == "" || id > after {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	hasMore := len(ids) > limit
	if hasMore {
		ids = ids[:limit]
	}
	page := make([]*unit.Unit, 0, len(ids))
	for _, id := range ids {
		cp := *box[id]
		page = append(page, &cp)
	}
	return Page{Units: page, HasMore: hasMore}, nil
}

func (m *Memory) ClearInbox(_ context.Context, did string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inboxes, did)
	return nil
}

func (m *Memory) GetCursor(_ context.Context, peer string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cursors[peer]
	return c, ok, nil
}

func (m *Memory) SetCursor(_ context.Context, peer, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[peer] = cursor
	return nil
}

func (m *Memory) GetConfig(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.config[key]
	return v, ok, nil
}

func (m *Memory) SetConfig(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config[key] = value
	return nil
}

func (m *Memory) Ping(_ context.Context) error { return nil }
