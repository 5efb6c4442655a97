// Package storage defines the persistence contract for the node: units with
// their reference index, agent and peer registries, follow edges, inboxes,
// sync cursors, and node configuration.
//
// Two backends implement Store: an in-memory store for ephemeral nodes and
// tests, and a Postgres store for durable deployments. Visibility policy is
// never enforced here; handlers encode entitlement into the UnitFilter they
// pass in.
package storage

import (
	"context"
	"errors"

	"github.com/semanticweft/semanticweft/internal/unit"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by PutUnit when a different unit with the same id
// is already stored. Callers decide whether the resubmission was idempotent
// by comparing canonical content.
var ErrConflict = errors.New("unit id conflict")

// DefaultReputation is the starting reputation for agents and peers.
const DefaultReputation = 0.5

// Agent is a registered agent profile.
type Agent struct {
	DID           string  `json:"did"`
	InboxURL      string  `json:"inbox_url"`
	Name          string  `json:"name,omitempty"`
	PublicKey     string  `json:"public_key,omitempty"`
	Status        string  `json:"status,omitempty"`
	Contributions int     `json:"contributions"`
	Reputation    float64 `json:"reputation"`
}

// Agent status values. Full members participate in reputation voting;
// probationary members are recorded but the promotion flow is not defined.
const (
	AgentStatusFull         = "full"
	AgentStatusProbationary = "probationary"
)

// Peer is a known federation peer.
type Peer struct {
	NodeID     string  `json:"node_id"`
	APIBase    string  `json:"api_base"`
	Reputation float64 `json:"reputation"`
	LastSeen   string  `json:"last_seen,omitempty"`
}

// UnitFilter selects and pages units for ListUnits. Zero values mean "no
// constraint". Ordering is always ascending unit id.
type UnitFilter struct {
	// Kinds restricts to these unit types (ORed). Empty means all.
	Kinds []unit.Kind
	// Author restricts to an exact author match.
	Author string
	// Since is an inclusive lower bound on created_at (RFC 3339,
	// compared lexicographically).
	Since string
	// After is an exclusive lower bound on unit id (pagination cursor).
	After string
	// Limit caps the page size. Callers clamp before passing in.
	Limit int
	// Visibilities restricts to these visibility values (ORed). Empty
	// means all. This is the handler's proof of entitlement.
	Visibilities []unit.Visibility
	// NetworkForAuthors, when non-nil, additionally restricts
	// network-visibility units to these authors (the caller's followees
	// plus the caller). Public and limited selections are unaffected.
	NetworkForAuthors []string
}

// Page is one page of units plus a more-available flag. Implementations
// fetch Limit+1 rows and strip the probe row.
type Page struct {
	Units   []*unit.Unit
	HasMore bool
}

// ReputationStats are the population mean and standard deviation of a
// community's reputation values.
type ReputationStats struct {
	Mean   float64
	StdDev float64
}

// Store is the full persistence contract. Every method is one atomic
// operation with respect to concurrent callers.
type Store interface {
	// Units.
	PutUnit(ctx context.Context, u *unit.Unit) error
	GetUnit(ctx context.Context, id string) (*unit.Unit, error)
	ListUnits(ctx context.Context, f UnitFilter) (Page, error)
	// IncomingRefs returns the units whose references include id. Order
	// is ascending unit id.
	IncomingRefs(ctx context.Context, id string) ([]*unit.Unit, error)

	// Credibility scores for units received over federation.
	SetCredibility(ctx context.Context, unitID string, score float64) error
	GetCredibilities(ctx context.Context, unitIDs []string) (map[string]float64, error)

	// Agents. UpsertAgent inserts new agents at DefaultReputation with
	// zero contributions, ignoring those fields on the input; both are
	// preserved on update. Reputation changes go through
	// UpdateAgentReputation only.
	UpsertAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, did string) (*Agent, error)
	// DeleteAgent removes the profile, both directions of follow edges,
	// and the agent's inbox.
	DeleteAgent(ctx context.Context, did string) error
	ListAgents(ctx context.Context) ([]*Agent, error)
	UpdateAgentReputation(ctx context.Context, did string, reputation float64) error
	AgentReputationStats(ctx context.Context) (ReputationStats, error)

	// Follow edges. Add and Remove are idempotent.
	AddFollow(ctx context.Context, follower, followee string) error
	RemoveFollow(ctx context.Context, follower, followee string) error
	Following(ctx context.Context, did string) ([]string, error)
	Followers(ctx context.Context, did string) ([]string, error)

	// Peers. UpsertPeer preserves the stored reputation of an existing
	// peer and refreshes api_base and last_seen.
	UpsertPeer(ctx context.Context, p *Peer) error
	GetPeer(ctx context.Context, nodeID string) (*Peer, error)
	ListPeers(ctx context.Context) ([]*Peer, error)
	DeletePeer(ctx context.Context, nodeID string) error
	UpdatePeerReputation(ctx context.Context, nodeID string, reputation float64) error
	PeerReputationStats(ctx context.Context) (ReputationStats, error)

	// Inbox. Delivery is idempotent on (did, unit id); listing is ordered
	// by unit id with the same cursor semantics as ListUnits.
	DeliverToInbox(ctx context.Context, did string, u *unit.Unit) error
	ListInbox(ctx context.Context, did string, after string, limit int) (Page, error)
	ClearInbox(ctx context.Context, did string) error

	// Per-peer sync cursors, keyed by the peer's API base URL.
	GetCursor(ctx context.Context, peer string) (cursor string, found bool, err error)
	SetCursor(ctx context.Context, peer, cursor string) error

	// Node configuration key-value store.
	GetConfig(ctx context.Context, key string) (value string, found bool, err error)
	SetConfig(ctx context.Context, key, value string) error

	// Ping reports backend reachability.
	Ping(ctx context.Context) error
}
