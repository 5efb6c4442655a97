// Package api defines the wire-format envelope types of the SemanticWeft
// node HTTP API: the discovery document, list envelopes, peer records, and
// the error body. Unit payloads are carried as raw JSON so this package
// stays free of node internals.
package api

import "encoding/json"

// ProtocolVersion is the protocol version string for the 1.0 spec.
const ProtocolVersion = "1.0"

// NodeInfo is the response body of GET /.well-known/semanticweft. Agents
// and peers use this document to bootstrap interaction with a node.
type NodeInfo struct {
	NodeID          string     `json:"node_id"`
	Name            string     `json:"name,omitempty"`
	ProtocolVersion string     `json:"protocol_version"`
	APIBase         string     `json:"api_base"`
	Capabilities    []string   `json:"capabilities"`
	SigningRequired bool       `json:"signing_required"`
	PowRequired     *PowParams `json:"pow_required,omitempty"`
	Contact         string     `json:"contact,omitempty"`
	// PublicKey is the node's Ed25519 key, multibase base58btc encoded.
	// The same key is embedded in NodeID when it is a did:key; this field
	// lets peers verify identity without DID resolution.
	PublicKey string `json:"public_key,omitempty"`
}

// Capability names a node may advertise in its discovery document.
const (
	CapabilitySync     = "sync"
	CapabilitySSE      = "sse"
	CapabilitySubgraph = "subgraph"
	CapabilityPeers    = "peers"
	CapabilityAgents   = "agents"
	CapabilityFollows  = "follows"
)

// PowParams are proof-of-work parameters advertised in the discovery
// document. Absent means proof-of-work is not required.
type PowParams struct {
	Algorithm  string `json:"algorithm"`
	Difficulty uint32 `json:"difficulty"`
}

// ListResponse is the envelope of GET /v1/units and GET /v1/sync. Units are
// in ascending id order; Cursor is the id of the last unit and is passed as
// ?after= to fetch the next page.
type ListResponse struct {
	Units   []json.RawMessage `json:"units"`
	Cursor  string            `json:"cursor,omitempty"`
	HasMore bool              `json:"has_more"`
	// AuthorReputations is present on sync responses only: this node's
	// reputation for every author appearing in the page.
	AuthorReputations map[string]float64 `json:"author_reputations,omitempty"`
}

// SubgraphResponse is the envelope of GET /v1/units/{id}/subgraph. Order is
// unspecified; units referenced but not held by the node are omitted.
type SubgraphResponse struct {
	Units []json.RawMessage `json:"units"`
}

// PeerInfo is a peer record as served by GET /v1/peers.
type PeerInfo struct {
	NodeID     string  `json:"node_id"`
	APIBase    string  `json:"api_base"`
	Reputation float64 `json:"reputation"`
	LastSeen   string  `json:"last_seen,omitempty"`
}

// PeersResponse is the envelope of GET /v1/peers.
type PeersResponse struct {
	Peers []PeerInfo `json:"peers"`
}

// FollowEntry is one edge endpoint in a follow-graph listing.
type FollowEntry struct {
	DID      string `json:"did"`
	InboxURL string `json:"inbox_url,omitempty"`
}

// FollowList is the envelope of the following/followers listings.
type FollowList struct {
	Items      []FollowEntry `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// InboxPage is the envelope of GET /v1/agents/{did}/inbox.
type InboxPage struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// ErrorBody is the body of every non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes used in ErrorBody.Code.
const (
	CodeInvalidJSON       = "invalid_json"
	CodeInvalidParameter  = "invalid_parameter"
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeNotFound          = "not_found"
	CodeIDConflict        = "id_conflict"
	CodeValidationFailed  = "validation_failed"
	CodePowRequired       = "pow_required"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInternalError     = "internal_error"
)

// JRD is the WebFinger JSON Resource Descriptor served by
// GET /.well-known/webfinger (RFC 7033).
type JRD struct {
	Subject string    `json:"subject"`
	Links   []JRDLink `json:"links"`
}

// JRDLink is one link relation in a JRD.
type JRDLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}
