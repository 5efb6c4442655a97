// Package client provides the SemanticWeft Go SDK for talking to a node:
// submitting and querying semantic units, managing agent registrations and
// follow edges, and reading inboxes. Requests are signed with the caller's
// Ed25519 identity when one is configured.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/semanticweft/semanticweft/internal/httpsig"
	"github.com/semanticweft/semanticweft/internal/identity"
	"github.com/semanticweft/semanticweft/internal/unit"
	"github.com/semanticweft/semanticweft/pkg/api"
)

// maxResponseBytes caps how much of any response body is read.
const maxResponseBytes = 8 << 20

// APIError is a non-2xx response decoded from the node's error body.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("node returned HTTP %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// ErrConflict is returned by SubmitUnit when the node already holds a
// different unit under the same id.
var ErrConflict = errors.New("unit id already taken by different content")

// Client is the SemanticWeft SDK entry point. The zero value is not usable;
// construct with New.
type Client struct {
	nodeBase   string
	httpClient *http.Client
	id         *identity.Identity
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithIdentity attaches an Ed25519 identity. When set, every request carries
// an HTTP signature over (request-target), host, and date, so the client can
// use authenticated endpoints.
func WithIdentity(id *identity.Identity) Option {
	return func(c *Client) error {
		if id == nil {
			return fmt.Errorf("identity must not be nil")
		}
		c.id = id
		return nil
	}
}

// New creates a Client for the node at nodeBase, e.g. "https://node.example.org".
func New(nodeBase string, opts ...Option) (*Client, error) {
	if nodeBase == "" {
		return nil, fmt.Errorf("node base URL is required")
	}
	c := &Client{
		nodeBase:   strings.TrimRight(nodeBase, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// do executes a request, signing it when an identity is configured, and
// returns the body. Non-2xx responses become *APIError.
func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	if c.id != nil {
		if err := httpsig.Sign(req, c.id.DID, c.id.Private); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: api.CodeInternalError}
		var eb api.ErrorBody
		if json.Unmarshal(body, &eb) == nil && eb.Code != "" {
			apiErr.Code = eb.Code
			apiErr.Message = eb.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return nil, apiErr
	}
	return body, nil
}

// getJSON fetches path (plus query) and decodes the response into out.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	target := c.nodeBase + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// sendJSON issues a request with a JSON body and optionally decodes the
// response into out (pass nil to discard it).
func (c *Client) sendJSON(ctx context.Context, method, path string, in, out any) error {
	var bodyReader io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.nodeBase+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// NodeInfo fetches the node discovery document.
func (c *Client) NodeInfo(ctx context.Context) (*api.NodeInfo, error) {
	var info api.NodeInfo
	if err := c.getJSON(ctx, "/.well-known/semanticweft", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SubmitUnit posts a unit to the node. Resubmitting identical content is
// harmless; submitting different content under a taken id yields ErrConflict.
func (c *Client) SubmitUnit(ctx context.Context, u *unit.Unit) error {
	err := c.sendJSON(ctx, http.MethodPost, "/v1/units", u, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == api.CodeIDConflict {
		return ErrConflict
	}
	return err
}

// GetUnit fetches a single unit by id.
func (c *Client) GetUnit(ctx context.Context, id string) (*unit.Unit, error) {
	var u unit.Unit
	if err := c.getJSON(ctx, "/v1/units/"+url.PathEscape(id), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListOptions narrow a unit listing. Zero values are omitted.
type ListOptions struct {
	Kinds  []string
	Author string
	Since  string
	After  string
	Limit  int
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if len(o.Kinds) > 0 {
		q.Set("type", strings.Join(o.Kinds, ","))
	}
	if o.Author != "" {
		q.Set("author", o.Author)
	}
	if o.Since != "" {
		q.Set("since", o.Since)
	}
	if o.After != "" {
		q.Set("after", o.After)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	return q
}

// ListUnits fetches one page of units. Pass the returned cursor back via
// ListOptions.After to continue.
func (c *Client) ListUnits(ctx context.Context, opts ListOptions) (*api.ListResponse, error) {
	var page api.ListResponse
	if err := c.getJSON(ctx, "/v1/units", opts.query(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Subgraph fetches the units connected to id within depth hops. depth <= 0
// uses the node's default.
func (c *Client) Subgraph(ctx context.Context, id string, depth int) (*api.SubgraphResponse, error) {
	q := url.Values{}
	if depth > 0 {
		q.Set("depth", strconv.Itoa(depth))
	}
	var out api.SubgraphResponse
	if err := c.getJSON(ctx, "/v1/units/"+url.PathEscape(id)+"/subgraph", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sync fetches one page of the node's public unit stream. after is the id of
// the last unit seen (empty for the beginning); limit <= 0 uses the node's
// default.
func (c *Client) Sync(ctx context.Context, after string, limit int) (*api.ListResponse, error) {
	q := url.Values{}
	if after != "" {
		q.Set("after", after)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page api.ListResponse
	if err := c.getJSON(ctx, "/v1/sync", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// AgentRecord is an agent registration as exchanged with the node.
type AgentRecord struct {
	DID       string `json:"did"`
	InboxURL  string `json:"inbox_url"`
	Name      string `json:"name,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
	Status    string `json:"status,omitempty"`
}

// RegisterAgent creates or updates the caller's registration on the node.
// Requires an identity matching the record's DID.
func (c *Client) RegisterAgent(ctx context.Context, rec AgentRecord) (*AgentRecord, error) {
	var stored AgentRecord
	if err := c.sendJSON(ctx, http.MethodPost, "/v1/agents/"+url.PathEscape(rec.DID), rec, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetAgent fetches an agent registration by DID.
func (c *Client) GetAgent(ctx context.Context, did string) (*AgentRecord, error) {
	var rec AgentRecord
	if err := c.getJSON(ctx, "/v1/agents/"+url.PathEscape(did), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteAgent removes the caller's registration. Requires an identity
// matching did.
func (c *Client) DeleteAgent(ctx context.Context, did string) error {
	return c.sendJSON(ctx, http.MethodDelete, "/v1/agents/"+url.PathEscape(did), nil, nil)
}

// VoteAgent proposes a reputation value for another agent. The node weighs
// the proposal by the caller's own reputation.
func (c *Client) VoteAgent(ctx context.Context, did string, proposed float64) error {
	body := map[string]float64{"reputation": proposed}
	return c.sendJSON(ctx, http.MethodPatch, "/v1/agents/"+url.PathEscape(did), body, nil)
}

// Follow adds target to the caller's follow list. Requires an identity
// matching follower.
func (c *Client) Follow(ctx context.Context, follower, target string) error {
	body := map[string]string{"follower_did": follower, "target_did": target}
	return c.sendJSON(ctx, http.MethodPost, "/v1/agents/"+url.PathEscape(follower)+"/following", body, nil)
}

// Unfollow removes target from the caller's follow list. Removing an absent
// edge is not an error.
func (c *Client) Unfollow(ctx context.Context, follower, target string) error {
	return c.sendJSON(ctx, http.MethodDelete,
		"/v1/agents/"+url.PathEscape(follower)+"/following/"+url.PathEscape(target), nil, nil)
}

// Following fetches one page of the DIDs an agent follows.
func (c *Client) Following(ctx context.Context, did, after string) (*api.FollowList, error) {
	return c.followList(ctx, "/v1/agents/"+url.PathEscape(did)+"/following", after)
}

// Followers fetches one page of the DIDs following an agent.
func (c *Client) Followers(ctx context.Context, did, after string) (*api.FollowList, error) {
	return c.followList(ctx, "/v1/agents/"+url.PathEscape(did)+"/followers", after)
}

func (c *Client) followList(ctx context.Context, path, after string) (*api.FollowList, error) {
	q := url.Values{}
	if after != "" {
		q.Set("after", after)
	}
	var out api.FollowList
	if err := c.getJSON(ctx, path, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Inbox fetches one page of the caller's inbox. Requires an identity
// matching did.
func (c *Client) Inbox(ctx context.Context, did, after string, limit int) (*api.InboxPage, error) {
	q := url.Values{}
	if after != "" {
		q.Set("after", after)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out api.InboxPage
	if err := c.getJSON(ctx, "/v1/agents/"+url.PathEscape(did)+"/inbox", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Peers fetches the node's peer list.
func (c *Client) Peers(ctx context.Context) (*api.PeersResponse, error) {
	var out api.PeersResponse
	if err := c.getJSON(ctx, "/v1/peers", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
