// Package federation implements the inter-node machinery: the pull-sync
// loop that drains peers' public streams, the push-fanout that delivers
// units to follower inboxes, and bootstrap peer discovery.
package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/semanticweft/semanticweft/internal/httpsig"
	"github.com/semanticweft/semanticweft/internal/identity"
	"github.com/semanticweft/semanticweft/internal/unit"
	"github.com/semanticweft/semanticweft/pkg/api"
)

// maxResponseBytes caps how much of a peer response is read.
const maxResponseBytes = 8 << 20

// SyncPage is one page of a peer's public sync stream.
type SyncPage struct {
	Units             []*unit.Unit       `json:"units"`
	Cursor            string             `json:"cursor"`
	HasMore           bool               `json:"has_more"`
	AuthorReputations map[string]float64 `json:"author_reputations"`
}

// Client is the outbound HTTP client shared by the federation engine. Reads
// use a plain timeout client; inbox deliveries use a retrying client with a
// bounded budget. All calls pass through a shared rate limiter so one node
// cannot saturate the network.
type Client struct {
	http    *http.Client
	retry   *retryablehttp.Client
	limiter *rate.Limiter
	id      *identity.Identity
	logger  *zap.Logger
}

// NewClient builds a federation client signing outbound deliveries with id.
func NewClient(id *identity.Identity, logger *zap.Logger) *Client {
	retry := retryablehttp.NewClient()
	retry.RetryMax = 3
	retry.RetryWaitMin = 500 * time.Millisecond
	retry.RetryWaitMax = 10 * time.Second
	retry.HTTPClient.Timeout = 30 * time.Second
	retry.Logger = nil

	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   retry,
		limiter: rate.NewLimiter(rate.Limit(20), 40),
		id:      id,
		logger:  logger,
	}
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", rawURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s returned status %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response from %s: %w", rawURL, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", rawURL, err)
	}
	return nil
}

// FetchNodeInfo retrieves a node's discovery document. apiBase may carry a
// trailing /v1 segment, which is stripped.
func (c *Client) FetchNodeInfo(ctx context.Context, apiBase string) (*api.NodeInfo, error) {
	base := trimAPIBase(apiBase)
	var info api.NodeInfo
	if err := c.getJSON(ctx, base+"/.well-known/semanticweft", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func trimAPIBase(apiBase string) string {
	base := apiBase
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if len(base) >= 3 && base[len(base)-3:] == "/v1" {
		base = base[:len(base)-3]
	}
	return base
}

// FetchSyncPage pulls one page of a peer's public sync stream.
func (c *Client) FetchSyncPage(ctx context.Context, apiBase, after string, limit int) (*SyncPage, error) {
	u := apiBase + "/v1/sync?limit=" + strconv.Itoa(limit)
	if after != "" {
		u += "&after=" + url.QueryEscape(after)
	}
	var page SyncPage
	if err := c.getJSON(ctx, u, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// FetchPeers pulls a peer's known-peer list.
func (c *Client) FetchPeers(ctx context.Context, apiBase string) ([]api.PeerInfo, error) {
	var out api.PeersResponse
	if err := c.getJSON(ctx, apiBase+"/v1/peers", &out); err != nil {
		return nil, err
	}
	return out.Peers, nil
}

// AnnounceSelf posts our own peer record to a bootstrap node.
func (c *Client) AnnounceSelf(ctx context.Context, apiBase string, self api.PeerInfo) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(self)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/v1/peers", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build announce request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("announce to %s: %w", apiBase, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("announce to %s returned status %d", apiBase, resp.StatusCode)
	}
	return nil
}

// DeliverUnit posts a unit to a remote inbox URL, signed with the node key
// so the receiver can authenticate us via NodeAuth. The retry budget is
// bounded; the receiver's idempotent inbox makes retries safe.
func (c *Client) DeliverUnit(ctx context.Context, inboxURL string, u *unit.Unit) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("serialize unit: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, inboxURL, body)
	if err != nil {
		return fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := httpsig.Sign(req.Request, c.id.DID, c.id.Private); err != nil {
		return fmt.Errorf("sign delivery: %w", err)
	}
	resp, err := c.retry.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", inboxURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("delivery to %s returned status %d", inboxURL, resp.StatusCode)
	}
	return nil
}
