package federation

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/semanticweft/semanticweft/internal/identity"
	"github.com/semanticweft/semanticweft/internal/storage"
	"github.com/semanticweft/semanticweft/internal/unit"
)

// deliveryTimeout bounds one fanout delivery including its retries.
const deliveryTimeout = 2 * time.Minute

// infoCacheTTL bounds how long a remote host's resolved api_base is reused.
const infoCacheTTL = 10 * time.Minute

// Fanout delivers newly stored units to follower and audience inboxes.
// Local followers get an in-process inbox insert; remote ones get a signed
// POST to their inbox URL. Deliveries are idempotent on the receiving side,
// so the retry budget in Client is safe.
type Fanout struct {
	store     storage.Store
	client    *Client
	id        *identity.Identity
	localHost string
	logger    *zap.Logger

	mu        sync.Mutex
	infoCache map[string]cachedBase
}

type cachedBase struct {
	apiBase string
	at      time.Time
}

// NewFanout builds the fanout engine. apiBase is this node's public base
// URL; inbox URLs on the same host are treated as local.
func NewFanout(store storage.Store, client *Client, id *identity.Identity, apiBase string, logger *zap.Logger) *Fanout {
	localHost := ""
	if u, err := url.Parse(apiBase); err == nil {
		localHost = u.Host
	}
	return &Fanout{
		store:     store,
		client:    client,
		id:        id,
		localHost: localHost,
		logger:    logger,
		infoCache: make(map[string]cachedBase),
	}
}

// Deliver fans a stored unit out according to its visibility. It is meant
// to run detached from the submitting request:
//
//	go fanout.Deliver(u)
//
// Network units go to every known follower of the author; limited units go
// to the audience. Public units are distributed by pull-sync, not fanout.
func (f *Fanout) Deliver(u *unit.Unit) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	switch u.EffectiveVisibility() {
	case unit.VisibilityNetwork:
		f.deliverToFollowers(ctx, u)
	case unit.VisibilityLimited:
		f.deliverToAudience(ctx, u)
	}
}

func (f *Fanout) deliverToFollowers(ctx context.Context, u *unit.Unit) {
	followers, err := f.store.Followers(ctx, u.Author)
	if err != nil {
		f.logger.Error("fanout: could not list followers",
			zap.String("unit", u.ID), zap.Error(err))
		return
	}
	for _, did := range followers {
		agent, err := f.store.GetAgent(ctx, did)
		if err != nil {
			f.logger.Warn("fanout: follower has no profile",
				zap.String("follower", did), zap.Error(err))
			continue
		}
		if f.isLocalInbox(agent.InboxURL) {
			f.deliverLocal(ctx, did, u)
		} else {
			f.deliverRemote(ctx, agent.InboxURL, u)
		}
	}
}

// deliverToAudience handles limited units. Audience entries of the form
// "did@host" name agents on other nodes; bare DIDs are resolved against the
// local registry.
func (f *Fanout) deliverToAudience(ctx context.Context, u *unit.Unit) {
	for _, member := range u.Audience {
		did, host, remote := splitAudienceMember(member)
		if !remote {
			if _, err := f.store.GetAgent(ctx, did); err != nil {
				continue
			}
			f.deliverLocal(ctx, did, u)
			continue
		}
		inboxURL, err := f.resolveRemoteInbox(ctx, did, host)
		if err != nil {
			f.logger.Warn("fanout: could not resolve audience member",
				zap.String("member", member), zap.Error(err))
			f.notifyDeliveryFailure(ctx, u, member)
			continue
		}
		f.deliverRemote(ctx, inboxURL, u)
	}
}

// splitAudienceMember separates "did@host" into its parts. The split is on
// the last '@' so DIDs containing '@' in method-specific parts still work.
func splitAudienceMember(member string) (did, host string, remote bool) {
	i := strings.LastIndex(member, "@")
	if i < 0 {
		return member, "", false
	}
	return member[:i], member[i+1:], true
}

func (f *Fanout) isLocalInbox(inboxURL string) bool {
	parsed, err := url.Parse(inboxURL)
	if err != nil {
		return false
	}
	return parsed.Host == f.localHost
}

func (f *Fanout) deliverLocal(ctx context.Context, did string, u *unit.Unit) {
	if err := f.store.DeliverToInbox(ctx, did, u); err != nil {
		fanoutDeliveries.WithLabelValues("local", "failure").Inc()
		f.logger.Error("fanout: local inbox insert failed",
			zap.String("agent", did), zap.String("unit", u.ID), zap.Error(err))
		return
	}
	fanoutDeliveries.WithLabelValues("local", "success").Inc()
}

func (f *Fanout) deliverRemote(ctx context.Context, inboxURL string, u *unit.Unit) {
	if err := f.client.DeliverUnit(ctx, inboxURL, u); err != nil {
		fanoutDeliveries.WithLabelValues("remote", "failure").Inc()
		f.logger.Warn("fanout: remote delivery failed",
			zap.String("inbox", inboxURL), zap.String("unit", u.ID), zap.Error(err))
		f.notifyDeliveryFailure(ctx, u, inboxURL)
		return
	}
	fanoutDeliveries.WithLabelValues("remote", "success").Inc()
}

// resolveRemoteInbox maps an audience host to its inbox endpoint via the
// host's discovery document. Resolved bases are cached briefly.
func (f *Fanout) resolveRemoteInbox(ctx context.Context, did, host string) (string, error) {
	f.mu.Lock()
	entry, ok := f.infoCache[host]
	f.mu.Unlock()

	if !ok || time.Since(entry.at) > infoCacheTTL {
		info, err := f.client.FetchNodeInfo(ctx, "https://"+host)
		if err != nil {
			return "", err
		}
		entry = cachedBase{apiBase: strings.TrimRight(info.APIBase, "/"), at: time.Now()}
		f.mu.Lock()
		f.infoCache[host] = entry
		f.mu.Unlock()
	}
	return fmt.Sprintf("%s/v1/agents/%s/inbox", entry.apiBase, url.PathEscape(did)), nil
}

// notifyDeliveryFailure drops a node-authored constraint unit into the
// author's local inbox after a remote delivery exhausts its retries, so the
// author learns the unit did not reach part of its audience.
func (f *Fanout) notifyDeliveryFailure(ctx context.Context, failed *unit.Unit, target string) {
	if _, err := f.store.GetAgent(ctx, failed.Author); err != nil {
		return // author is not registered here; nowhere to notify
	}
	notice, err := unit.New(unit.KindConstraint,
		fmt.Sprintf("delivery of unit %s to %s failed after retries", failed.ID, target),
		f.id.DID)
	if err != nil {
		f.logger.Error("fanout: could not mint failure notice", zap.Error(err))
		return
	}
	notice.References = []unit.Reference{{ID: failed.ID, Rel: unit.RelNotifies}}
	if err := f.store.DeliverToInbox(ctx, failed.Author, notice); err != nil {
		f.logger.Error("fanout: could not deliver failure notice",
			zap.String("author", failed.Author), zap.Error(err))
	}
}
