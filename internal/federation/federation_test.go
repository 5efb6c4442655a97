package federation_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/semanticweft/semanticweft/internal/federation"
	"github.com/semanticweft/semanticweft/internal/httpsig"
	"github.com/semanticweft/semanticweft/internal/identity"
	"github.com/semanticweft/semanticweft/internal/storage"
	"github.com/semanticweft/semanticweft/internal/unit"
	"github.com/semanticweft/semanticweft/pkg/api"
)

func newClient(t *testing.T) (*federation.Client, *identity.Identity) {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return federation.NewClient(id, zap.NewNop()), id
}

func newUnit(t *testing.T, author string) *unit.Unit {
	t.Helper()
	u, err := unit.New(unit.KindAssertion, "the sky is blue", author)
	if err != nil {
		t.Fatalf("new unit: %v", err)
	}
	return u
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestFetchNodeInfoTrimsAPIBase(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/semanticweft" {
			http.NotFound(w, r)
			return
		}
		writeJSON(t, w, api.NodeInfo{NodeID: "did:key:zNode", ProtocolVersion: "0.1"})
	}))
	defer srv.Close()

	client, _ := newClient(t)
	for _, base := range []string{srv.URL, srv.URL + "/", srv.URL + "/v1", srv.URL + "/v1/"} {
		info, err := client.FetchNodeInfo(ctx, base)
		if err != nil {
			t.Fatalf("FetchNodeInfo(%q): %v", base, err)
		}
		if info.NodeID != "did:key:zNode" {
			t.Errorf("FetchNodeInfo(%q) node_id = %q", base, info.NodeID)
		}
	}
}

func TestAnnounceSelfAndFetchPeers(t *testing.T) {
	ctx := context.Background()
	var announced api.PeerInfo
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/peers" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodPost:
			if err := json.NewDecoder(r.Body).Decode(&announced); err != nil {
				t.Errorf("decode announce: %v", err)
			}
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			writeJSON(t, w, api.PeersResponse{Peers: []api.PeerInfo{
				{NodeID: "did:key:zOther", APIBase: "https://other.example.org", Reputation: 0.7},
			}})
		}
	}))
	defer srv.Close()

	client, _ := newClient(t)
	self := api.PeerInfo{NodeID: "did:key:zSelf", APIBase: "https://self.example.org"}
	if err := client.AnnounceSelf(ctx, srv.URL, self); err != nil {
		t.Fatalf("AnnounceSelf: %v", err)
	}
	if announced.NodeID != self.NodeID || announced.APIBase != self.APIBase {
		t.Errorf("announced %+v, want %+v", announced, self)
	}

	peers, err := client.FetchPeers(ctx, srv.URL)
	if err != nil {
		t.Fatalf("FetchPeers: %v", err)
	}
	if len(peers) != 1 || peers[0].NodeID != "did:key:zOther" {
		t.Errorf("peers %+v", peers)
	}
}

func TestDeliverUnitSignsRequest(t *testing.T) {
	ctx := context.Background()
	client, id := newClient(t)
	u := newUnit(t, "did:key:zAuthor")

	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params, err := httpsig.ParseHeader(r.Header.Get("Signature"))
		if err != nil {
			t.Errorf("parse signature: %v", err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if params.KeyID != id.DID {
			t.Errorf("keyId %q, want %q", params.KeyID, id.DID)
		}
		pub, err := identity.DecodeDIDKey(params.KeyID)
		if err != nil {
			t.Errorf("decode keyId: %v", err)
		} else if err := httpsig.Verify(r, params, pub); err != nil {
			t.Errorf("verify delivery: %v", err)
		}
		var received unit.Unit
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode unit: %v", err)
		}
		gotID = received.ID
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	if err := client.DeliverUnit(ctx, srv.URL+"/v1/agents/did:key:zF/inbox", u); err != nil {
		t.Fatalf("DeliverUnit: %v", err)
	}
	if gotID != u.ID {
		t.Errorf("delivered unit %q, want %q", gotID, u.ID)
	}
}

func TestDeliverUnitRejection(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client, _ := newClient(t)
	if err := client.DeliverUnit(ctx, srv.URL+"/inbox", newUnit(t, "did:key:zA")); err == nil {
		t.Error("DeliverUnit succeeded against a rejecting inbox")
	}
}

func TestSyncPeer(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	repAuthor := "did:key:zRated"
	plainAuthor := "did:key:zUnrated"
	units := []*unit.Unit{
		newUnit(t, repAuthor),
		newUnit(t, repAuthor),
		newUnit(t, plainAuthor),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sync" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("after") {
		case "":
			writeJSON(t, w, federation.SyncPage{
				Units:             units[:2],
				Cursor:            units[1].ID,
				HasMore:           true,
				AuthorReputations: map[string]float64{repAuthor: 0.8},
			})
		case units[1].ID:
			// The overlap re-sends an already-held unit.
			writeJSON(t, w, federation.SyncPage{
				Units:             units[1:],
				Cursor:            units[2].ID,
				HasMore:           false,
				AuthorReputations: map[string]float64{repAuthor: 0.8},
			})
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("after"))
			writeJSON(t, w, federation.SyncPage{})
		}
	}))
	defer srv.Close()

	client, _ := newClient(t)
	syncer := federation.NewSyncer(store, client, time.Minute, zap.NewNop())
	peer := &storage.Peer{NodeID: "did:key:zPeer", APIBase: srv.URL, Reputation: 0.5}
	if err := syncer.SyncPeer(ctx, peer); err != nil {
		t.Fatalf("SyncPeer: %v", err)
	}

	for _, u := range units {
		if _, err := store.GetUnit(ctx, u.ID); err != nil {
			t.Errorf("unit %s not stored: %v", u.ID, err)
		}
	}

	scores, err := store.GetCredibilities(ctx, []string{units[0].ID, units[2].ID})
	if err != nil {
		t.Fatalf("GetCredibilities: %v", err)
	}
	// peer 0.5 × rated author 0.8, and peer 0.5 × default 0.5.
	if got := scores[units[0].ID]; math.Abs(got-0.4) > 1e-9 {
		t.Errorf("credibility for rated author = %v, want 0.4", got)
	}
	if got := scores[units[2].ID]; math.Abs(got-0.25) > 1e-9 {
		t.Errorf("credibility for unrated author = %v, want 0.25", got)
	}

	cursor, found, err := store.GetCursor(ctx, srv.URL)
	if err != nil || !found {
		t.Fatalf("GetCursor: found=%v err=%v", found, err)
	}
	if cursor != units[2].ID {
		t.Errorf("cursor %q, want %q", cursor, units[2].ID)
	}

	stored, err := store.GetPeer(ctx, peer.NodeID)
	if err != nil {
		t.Fatalf("GetPeer: %v", err)
	}
	if stored.LastSeen == "" {
		t.Error("peer last_seen not refreshed after drain")
	}
}

func TestSyncPeerKeepsCursorWhenResponseOmitsIt(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("after"); got != "prior-cursor" {
			t.Errorf("after = %q, want prior-cursor", got)
		}
		writeJSON(t, w, federation.SyncPage{Units: nil, Cursor: "", HasMore: false})
	}))
	defer srv.Close()

	if err := store.SetCursor(ctx, srv.URL, "prior-cursor"); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	client, _ := newClient(t)
	syncer := federation.NewSyncer(store, client, time.Minute, zap.NewNop())
	if err := syncer.SyncPeer(ctx, &storage.Peer{NodeID: "did:key:zPeer", APIBase: srv.URL}); err != nil {
		t.Fatalf("SyncPeer: %v", err)
	}

	cursor, _, err := store.GetCursor(ctx, srv.URL)
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if cursor != "prior-cursor" {
		t.Errorf("cursor %q changed despite empty page cursor", cursor)
	}
}

func discoveryServer(t *testing.T, nodeID string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/semanticweft" {
			http.NotFound(w, r)
			return
		}
		writeJSON(t, w, api.NodeInfo{NodeID: nodeID, ProtocolVersion: "0.1"})
	}))
}

func TestDiscoveryVerify(t *testing.T) {
	ctx := context.Background()
	srv := discoveryServer(t, "did:key:zReal")
	client, _ := newClient(t)
	d := federation.NewDiscovery(storage.NewMemory(), client,
		api.PeerInfo{NodeID: "did:key:zSelf"}, 8, zap.NewNop())

	if got := d.Verify(ctx, &storage.Peer{NodeID: "did:key:zReal", APIBase: srv.URL}); got != federation.Verified {
		t.Errorf("matching node_id: %v, want Verified", got)
	}
	if got := d.Verify(ctx, &storage.Peer{NodeID: "did:key:zFake", APIBase: srv.URL}); got != federation.Mismatch {
		t.Errorf("mismatching node_id: %v, want Mismatch", got)
	}
	srv.Close()
	if got := d.Verify(ctx, &storage.Peer{NodeID: "did:key:zReal", APIBase: srv.URL}); got != federation.Unreachable {
		t.Errorf("dead server: %v, want Unreachable", got)
	}
}

func TestTryAddPeerRejectsMismatch(t *testing.T) {
	ctx := context.Background()
	srv := discoveryServer(t, "did:key:zReal")
	defer srv.Close()

	store := storage.NewMemory()
	client, _ := newClient(t)
	d := federation.NewDiscovery(store, client, api.PeerInfo{NodeID: "did:key:zSelf"}, 8, zap.NewNop())

	d.TryAddPeer(ctx, &storage.Peer{NodeID: "did:key:zImpostor", APIBase: srv.URL})
	if _, err := store.GetPeer(ctx, "did:key:zImpostor"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("impersonating candidate was stored (err=%v)", err)
	}

	d.TryAddPeer(ctx, &storage.Peer{NodeID: "did:key:zReal", APIBase: srv.URL})
	if _, err := store.GetPeer(ctx, "did:key:zReal"); err != nil {
		t.Errorf("verified candidate not stored: %v", err)
	}
}

func TestTryAddPeerEviction(t *testing.T) {
	ctx := context.Background()
	goodSrv := discoveryServer(t, "did:key:zGood")
	defer goodSrv.Close()
	weakSrv := discoveryServer(t, "did:key:zWeak")
	defer weakSrv.Close()

	store := storage.NewMemory()
	client, _ := newClient(t)
	d := federation.NewDiscovery(store, client, api.PeerInfo{NodeID: "did:key:zSelf"}, 1, zap.NewNop())

	if err := store.UpsertPeer(ctx, &storage.Peer{NodeID: "did:key:zOld", APIBase: "http://old.example.org"}); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}
	if err := store.UpdatePeerReputation(ctx, "did:key:zOld", 0.2); err != nil {
		t.Fatalf("UpdatePeerReputation: %v", err)
	}

	// The candidate carries no score and counts as default (0.5), beating
	// the 0.2 incumbent.
	d.TryAddPeer(ctx, &storage.Peer{NodeID: "did:key:zGood", APIBase: goodSrv.URL})
	if _, err := store.GetPeer(ctx, "did:key:zOld"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("worst peer not evicted (err=%v)", err)
	}
	if _, err := store.GetPeer(ctx, "did:key:zGood"); err != nil {
		t.Errorf("candidate not stored after eviction: %v", err)
	}

	// A candidate worse than everything held is dropped instead.
	if err := store.UpdatePeerReputation(ctx, "did:key:zGood", 0.9); err != nil {
		t.Fatalf("UpdatePeerReputation: %v", err)
	}
	d.TryAddPeer(ctx, &storage.Peer{NodeID: "did:key:zWeak", APIBase: weakSrv.URL, Reputation: 0.1})
	if _, err := store.GetPeer(ctx, "did:key:zWeak"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("weak candidate displaced a better peer (err=%v)", err)
	}
	if _, err := store.GetPeer(ctx, "did:key:zGood"); err != nil {
		t.Errorf("incumbent lost: %v", err)
	}
}

func TestNudge(t *testing.T) {
	ctx := context.Background()
	srv := discoveryServer(t, "did:key:zPeer")
	defer srv.Close()

	store := storage.NewMemory()
	client, _ := newClient(t)
	d := federation.NewDiscovery(store, client, api.PeerInfo{NodeID: "did:key:zSelf"}, 8, zap.NewNop())

	seed := func(nodeID string) {
		if err := store.UpsertPeer(ctx, &storage.Peer{NodeID: nodeID, APIBase: srv.URL}); err != nil {
			t.Fatalf("UpsertPeer: %v", err)
		}
	}
	rep := func(nodeID string) float64 {
		p, err := store.GetPeer(ctx, nodeID)
		if err != nil {
			t.Fatalf("GetPeer: %v", err)
		}
		return p.Reputation
	}

	// A verified peer drifts halfway from 0.5 toward 0.55.
	seed("did:key:zPeer")
	d.Nudge("did:key:zPeer", srv.URL)
	if got := rep("did:key:zPeer"); math.Abs(got-0.525) > 1e-9 {
		t.Errorf("verified nudge: reputation %v, want 0.525", got)
	}

	// A mismatching peer drifts halfway from 0.5 toward 0.3.
	seed("did:key:zLiar")
	d.Nudge("did:key:zLiar", srv.URL)
	if got := rep("did:key:zLiar"); math.Abs(got-0.4) > 1e-9 {
		t.Errorf("mismatch nudge: reputation %v, want 0.4", got)
	}
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()
	peerSrv := discoveryServer(t, "did:key:zListed")
	defer peerSrv.Close()

	var announced bool
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/peers", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			announced = true
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			writeJSON(t, w, api.PeersResponse{Peers: []api.PeerInfo{
				{NodeID: "did:key:zSelf", APIBase: "http://self.example.org"},
				{NodeID: "did:key:zListed", APIBase: peerSrv.URL},
			}})
		}
	})
	bootSrv := httptest.NewServer(mux)
	defer bootSrv.Close()

	store := storage.NewMemory()
	client, _ := newClient(t)
	d := federation.NewDiscovery(store, client, api.PeerInfo{NodeID: "did:key:zSelf"}, 8, zap.NewNop())
	d.Bootstrap(ctx, []string{bootSrv.URL + "/v1"})

	if !announced {
		t.Error("bootstrap did not announce self")
	}
	if _, err := store.GetPeer(ctx, "did:key:zListed"); err != nil {
		t.Errorf("listed peer not adopted: %v", err)
	}
	if _, err := store.GetPeer(ctx, "did:key:zSelf"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("node adopted itself as a peer (err=%v)", err)
	}
}

type fanoutFixture struct {
	store  *storage.Memory
	fanout *federation.Fanout
	nodeID *identity.Identity
}

func newFanoutFixture(t *testing.T, localBase string) *fanoutFixture {
	t.Helper()
	store := storage.NewMemory()
	client, id := newClient(t)
	return &fanoutFixture{
		store:  store,
		fanout: federation.NewFanout(store, client, id, localBase, zap.NewNop()),
		nodeID: id,
	}
}

func (f *fanoutFixture) addAgent(t *testing.T, did, inboxURL string) {
	t.Helper()
	if err := f.store.UpsertAgent(context.Background(), &storage.Agent{DID: did, InboxURL: inboxURL}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
}

func (f *fanoutFixture) inbox(t *testing.T, did string) []*unit.Unit {
	t.Helper()
	page, err := f.store.ListInbox(context.Background(), did, "", 100)
	if err != nil {
		t.Fatalf("ListInbox: %v", err)
	}
	return page.Units
}

func TestFanoutNetworkUnit(t *testing.T) {
	ctx := context.Background()
	const localBase = "http://node.local"

	var remoteGot string
	var remoteSigned bool
	remoteSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remoteSigned = r.Header.Get("Signature") != ""
		var u unit.Unit
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		remoteGot = u.ID
		w.WriteHeader(http.StatusCreated)
	}))
	defer remoteSrv.Close()

	f := newFanoutFixture(t, localBase)
	author := "did:key:zAuthor"
	localFollower := "did:key:zNear"
	remoteFollower := "did:key:zFar"
	f.addAgent(t, author, localBase+"/v1/agents/"+author+"/inbox")
	f.addAgent(t, localFollower, localBase+"/v1/agents/"+localFollower+"/inbox")
	f.addAgent(t, remoteFollower, remoteSrv.URL+"/v1/agents/"+remoteFollower+"/inbox")
	for _, follower := range []string{localFollower, remoteFollower} {
		if err := f.store.AddFollow(ctx, follower, author); err != nil {
			t.Fatalf("AddFollow: %v", err)
		}
	}

	u := newUnit(t, author)
	u.Visibility = unit.VisibilityNetwork
	f.fanout.Deliver(u)

	local := f.inbox(t, localFollower)
	if len(local) != 1 || local[0].ID != u.ID {
		t.Errorf("local follower inbox %v", local)
	}
	if remoteGot != u.ID {
		t.Errorf("remote follower got %q, want %q", remoteGot, u.ID)
	}
	if !remoteSigned {
		t.Error("remote delivery was not signed")
	}
}

func TestFanoutPublicUnitNotPushed(t *testing.T) {
	ctx := context.Background()
	const localBase = "http://node.local"
	f := newFanoutFixture(t, localBase)
	author := "did:key:zAuthor"
	follower := "did:key:zFollower"
	f.addAgent(t, author, localBase+"/inbox/a")
	f.addAgent(t, follower, localBase+"/v1/agents/"+follower+"/inbox")
	if err := f.store.AddFollow(ctx, follower, author); err != nil {
		t.Fatalf("AddFollow: %v", err)
	}

	f.fanout.Deliver(newUnit(t, author)) // default public visibility
	if got := f.inbox(t, follower); len(got) != 0 {
		t.Errorf("public unit pushed to follower inbox: %v", got)
	}
}

func TestFanoutLimitedAudience(t *testing.T) {
	const localBase = "http://node.local"
	f := newFanoutFixture(t, localBase)
	author := "did:key:zAuthor"
	member := "did:key:zTrusted"
	f.addAgent(t, author, localBase+"/inbox/a")
	f.addAgent(t, member, localBase+"/v1/agents/"+member+"/inbox")

	u := newUnit(t, author)
	u.Visibility = unit.VisibilityLimited
	u.Audience = []string{member, "did:key:zUnregistered"}
	f.fanout.Deliver(u)

	got := f.inbox(t, member)
	if len(got) != 1 || got[0].ID != u.ID {
		t.Errorf("audience member inbox %v", got)
	}
	if got := f.inbox(t, "did:key:zUnregistered"); len(got) != 0 {
		t.Errorf("unregistered audience member received delivery: %v", got)
	}
}

func TestFanoutFailureNotice(t *testing.T) {
	ctx := context.Background()
	const localBase = "http://node.local"

	deadSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer deadSrv.Close()

	f := newFanoutFixture(t, localBase)
	author := "did:key:zAuthor"
	follower := "did:key:zFar"
	f.addAgent(t, author, localBase+"/v1/agents/"+author+"/inbox")
	f.addAgent(t, follower, deadSrv.URL+"/inbox")
	if err := f.store.AddFollow(ctx, follower, author); err != nil {
		t.Fatalf("AddFollow: %v", err)
	}

	u := newUnit(t, author)
	u.Visibility = unit.VisibilityNetwork
	f.fanout.Deliver(u)

	notices := f.inbox(t, author)
	if len(notices) != 1 {
		t.Fatalf("author inbox has %d items, want 1 failure notice", len(notices))
	}
	notice := notices[0]
	if notice.Kind != unit.KindConstraint {
		t.Errorf("notice kind %q, want constraint", notice.Kind)
	}
	if notice.Author != f.nodeID.DID {
		t.Errorf("notice author %q, want node DID %q", notice.Author, f.nodeID.DID)
	}
	if len(notice.References) != 1 || notice.References[0].ID != u.ID || notice.References[0].Rel != unit.RelNotifies {
		t.Errorf("notice references %v", notice.References)
	}
}
