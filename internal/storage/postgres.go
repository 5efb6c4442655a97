package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/semanticweft/semanticweft/internal/unit"
)

// Postgres is the durable Store backed by a pgx connection pool. Every
// Store method is a single statement or transaction.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the given database URL and verifies reachability.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

var _ Store = (*Postgres)(nil)

// Close releases the connection pool.
func (p *Postgres) Close() { p.pool.Close() }

// Pool exposes the underlying connection pool for components that share the
// node's database, such as the audit log.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS units (
		id         TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		author     TEXT NOT NULL,
		created_at TEXT NOT NULL,
		visibility TEXT NOT NULL,
		doc        JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS units_author_idx ON units (author)`,
	`CREATE TABLE IF NOT EXISTS unit_refs (
		src TEXT NOT NULL,
		dst TEXT NOT NULL,
		PRIMARY KEY (src, dst)
	)`,
	`CREATE INDEX IF NOT EXISTS unit_refs_dst_idx ON unit_refs (dst)`,
	`CREATE TABLE IF NOT EXISTS unit_credibility (
		unit_id TEXT PRIMARY KEY,
		score   DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		did           TEXT PRIMARY KEY,
		inbox_url     TEXT NOT NULL,
		name          TEXT NOT NULL DEFAULT '',
		public_key    TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'full',
		contributions INTEGER NOT NULL DEFAULT 0,
		reputation    DOUBLE PRECISION NOT NULL DEFAULT 0.5
	)`,
	`CREATE TABLE IF NOT EXISTS follows (
		follower TEXT NOT NULL,
		followee TEXT NOT NULL,
		PRIMARY KEY (follower, followee)
	)`,
	`CREATE INDEX IF NOT EXISTS follows_followee_idx ON follows (followee)`,
	`CREATE TABLE IF NOT EXISTS peers (
		node_id    TEXT PRIMARY KEY,
		api_base   TEXT NOT NULL,
		reputation DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		last_seen  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS inbox (
		did     TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		doc     JSONB NOT NULL,
		PRIMARY KEY (did, unit_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_cursors (
		peer    TEXT PRIMARY KEY,
		cursor_ TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS node_config (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		idx       INTEGER PRIMARY KEY,
		ts        TIMESTAMPTZ NOT NULL,
		subject   TEXT NOT NULL DEFAULT '',
		action    TEXT NOT NULL,
		actor     TEXT NOT NULL,
		data_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash      TEXT NOT NULL
	)`,
	// Seed the audit chain with its genesis row.
	`INSERT INTO audit_log (idx, ts, subject, action, actor, data_hash, prev_hash, hash)
	 SELECT 0, now(), '', 'genesis', 'node',
	        repeat('0', 64), repeat('0', 64), repeat('0', 64)
	 WHERE NOT EXISTS (SELECT 1 FROM audit_log WHERE idx = 0)`,
}

// EnsureSchema creates all tables and indexes if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) PutUnit(ctx context.Context, u *unit.Unit) error {
	doc, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("serialize unit: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO units (id, kind, author, created_at, visibility, doc)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		u.ID, string(u.Kind), u.Author, u.CreatedAt, string(u.EffectiveVisibility()), doc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	for _, ref := range u.References {
		if _, err := tx.Exec(ctx,
			`INSERT INTO unit_refs (src, dst) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			u.ID, ref.ID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) GetUnit(ctx context.Context, id string) (*unit.Unit, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx, `SELECT doc FROM units WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeUnit(doc)
}

func decodeUnit(doc []byte) (*unit.Unit, error) {
	var u unit.Unit
	if err := json.Unmarshal(doc, &u); err != nil {
		return nil, fmt.Errorf("decode stored unit: %w", err)
	}
	return &u, nil
}

func (p *Postgres) ListUnits(ctx context.Context, f UnitFilter) (Page, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		where = append(where, "kind = ANY("+arg(kinds)+")")
	}
	if f.Author != "" {
		where = append(where, "author = "+arg(f.Author))
	}
	if f.Since != "" {
		where = append(where, "created_at >= "+arg(f.Since))
	}
	if f.After != "" {
		where = append(where, "id > "+arg(f.After))
	}
	if len(f.Visibilities) > 0 {
		vis := make([]string, len(f.Visibilities))
		for i, v := range f.Visibilities {
			vis[i] = string(v)
		}
		where = append(where, "visibility = ANY("+arg(vis)+")")
	}
	if f.NetworkForAuthors != nil {
		where = append(where, "(visibility <> 'network' OR author = ANY("+arg(f.NetworkForAuthors)+"))")
	}

	query := "SELECT doc FROM units"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC LIMIT " + arg(limit+1)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	units, err := scanUnits(rows)
	if err != nil {
		return Page{}, err
	}
	hasMore := len(units) > limit
	if hasMore {
		units = units[:limit]
	}
	return Page{Units: units, HasMore: hasMore}, nil
}

func scanUnits(rows pgx.Rows) ([]*unit.Unit, error) {
	var units []*unit.Unit
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		u, err := decodeUnit(doc)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

func (p *Postgres) IncomingRefs(ctx context.Context, id string) ([]*unit.Unit, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT u.doc FROM unit_refs r JOIN units u ON u.id = r.src
		 WHERE r.dst = $1 ORDER BY u.id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUnits(rows)
}

func (p *Postgres) SetCredibility(ctx context.Context, unitID string, score float64) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO unit_credibility (unit_id, score) VALUES ($1, $2)
		 ON CONFLICT (unit_id) DO UPDATE SET score = EXCLUDED.score`,
		unitID, score)
	return err
}

func (p *Postgres) GetCredibilities(ctx context.Context, unitIDs []string) (map[string]float64, error) {
	out := make(map[string]float64)
	if len(unitIDs) == 0 {
		return out, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT unit_id, score FROM unit_credibility WHERE unit_id = ANY($1)`, unitIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, err
		}
		out[id] = score
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertAgent(ctx context.Context, a *Agent) error {
	status := a.Status
	if status == "" {
		status = AgentStatusFull
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO agents (did, inbox_url, name, public_key, status, contributions, reputation)
		 VALUES ($1, $2, $3, $4, $5, 0, $6)
		 ON CONFLICT (did) DO UPDATE SET
			inbox_url  = EXCLUDED.inbox_url,
			name       = EXCLUDED.name,
			public_key = EXCLUDED.public_key,
			status     = EXCLUDED.status`,
		a.DID, a.InboxURL, a.Name, a.PublicKey, status, DefaultReputation)
	return err
}

func (p *Postgres) GetAgent(ctx context.Context, did string) (*Agent, error) {
	var a Agent
	err := p.pool.QueryRow(ctx,
		`SELECT did, inbox_url, name, public_key, status, contributions, reputation
		 FROM agents WHERE did = $1`, did).
		Scan(&a.DID, &a.InboxURL, &a.Name, &a.PublicKey, &a.Status, &a.Contributions, &a.Reputation)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *Postgres) DeleteAgent(ctx context.Context, did string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM agents WHERE did = $1`, did)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM follows WHERE follower = $1 OR followee = $1`, did); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM inbox WHERE did = $1`, did); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT did, inbox_url, name, public_key, status, contributions, reputation
		 FROM agents ORDER BY did ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.DID, &a.InboxURL, &a.Name, &a.PublicKey, &a.Status, &a.Contributions, &a.Reputation); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateAgentReputation(ctx context.Context, did string, reputation float64) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE agents SET reputation = $2 WHERE did = $1`, did, reputation)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AgentReputationStats(ctx context.Context) (ReputationStats, error) {
	var s ReputationStats
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(reputation), 0), COALESCE(STDDEV_POP(reputation), 0) FROM agents`).
		Scan(&s.Mean, &s.StdDev)
	return s, err
}

func (p *Postgres) AddFollow(ctx context.Context, follower, followee string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO follows (follower, followee) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		follower, followee)
	return err
}

func (p *Postgres) RemoveFollow(ctx context.Context, follower, followee string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM follows WHERE follower = $1 AND followee = $2`, follower, followee)
	return err
}

func (p *Postgres) Following(ctx context.Context, did string) ([]string, error) {
	return p.scanStrings(ctx,
		`SELECT followee FROM follows WHERE follower = $1 ORDER BY followee ASC`, did)
}

func (p *Postgres) Followers(ctx context.Context, did string) ([]string, error) {
	return p.scanStrings(ctx,
		`SELECT follower FROM follows WHERE followee = $1 ORDER BY follower ASC`, did)
}

func (p *Postgres) scanStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertPeer(ctx context.Context, peer *Peer) error {
	rep := peer.Reputation
	if rep == 0 {
		rep = DefaultReputation
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO peers (node_id, api_base, reputation, last_seen)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (node_id) DO UPDATE SET
			api_base  = EXCLUDED.api_base,
			last_seen = CASE WHEN EXCLUDED.last_seen = '' THEN peers.last_seen ELSE EXCLUDED.last_seen END`,
		peer.NodeID, peer.APIBase, rep, peer.LastSeen)
	return err
}

func (p *Postgres) GetPeer(ctx context.Context, nodeID string) (*Peer, error) {
	var peer Peer
	err := p.pool.QueryRow(ctx,
		`SELECT node_id, api_base, reputation, last_seen FROM peers WHERE node_id = $1`, nodeID).
		Scan(&peer.NodeID, &peer.APIBase, &peer.Reputation, &peer.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &peer, nil
}

func (p *Postgres) ListPeers(ctx context.Context) ([]*Peer, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT node_id, api_base, reputation, last_seen FROM peers ORDER BY node_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Peer
	for rows.Next() {
		var peer Peer
		if err := rows.Scan(&peer.NodeID, &peer.APIBase, &peer.Reputation, &peer.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, &peer)
	}
	return out, rows.Err()
}

func (p *Postgres) DeletePeer(ctx context.Context, nodeID string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM peers WHERE node_id = $1`, nodeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdatePeerReputation(ctx context.Context, nodeID string, reputation float64) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE peers SET reputation = $2 WHERE node_id = $1`, nodeID, reputation)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) PeerReputationStats(ctx context.Context) (ReputationStats, error) {
	var s ReputationStats
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(reputation), 0), COALESCE(STDDEV_POP(reputation), 0) FROM peers`).
		Scan(&s.Mean, &s.StdDev)
	return s, err
}

func (p *Postgres) DeliverToInbox(ctx context.Context, did string, u *unit.Unit) error {
	doc, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("serialize unit: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO inbox (did, unit_id, doc) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		did, u.ID, doc)
	return err
}

func (p *Postgres) ListInbox(ctx context.Context, did string, after string, limit int) (Page, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.pool.Query(ctx,
		`SELECT doc FROM inbox WHERE did = $1 AND unit_id > $2 ORDER BY unit_id ASC LIMIT $3`,
		did, after, limit+1)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	units, err := scanUnits(rows)
	if err != nil {
		return Page{}, err
	}
	hasMore := len(units) > limit
	if hasMore {
		units = units[:limit]
	}
	return Page{Units: units, HasMore: hasMore}, nil
}

func (p *Postgres) ClearInbox(ctx context.Context, did string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM inbox WHERE did = $1`, did)
	return err
}

func (p *Postgres) GetCursor(ctx context.Context, peer string) (string, bool, error) {
	var cursor string
	err := p.pool.QueryRow(ctx,
		`SELECT cursor_ FROM sync_cursors WHERE peer = $1`, peer).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return cursor, true, nil
}

func (p *Postgres) SetCursor(ctx context.Context, peer, cursor string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO sync_cursors (peer, cursor_) VALUES ($1, $2)
		 ON CONFLICT (peer) DO UPDATE SET cursor_ = EXCLUDED.cursor_`,
		peer, cursor)
	return err
}

func (p *Postgres) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM node_config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (p *Postgres) SetConfig(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO node_config (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	return err
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }
