package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises concurrent Append calls across node processes
// sharing one database. The value is arbitrary but must stay stable.
const advisoryLockKey = int64(7_249_113_205)

// Postgres persists the audit chain in the node's database. The audit_log
// table and its genesis row are created by the storage schema setup.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres builds a Postgres ledger on the given connection pool.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger}
}

var _ Ledger = (*Postgres)(nil)

// Append reads the chain tail and inserts the new entry in one transaction,
// guarded by an advisory lock so concurrent appends cannot fork the chain.
func (l *Postgres) Append(ctx context.Context, subject, action, actor string, payload any) (*Entry, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM audit_log ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}

	entry := &Entry{
		Index:     prevIdx + 1,
		Timestamp: time.Now().UTC(),
		Subject:   subject,
		Action:    action,
		Actor:     actor,
		DataHash:  sha256Sum(payloadJSON),
		PrevHash:  prevHash,
	}
	entry.Hash = hashEntry(entry)

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_log (idx, ts, subject, action, actor, data_hash, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.Index, entry.Timestamp, entry.Subject,
		entry.Action, entry.Actor, entry.DataHash,
		entry.PrevHash, entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit audit entry: %w", err)
	}

	l.logger.Debug("audit entry appended",
		zap.Int("idx", entry.Index),
		zap.String("action", entry.Action),
		zap.String("subject", entry.Subject),
	)
	return entry, nil
}

func (l *Postgres) Get(ctx context.Context, index int) (*Entry, error) {
	entry := &Entry{}
	if err := l.pool.QueryRow(ctx,
		`SELECT idx, ts, subject, action, actor, data_hash, prev_hash, hash
		 FROM audit_log WHERE idx = $1`, index,
	).Scan(
		&entry.Index, &entry.Timestamp, &entry.Subject,
		&entry.Action, &entry.Actor, &entry.DataHash,
		&entry.PrevHash, &entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("get audit entry %d: %w", index, err)
	}
	return entry, nil
}

func (l *Postgres) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_log").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// Verify streams all rows in index order and validates the chain. O(n) in
// chain length.
func (l *Postgres) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx,
		`SELECT idx, ts, subject, action, actor, data_hash, prev_hash, hash
		 FROM audit_log ORDER BY idx ASC`,
	)
	if err != nil {
		return fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr := &Entry{}
		if err := rows.Scan(
			&curr.Index, &curr.Timestamp, &curr.Subject,
			&curr.Action, &curr.Actor, &curr.DataHash,
			&curr.PrevHash, &curr.Hash,
		); err != nil {
			return fmt.Errorf("scan audit row: %w", err)
		}
		if prev == nil {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			prev = curr
			continue
		}
		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
		prev = curr
	}
	return rows.Err()
}

func (l *Postgres) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM audit_log ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get chain root: %w", err)
	}
	return hash, nil
}
