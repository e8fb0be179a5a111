package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSeenCodes is a durable shared registry. Rows are keyed by the
// code hash; Prune removes rows older than the TTL.
type PostgresSeenCodes struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	now  func() time.Time
}

// NewPostgresSeenCodes opens a pool for databaseURL and pings it.
func NewPostgresSeenCodes(ctx context.Context, databaseURL string, ttl time.Duration) (*PostgresSeenCodes, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultSeenCodeTTL
	}
	return &PostgresSeenCodes{pool: pool, ttl: ttl, now: time.Now}, nil
}

// Migrate creates the registry table if it does not exist.
func (p *PostgresSeenCodes) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS auth_seen_codes (
			code_hash TEXT PRIMARY KEY,
			seen_at   TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("migrate auth_seen_codes: %w", err)
	}
	return nil
}

func (p *PostgresSeenCodes) MarkSeen(ctx context.Context, code string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		"INSERT INTO auth_seen_codes (code_hash, seen_at) VALUES ($1, $2) ON CONFLICT (code_hash) DO NOTHING",
		codeKey(code), p.now().UTC())
	if err != nil {
		return false, fmt.Errorf("postgres mark seen: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Prune deletes codes seen more than the TTL ago and returns how many.
func (p *PostgresSeenCodes) Prune(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		"DELETE FROM auth_seen_codes WHERE seen_at < $1",
		p.now().Add(-p.ttl).UTC())
	if err != nil {
		return 0, fmt.Errorf("prune auth_seen_codes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close closes the pool.
func (p *PostgresSeenCodes) Close() {
	p.pool.Close()
}

var _ SeenCodeRegistry = (*PostgresSeenCodes)(nil)
