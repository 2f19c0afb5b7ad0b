package sqlite

import (
	"context"
	"time"

	"github.com/upb/agent-control-plane/repositories"
	"github.com/upb/agent-control-plane/services"
)

// RateLimitRepository is a repositories.RateLimitRepository backed by SQLite.
type RateLimitRepository struct {
	db *DB
}

var _ repositories.RateLimitRepository = (*RateLimitRepository)(nil)

// NewRateLimitRepository creates a RateLimitRepository.
func NewRateLimitRepository(db *DB) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

func (r *RateLimitRepository) Record(ctx context.Context, scopeKey string, timestamp time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO rate_limit_events (scope_key, timestamp) VALUES (?, ?)`,
		scopeKey, timestamp)
	if err != nil {
		return services.WrapUnavailable("failed to record rate limit event", err)
	}
	return nil
}

func (r *RateLimitRepository) CountSince(ctx context.Context, scopeKey string, windowStart time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_limit_events WHERE scope_key = ? AND timestamp >= ?`,
		scopeKey, windowStart).Scan(&count)
	if err != nil {
		return 0, services.WrapUnavailable("failed to count rate limit events", err)
	}
	return count, nil
}

func (r *RateLimitRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM rate_limit_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, services.WrapUnavailable("failed to delete rate limit events", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, services.WrapUnavailable("failed to read delete result", err)
	}
	return affected, nil
}
