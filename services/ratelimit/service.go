// Package ratelimit enforces per-tenant request-count ceilings with a
// sliding window over a persisted event table. Ceilings are independent of
// workflow-level retry and backoff.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/agent-control-plane/repositories"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Reason    string
}

// Service checks and records request events against a sliding window.
type Service struct {
	repo   repositories.RateLimitRepository
	logger *zap.Logger
	window time.Duration
	limit  int
}

// NewService creates a rate limit Service. A limit of 0 disables checking.
func NewService(repo repositories.RateLimitRepository, logger *zap.Logger, window time.Duration, limit int) *Service {
	if window <= 0 {
		window = time.Minute
	}
	return &Service{
		repo:   repo,
		logger: logger,
		window: window,
		limit:  limit,
	}
}

// Check reports whether another request is allowed for the tenant
// capability scope right now.
func (s *Service) Check(ctx context.Context, tenantID uuid.UUID, capability string) (*Result, error) {
	if s.limit <= 0 {
		return &Result{Allowed: true}, nil
	}

	now := time.Now()
	scopeKey := buildScopeKey(tenantID, capability)
	count, err := s.repo.CountSince(ctx, scopeKey, now.Add(-s.window))
	if err != nil {
		return nil, fmt.Errorf("failed to count window: %w", err)
	}

	resetAt := now.Truncate(s.window).Add(s.window)
	if count >= s.limit {
		return &Result{
			Allowed: false,
			ResetAt: resetAt,
			Reason:  fmt.Sprintf("exceeded %d requests per %s", s.limit, s.window),
		}, nil
	}
	return &Result{
		Allowed:   true,
		Remaining: s.limit - count,
		ResetAt:   resetAt,
	}, nil
}

// Record registers one request against the scope.
func (s *Service) Record(ctx context.Context, tenantID uuid.UUID, capability string) error {
	if s.limit <= 0 {
		return nil
	}
	return s.repo.Record(ctx, buildScopeKey(tenantID, capability), time.Now())
}

// StartCleanupWorker periodically deletes events older than the retention
// horizon so the event table stays small.
func (s *Service) StartCleanupWorker(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deleted, err := s.repo.DeleteBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				s.logger.Error("failed to cleanup rate limit events", zap.Error(err))
				continue
			}
			if deleted > 0 {
				s.logger.Debug("cleaned up rate limit events", zap.Int64("rows_deleted", deleted))
			}
		case <-ctx.Done():
			return
		}
	}
}

func buildScopeKey(tenantID uuid.UUID, capability string) string {
	return fmt.Sprintf("tenant:%s:cap:%s", tenantID.String(), capability)
}
