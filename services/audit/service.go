// Package audit appends tenant-scoped audit entries asynchronously.
//
// Append is infallible from the caller's perspective: an entry is either
// queued within a short bounded timeout or moved to an overflow spill
// queue drained by the workers. The authorization and orchestration hot
// paths never wait on the audit store.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/repositories"
)

// Config holds configuration for the Service.
type Config struct {
	BufferSize     int           // Size of the entry buffer channel
	WorkerCount    int           // Number of concurrent writer workers
	EnqueueTimeout time.Duration // Bound on how long Append may wait for the buffer
	InsertRetries  int           // Attempts per entry against the store
	RetryBackoff   time.Duration // Initial backoff between insert attempts
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:     10000,
		WorkerCount:    4,
		EnqueueTimeout: 50 * time.Millisecond,
		InsertRetries:  3,
		RetryBackoff:   100 * time.Millisecond,
	}
}

// Service writes audit entries in the background.
type Service struct {
	repo        repositories.AuditRepository
	logger      *zap.Logger
	cfg         Config
	entryChan   chan *models.AuditEntry
	overflowMu  sync.Mutex
	overflow    []*models.AuditEntry
	wg          sync.WaitGroup
	appendWg    sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	mu          sync.Mutex
}

// NewService creates an audit Service.
func NewService(repo repositories.AuditRepository, logger *zap.Logger, cfg Config) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:      repo,
		logger:    logger,
		cfg:       cfg,
		entryChan: make(chan *models.AuditEntry, cfg.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the background workers.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}
	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.cfg.WorkerCount),
		zap.Int("buffer_size", s.cfg.BufferSize))
	return nil
}

// Stop drains pending entries and stops the workers, waiting at most
// timeout.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("audit service not started")
	}
	s.started = false
	s.mu.Unlock()

	// In-flight Append calls may still be sending; closing the buffer
	// under them would panic. No new Append passes the started check.
	s.appendWg.Wait()

	s.logger.Info("stopping audit service", zap.Int("pending_entries", len(s.entryChan)))
	close(s.entryChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("audit service stopped")
		return nil
	case <-time.After(timeout):
		s.cancel()
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// Append queues an entry for asynchronous persistence. It never fails and
// never blocks longer than the configured enqueue timeout; when the buffer
// stays full past the bound, the entry goes to the overflow queue instead
// of being dropped.
func (s *Service) Append(entry *models.AuditEntry) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.logger.Error("audit entry submitted while service not running",
			zap.String("action", entry.Action),
			zap.String("tenant_id", entry.TenantID.String()))
		return
	}
	s.appendWg.Add(1)
	s.mu.Unlock()
	defer s.appendWg.Done()

	select {
	case s.entryChan <- entry:
		return
	default:
	}

	timer := time.NewTimer(s.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case s.entryChan <- entry:
	case <-timer.C:
		s.overflowMu.Lock()
		s.overflow = append(s.overflow, entry)
		depth := len(s.overflow)
		s.overflowMu.Unlock()
		s.logger.Warn("audit buffer full, entry spilled to overflow",
			zap.String("action", entry.Action),
			zap.Int("overflow_depth", depth))
	}
}

// worker drains the buffer and the overflow queue.
func (s *Service) worker(id int) {
	defer s.wg.Done()

	for entry := range s.entryChan {
		s.persist(id, entry)
		s.drainOverflow(id)
	}
	// The buffer is closed; anything spilled while it was full still has
	// to land.
	s.drainOverflow(id)
}

func (s *Service) drainOverflow(id int) {
	for {
		spilled := s.takeOverflow()
		if spilled == nil {
			return
		}
		s.persist(id, spilled)
	}
}

func (s *Service) takeOverflow() *models.AuditEntry {
	s.overflowMu.Lock()
	defer s.overflowMu.Unlock()
	if len(s.overflow) == 0 {
		return nil
	}
	entry := s.overflow[0]
	s.overflow = s.overflow[1:]
	return entry
}

// persist inserts one entry, retrying transient store errors with backoff.
func (s *Service) persist(workerID int, entry *models.AuditEntry) {
	backoff := s.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= s.cfg.InsertRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		lastErr = s.repo.Insert(ctx, entry)
		cancel()
		if lastErr == nil {
			return
		}
		if attempt < s.cfg.InsertRetries {
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				break
			}
			backoff *= 2
		}
	}
	s.logger.Error("failed to persist audit entry",
		zap.Int("worker_id", workerID),
		zap.Error(lastErr),
		zap.String("action", entry.Action),
		zap.String("tenant_id", entry.TenantID.String()))
}

// Pending returns the number of entries waiting in the buffer and overflow
// queue.
func (s *Service) Pending() int {
	s.overflowMu.Lock()
	overflow := len(s.overflow)
	s.overflowMu.Unlock()
	return len(s.entryChan) + overflow
}
