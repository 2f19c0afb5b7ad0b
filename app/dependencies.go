// Package app is the central wiring point for dependency injection.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/agent-control-plane/bus"
	"github.com/upb/agent-control-plane/config"
	"github.com/upb/agent-control-plane/middleware"
	"github.com/upb/agent-control-plane/models"
	"github.com/upb/agent-control-plane/orchestrator"
	"github.com/upb/agent-control-plane/repositories"
	"github.com/upb/agent-control-plane/repositories/sqlite"
	"github.com/upb/agent-control-plane/services/audit"
	"github.com/upb/agent-control-plane/services/auth"
	"github.com/upb/agent-control-plane/services/policy"
	"github.com/upb/agent-control-plane/services/ratelimit"
	"github.com/upb/agent-control-plane/services/registry"
)

// Dependencies holds all application dependencies.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *sqlite.DB
	Logger *zap.Logger

	// Repository Factory
	RepoFactory *sqlite.RepositoryFactory

	// Repositories
	Workflows  repositories.WorkflowRepository
	AuditLogs  repositories.AuditRepository
	Policies   repositories.PolicyRepository
	RateLimits repositories.RateLimitRepository

	// Services
	Audit         *audit.Service
	PolicyService *policy.Service
	RateLimiter   *ratelimit.Service
	Gate          auth.Authorizer
	AgentRegistry *registry.Registry
	Bus           *bus.Bus
	Orchestrator  *orchestrator.Orchestrator

	// HTTP
	AuthMiddleware *middleware.AuthMiddleware

	// background lifecycle
	bgCancel context.CancelFunc
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := deps.initServices(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	if err := deps.initAuth(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}
	if err := deps.initOrchestrator(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase opens the SQLite store and builds the repository set
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := sqlite.NewRepositoryFactory(cfg.Database.Path, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := factory.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	repos := factory.NewRepositories()
	d.Workflows = repos.Workflows
	d.AuditLogs = repos.AuditLogs
	d.Policies = repos.Policies
	d.RateLimits = repos.RateLimits

	d.Logger.Info("database connection established",
		zap.String("path", cfg.Database.Path))
	return nil
}

// initServices wires the audit writer, policy cache, rate limiter, agent
// registry, and event bus
func (d *Dependencies) initServices(cfg *config.Config) error {
	d.Audit = audit.NewService(d.AuditLogs, d.Logger, audit.Config{
		BufferSize:     cfg.Audit.BufferSize,
		WorkerCount:    cfg.Audit.WorkerCount,
		EnqueueTimeout: cfg.Audit.EnqueueTimeout,
	})
	if err := d.Audit.Start(); err != nil {
		return fmt.Errorf("failed to start audit service: %w", err)
	}

	d.PolicyService = policy.NewService(d.Policies, policy.NewCache(1000, 30*time.Second), d.Logger)
	d.RateLimiter = ratelimit.NewService(d.RateLimits, d.Logger, cfg.RateLimit.Window, cfg.RateLimit.Limit)

	d.AgentRegistry = registry.New(registry.Config{
		HeartbeatTimeout: cfg.Registry.HeartbeatTimeout,
		SweepInterval:    cfg.Registry.SweepInterval,
	}, d.Logger)

	d.Bus = bus.New(d.AgentRegistry, bus.Config{QueueDepth: cfg.Bus.QueueDepth}, d.Logger)
	return nil
}

// initAuth builds the token verifier and the permission gate. The bypass
// strategy is only constructible outside production; its constructor
// refuses otherwise.
func (d *Dependencies) initAuth(cfg *config.Config) error {
	usage := &workflowUsageCounter{workflows: d.Workflows}
	gateCfg := auth.GateConfig{
		StoreRetries: cfg.Auth.StoreRetries,
		StoreBackoff: cfg.Auth.StoreBackoff,
	}

	if cfg.Auth.BypassEnabled {
		bypass, err := auth.NewBypass(cfg.IsProduction(), d.Audit, d.Logger)
		if err != nil {
			return err
		}
		d.Gate = bypass
		d.Logger.Warn("permission gate bypass enabled, all authorization checks will pass")
	} else {
		d.Gate = auth.NewGate(d.PolicyService, usage, d.RateLimiter, d.Audit, d.Logger, gateCfg)
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	d.AuthMiddleware = middleware.NewAuthMiddleware(verifier, d.Logger)
	return nil
}

// initOrchestrator registers the built-in workflow definitions and builds
// the orchestrator over the bus
func (d *Dependencies) initOrchestrator(cfg *config.Config) error {
	definitions := orchestrator.NewDefinitionRegistry()
	if err := definitions.Register(orchestrator.SoftwareDeliveryDefinition()); err != nil {
		return err
	}

	d.Orchestrator = orchestrator.New(
		d.Workflows,
		definitions,
		d.Gate,
		d.Bus,
		d.AgentRegistry,
		d.Audit,
		d.Logger,
		orchestrator.Config{
			Retry: orchestrator.RetryPolicy{
				MaxAttempts:       cfg.Workflow.MaxRetryAttempts,
				InitialBackoff:    cfg.Workflow.InitialBackoff,
				BackoffMultiplier: cfg.Workflow.BackoffMultiplier,
				MaxBackoff:        cfg.Workflow.MaxBackoff,
			},
			DefaultStepDeadline: cfg.Workflow.DefaultStepDeadline,
			ApprovalTimeout:     cfg.Workflow.ApprovalTimeout,
		},
	)
	return nil
}

// Start launches background work: the agent liveness sweeper, the rate
// limit cleanup worker, and the orchestrator's result consumer with
// in-flight instance resume.
func (d *Dependencies) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.Background())
	d.bgCancel = cancel

	go d.AgentRegistry.StartSweeper(bgCtx)
	go d.RateLimiter.StartCleanupWorker(bgCtx, time.Minute, 2*d.Config.RateLimit.Window)

	if err := d.Orchestrator.Run(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	return nil
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.bgCancel != nil {
		d.bgCancel()
	}
	if d.Orchestrator != nil {
		d.Orchestrator.Stop()
	}
	if d.Bus != nil {
		d.Bus.Close()
	}
	if d.Audit != nil {
		if err := d.Audit.Stop(5 * time.Second); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain audit queue: %w", err))
		}
	}
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}

// workflowUsageCounter answers the gate's numeric limit checks. The only
// metered capability today is workflow execution, measured as the
// tenant's count of non-terminal instances.
type workflowUsageCounter struct {
	workflows repositories.WorkflowRepository
}

func (c *workflowUsageCounter) CurrentUsage(ctx context.Context, tenantID uuid.UUID, capability string) (int, error) {
	if capability != models.CapabilityExecuteWorkflows {
		return 0, nil
	}
	return c.workflows.CountActiveByTenant(ctx, tenantID)
}
