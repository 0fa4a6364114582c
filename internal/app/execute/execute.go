// Package execute routes one execution request to the fast path or the
// sandboxed path, serialized per tenant, with retry and fallback.
package execute

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/clawmux/clawmux/internal/fastpath"
	"github.com/clawmux/clawmux/internal/keylock"
	"github.com/clawmux/clawmux/internal/log"
	"github.com/clawmux/clawmux/internal/model"
	"github.com/clawmux/clawmux/internal/runner"
	"github.com/clawmux/clawmux/internal/track"
)

// MountPlanner computes the mount set for one sandboxed run and removes the
// run's staged files afterwards.
type MountPlanner interface {
	Plan(ctx context.Context, tenant model.Tenant, runID string) ([]model.Mount, error)
	Cleanup(ctx context.Context, tenant model.Tenant, runID string) error
}

// ServiceConfig is the configuration for the execute service.
type ServiceConfig struct {
	Planner MountPlanner
	Runner  runner.Runner
	// FastPath is the remote API client. Optional: without it every request
	// takes the sandboxed path.
	FastPath fastpath.Client
	// Locks serializes executions per tenant. Optional: a fresh lock table is
	// created when absent. Share one instance across services that must not
	// interleave for the same tenant.
	Locks *keylock.KeyLock
	// Usage receives fast-path usage records (the runner reports sandboxed
	// runs itself).
	Usage track.UsageTracker
	// Errors is reset on fast-path successes (the runner reports sandboxed
	// outcomes itself).
	Errors track.ErrorTracker
	// RetryDelay is the pause before the single clean-session retry after a
	// timeout or crash. Defaults to 2 seconds.
	RetryDelay time.Duration
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Planner == nil {
		return fmt.Errorf("mount planner is required")
	}
	if c.Runner == nil {
		return fmt.Errorf("runner is required")
	}
	if c.Locks == nil {
		c.Locks = keylock.New()
	}
	if c.Usage == nil {
		c.Usage = track.NoopUsageTracker
	}
	if c.Errors == nil {
		c.Errors = track.NoopErrorTracker
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Execute"})
	return nil
}

// Service is the execution router. Remembered sessions and lock state are
// instance fields, so independent Services are fully isolated.
type Service struct {
	planner    MountPlanner
	runner     runner.Runner
	fastPath   fastpath.Client
	locks      *keylock.KeyLock
	usage      track.UsageTracker
	errs       track.ErrorTracker
	retryDelay time.Duration
	logger     log.Logger

	mu       sync.Mutex
	sessions map[string]string
}

// NewService creates a new execute service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		planner:    cfg.Planner,
		runner:     cfg.Runner,
		fastPath:   cfg.FastPath,
		locks:      cfg.Locks,
		usage:      cfg.Usage,
		errs:       cfg.Errors,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger,
		sessions:   map[string]string{},
	}, nil
}

// HasPending reports whether executions are queued behind the tenant's
// in-flight one. Observability only.
func (s *Service) HasPending(tenantID string) bool {
	return s.locks.HasPending(tenantID)
}

// Execute runs one request for a tenant and returns its terminal result.
// Executions for the same tenant never interleave; a second request begins
// only after the first reaches a terminal state. A returned error means the
// request was rejected before any execution (validation, mount policy);
// execution failures come back as a well-formed error result.
func (s *Service) Execute(ctx context.Context, tenant model.Tenant, req model.ExecutionRequest, sink model.ProgressSink) (*model.ExecutionResult, error) {
	if err := tenant.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tenant: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	var res *model.ExecutionResult
	err := s.locks.WithLock(ctx, tenant.ID, func(ctx context.Context) error {
		var err error
		res, err = s.executeLocked(ctx, tenant, req, sink)
		return err
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

func (s *Service) executeLocked(ctx context.Context, tenant model.Tenant, req model.ExecutionRequest, sink model.ProgressSink) (*model.ExecutionResult, error) {
	logger := s.logger.WithValues(log.Kv{"tenant": tenant.ID})

	// The remembered session wins; an explicit request session only seeds a
	// tenant we have no session for yet.
	sessionID := s.session(tenant.ID)
	if sessionID == "" {
		sessionID = req.SessionID
	}

	// Fast path: only when the tenant permits it and the request carries no
	// binary media. A fast-path failure is never surfaced; the sandboxed
	// path is the path of last resort.
	if s.fastPath != nil && tenant.FastPathEnabled && req.MediaPath == "" {
		start := time.Now()
		res, err := s.fastPath.Execute(ctx, tenant, req, sessionID)
		switch {
		case err != nil:
			logger.Warningf("Fast path failed, falling back to sandbox: %v", err)
		case res.Status != model.ExecutionStatusSuccess:
			logger.Warningf("Fast path returned error result, falling back to sandbox: %s", res.Error)
		default:
			res.Duration = time.Since(start)
			s.setSession(tenant.ID, res.SessionID)
			s.errs.Reset(ctx, tenant.ID)
			if uerr := s.usage.RecordUsage(ctx, model.UsageRecord{
				TenantID:       tenant.ID,
				Duration:       res.Duration,
				PromptTokens:   res.PromptTokens,
				ResponseTokens: res.ResponseTokens,
				Status:         res.Status,
				CreatedAt:      start,
			}); uerr != nil {
				logger.Warningf("Could not record fast-path usage: %v", uerr)
			}
			return res, nil
		}
	}

	return s.runSandbox(ctx, tenant, req, sink, sessionID)
}

// runSandbox executes the sandboxed path with the retry policy: each retry
// condition fires at most once and they are never combined.
func (s *Service) runSandbox(ctx context.Context, tenant model.Tenant, req model.ExecutionRequest, sink model.ProgressSink, sessionID string) (*model.ExecutionResult, error) {
	logger := s.logger.WithValues(log.Kv{"tenant": tenant.ID})

	res, err := s.attempt(ctx, tenant, req, sink, sessionID)
	if res == nil {
		// Rejected before any subprocess spawned (mount policy, bad config).
		return nil, err
	}
	if err == nil {
		s.setSession(tenant.ID, res.SessionID)
		return res, nil
	}

	switch {
	case errors.Is(err, model.ErrSessionRejected) && sessionID != "":
		// The remembered session is gone on the other side: clear it and
		// retry once from a fresh session.
		logger.Warningf("Session %s rejected, retrying session-less", sessionID)
		s.clearSession(tenant.ID)

	case errors.Is(err, model.ErrTimeout) || errors.Is(err, model.ErrExit):
		logger.Warningf("Sandbox run failed (%v), retrying once from a clean session", err)
		s.clearSession(tenant.ID)
		select {
		case <-time.After(s.retryDelay):
		case <-ctx.Done():
			return res, nil
		}

	default:
		// Terminal: spawn failures, parse failures and domain errors are
		// never retried.
		return res, nil
	}

	retryRes, retryErr := s.attempt(ctx, tenant, req, sink, "")
	if retryRes == nil {
		return nil, retryErr
	}
	if retryErr != nil {
		return retryRes, nil
	}

	s.setSession(tenant.ID, retryRes.SessionID)
	return retryRes, nil
}

// attempt plans mounts and executes one sandboxed run. A nil result means the
// run was rejected before spawning.
func (s *Service) attempt(ctx context.Context, tenant model.Tenant, req model.ExecutionRequest, sink model.ProgressSink, sessionID string) (*model.ExecutionResult, error) {
	runID := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()

	// Staged per-run files and the IPC directory are removed once the run is
	// terminal, including planning failures that staged only partially.
	defer func() {
		if cerr := s.planner.Cleanup(ctx, tenant, runID); cerr != nil {
			s.logger.Warningf("Could not clean up run %s for tenant %s: %v", runID, tenant.ID, cerr)
		}
	}()

	mounts, err := s.planner.Plan(ctx, tenant, runID)
	if err != nil {
		return nil, fmt.Errorf("could not plan mounts: %w", err)
	}

	return s.runner.Run(ctx, runner.RunSpec{
		RunID:     runID,
		Tenant:    tenant,
		Request:   req,
		SessionID: sessionID,
		Mounts:    mounts,
		Sink:      sink,
	})
}

func (s *Service) session(tenantID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[tenantID]
}

// setSession remembers the rotated session id; an empty id clears it.
func (s *Service) setSession(tenantID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID == "" {
		delete(s.sessions, tenantID)
		return
	}
	s.sessions[tenantID] = sessionID
}

func (s *Service) clearSession(tenantID string) {
	s.setSession(tenantID, "")
}
