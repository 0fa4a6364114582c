package track

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/clawmux/clawmux/internal/log"
)

// AlertKindExecutionFailure is the alert kind emitted for sustained
// per-tenant execution failures.
const AlertKindExecutionFailure = "execution-failure"

// ErrorStateConfig is the configuration for the error-state tracker.
type ErrorStateConfig struct {
	Notifier AlertNotifier
	// RealertInterval is how often an alert is re-sent while a tenant keeps
	// failing. Defaults to 30 minutes.
	RealertInterval time.Duration
	Logger          log.Logger

	// timeNow is used by tests.
	timeNow func() time.Time
}

func (c *ErrorStateConfig) defaults() error {
	if c.Notifier == nil {
		return fmt.Errorf("notifier is required")
	}
	if c.RealertInterval == 0 {
		c.RealertInterval = 30 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	if c.timeNow == nil {
		c.timeNow = time.Now
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "track.ErrorState"})
	return nil
}

// ErrorState tracks consecutive failures per tenant and decides when to emit
// an external alert: on the first consecutive failure and then at the
// re-alert interval while the failures continue. State is instance-scoped and
// in-memory; an error for one tenant never affects another.
type ErrorState struct {
	notifier AlertNotifier
	interval time.Duration
	logger   log.Logger
	timeNow  func() time.Time

	mu     sync.Mutex
	states map[string]*tenantErrorState
}

type tenantErrorState struct {
	consecutive int
	lastError   string
	lastAlertAt time.Time
}

// NewErrorState creates a new error-state tracker.
func NewErrorState(cfg ErrorStateConfig) (*ErrorState, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &ErrorState{
		notifier: cfg.Notifier,
		interval: cfg.RealertInterval,
		logger:   cfg.Logger,
		timeNow:  cfg.timeNow,
		states:   map[string]*tenantErrorState{},
	}, nil
}

// RecordFailure registers one failed execution and alerts when due.
func (e *ErrorState) RecordFailure(ctx context.Context, tenantID, message string) {
	e.mu.Lock()

	st, ok := e.states[tenantID]
	if !ok {
		st = &tenantErrorState{}
		e.states[tenantID] = st
	}
	st.consecutive++
	st.lastError = message

	now := e.timeNow()
	alert := st.consecutive == 1 || now.Sub(st.lastAlertAt) >= e.interval
	if alert {
		st.lastAlertAt = now
	}
	consecutive := st.consecutive
	e.mu.Unlock()

	e.logger.Warningf("Tenant %s failed (%d consecutive): %s", tenantID, consecutive, message)

	if alert {
		e.notifier.Send(ctx, AlertKindExecutionFailure, message, map[string]string{
			"tenant":      tenantID,
			"consecutive": strconv.Itoa(consecutive),
		})
	}
}

// Reset clears the tenant's failure state.
func (e *ErrorState) Reset(ctx context.Context, tenantID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.states, tenantID)
}

// Consecutive returns the tenant's current consecutive-failure count.
func (e *ErrorState) Consecutive(tenantID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[tenantID]
	if !ok {
		return 0
	}
	return st.consecutive
}

// LogNotifier is an AlertNotifier that writes alerts to the logger. It is the
// default sink when no external notifier is wired.
type LogNotifier struct {
	Logger log.Logger
}

// Send implements AlertNotifier.
func (n LogNotifier) Send(ctx context.Context, kind, message string, details map[string]string) {
	logger := n.Logger
	if logger == nil {
		logger = log.Noop
	}
	logger.WithValues(log.Kv{"kind": kind, "details": fmt.Sprintf("%v", details)}).Errorf("ALERT: %s", message)
}
