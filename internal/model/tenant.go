package model

import (
	"fmt"
	"regexp"
	"time"
)

// Role is the privilege role of a tenant.
type Role string

const (
	// RolePrivileged grants the tenant a read-only view of the orchestrator
	// code root inside its sandboxes.
	RolePrivileged Role = "privileged"
	// RoleStandard restricts the tenant to its own working directory.
	RoleStandard Role = "standard"
)

// safeTokenRegexp is the pattern every tenant identifier must match. It is
// deliberately strict: the identifier is used to build filesystem paths, so
// anything that could alter path resolution is rejected.
var safeTokenRegexp = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// SafeToken reports whether s is safe to embed in a filesystem path.
func SafeToken(s string) bool {
	return safeTokenRegexp.MatchString(s)
}

// Tenant is an isolation namespace: a logical owner of executions with its
// own working directory and credentials view.
type Tenant struct {
	ID   string
	Role Role

	// Deadline overrides the global execution deadline when non-zero.
	Deadline time.Duration
	// FastPathEnabled permits routing eligible requests to the remote API
	// directly, bypassing the sandbox.
	FastPathEnabled bool
	// ExtraMounts are administrator-approved additional mounts requested by
	// the tenant. Each one is re-validated against the mount allowlist on
	// every run.
	ExtraMounts []Mount

	CreatedAt time.Time
}

// Validate validates the tenant.
func (t *Tenant) Validate() error {
	if !SafeToken(t.ID) {
		return fmt.Errorf("tenant id %q is not a safe token: %w", t.ID, ErrConfiguration)
	}

	switch t.Role {
	case RolePrivileged, RoleStandard:
	default:
		return fmt.Errorf("unknown role %q: %w", t.Role, ErrNotValid)
	}

	if t.Deadline < 0 {
		return fmt.Errorf("deadline cannot be negative: %w", ErrNotValid)
	}

	return nil
}
