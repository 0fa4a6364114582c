// Package mounts computes the policy-compliant mount set for sandboxed runs.
package mounts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/clawmux/clawmux/internal/conventions"
	"github.com/clawmux/clawmux/internal/log"
	"github.com/clawmux/clawmux/internal/model"
)

// Sandbox-side mount targets.
const (
	SandboxCodeRoot    = "/agent/app"
	SandboxWorkspace   = "/agent/workspace"
	SandboxCommons     = "/agent/commons"
	SandboxCredentials = "/agent/credentials"
	SandboxScratch     = "/agent/scratch"
	SandboxIPC         = "/agent/ipc"
	SandboxEnvBridge   = "/agent/env-bridge.sh"
)

// safePathRegexp restricts tenant-requested mount paths. Anything outside
// this alphabet (spaces, traversal dots handled separately, shell metachars)
// is rejected before the allowlist is even consulted.
var safePathRegexp = regexp.MustCompile(`^[a-zA-Z0-9/._-]+$`)

// PlannerConfig is the configuration for the mount planner.
type PlannerConfig struct {
	// CodeRoot is the orchestrator's own code root, mounted read-only for
	// privileged tenants so the agent can inspect but never tamper with it.
	CodeRoot string
	// DataDir is the root of tenant state, credentials store, commons and
	// staging directories.
	DataDir string
	// AllowlistPath is the mount allowlist file. Defaults to the conventional
	// location under DataDir.
	AllowlistPath string
	// CredentialFiles is the explicit safe-file allowlist copied from the real
	// credentials store into the per-run filtered view. Nothing else is ever
	// visible inside the sandbox.
	CredentialFiles []string
	// BridgeEnv is the explicit non-secret key/value allowlist written to the
	// generated environment-bridge file.
	BridgeEnv map[string]string
	Logger    log.Logger
}

func (c *PlannerConfig) defaults() error {
	if c.CodeRoot == "" {
		return fmt.Errorf("code root is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if c.AllowlistPath == "" {
		c.AllowlistPath = conventions.AllowlistPath(c.DataDir)
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "mounts.Planner"})
	return nil
}

// Planner computes the full mount set for one (tenant, role) pair, staging
// derived files (filtered credentials, env bridge) first.
type Planner struct {
	codeRoot        string
	dataDir         string
	allowlistPath   string
	credentialFiles []string
	bridgeEnv       map[string]string
	logger          log.Logger
}

// NewPlanner creates a new mount planner.
func NewPlanner(cfg PlannerConfig) (*Planner, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Planner{
		codeRoot:        filepath.Clean(cfg.CodeRoot),
		dataDir:         filepath.Clean(cfg.DataDir),
		allowlistPath:   cfg.AllowlistPath,
		credentialFiles: cfg.CredentialFiles,
		bridgeEnv:       cfg.BridgeEnv,
		logger:          cfg.Logger,
	}, nil
}

// Plan computes the mount list for one run of a tenant. runID sub-namespaces
// the IPC directory and the staging area so concurrent runs of distinct
// tenants never collide.
func (p *Planner) Plan(ctx context.Context, tenant model.Tenant, runID string) ([]model.Mount, error) {
	// The tenant id is embedded in every staged path, so a malformed id
	// aborts planning before anything touches the filesystem.
	if !model.SafeToken(tenant.ID) {
		return nil, fmt.Errorf("tenant id %q is not a safe token: %w", tenant.ID, model.ErrConfiguration)
	}
	if !model.SafeToken(runID) {
		return nil, fmt.Errorf("run id %q is not a safe token: %w", runID, model.ErrConfiguration)
	}

	var mounts []model.Mount

	// Role policy: privileged tenants see the orchestrator code root
	// read-only; standard tenants only ever see their own working directory
	// plus the optional shared commons.
	workDir := conventions.TenantWorkDir(p.dataDir, tenant.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not ensure tenant workdir: %w", err)
	}

	switch tenant.Role {
	case model.RolePrivileged:
		mounts = append(mounts,
			model.Mount{HostPath: p.codeRoot, SandboxPath: SandboxCodeRoot, ReadOnly: true},
			model.Mount{HostPath: workDir, SandboxPath: SandboxWorkspace, ReadOnly: false},
		)
	case model.RoleStandard:
		mounts = append(mounts,
			model.Mount{HostPath: workDir, SandboxPath: SandboxWorkspace, ReadOnly: false},
		)
		commons := filepath.Join(p.dataDir, conventions.CommonsDir)
		if st, err := os.Stat(commons); err == nil && st.IsDir() {
			mounts = append(mounts, model.Mount{HostPath: commons, SandboxPath: SandboxCommons, ReadOnly: true})
		}
	default:
		return nil, fmt.Errorf("unknown role %q: %w", tenant.Role, model.ErrConfiguration)
	}

	// Filtered credentials view, staged fresh per run.
	credDir, err := p.stageCredentials(tenant.ID, runID)
	if err != nil {
		return nil, err
	}
	mounts = append(mounts, model.Mount{HostPath: credDir, SandboxPath: SandboxCredentials, ReadOnly: true})

	// Per-tenant scratch and per-run IPC directories.
	scratchDir := conventions.TenantScratchDir(p.dataDir, tenant.ID)
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not ensure scratch dir: %w", err)
	}
	ipcDir := conventions.TenantIPCDir(p.dataDir, tenant.ID, runID)
	if err := os.MkdirAll(ipcDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not ensure ipc dir: %w", err)
	}
	mounts = append(mounts,
		model.Mount{HostPath: scratchDir, SandboxPath: SandboxScratch, ReadOnly: false},
		model.Mount{HostPath: ipcDir, SandboxPath: SandboxIPC, ReadOnly: false},
	)

	// Generated env bridge. The spawn interface can't reliably inject ad hoc
	// environment variables, so allowlisted pairs travel as a file instead.
	bridgePath, err := p.stageEnvBridge(tenant.ID, runID)
	if err != nil {
		return nil, err
	}
	mounts = append(mounts, model.Mount{HostPath: bridgePath, SandboxPath: SandboxEnvBridge, ReadOnly: true})

	// Tenant-requested extra mounts, each independently re-validated.
	if len(tenant.ExtraMounts) > 0 {
		allowlist, err := LoadAllowlist(p.allowlistPath)
		if err != nil {
			return nil, fmt.Errorf("could not load mount allowlist: %w", err)
		}

		for _, req := range tenant.ExtraMounts {
			m, err := p.validateExtraMount(tenant, allowlist, req)
			if err != nil {
				return nil, err
			}
			mounts = append(mounts, *m)
		}
	}

	p.logger.Debugf("Planned %d mounts for tenant %s (role %s, run %s)", len(mounts), tenant.ID, tenant.Role, runID)

	return mounts, nil
}

// Cleanup removes the run's staged files (filtered credentials, env bridge)
// and its IPC directory once the run reached a terminal state. Tenant state
// (workdir, scratch) stays. Best effort: the run's result stands even if
// removal fails.
func (p *Planner) Cleanup(ctx context.Context, tenant model.Tenant, runID string) error {
	if !model.SafeToken(tenant.ID) || !model.SafeToken(runID) {
		return fmt.Errorf("refusing to remove paths built from unsafe tokens: %w", model.ErrConfiguration)
	}

	var errs []error
	for _, dir := range []string{
		p.stagingDir(tenant.ID, runID),
		conventions.TenantIPCDir(p.dataDir, tenant.ID, runID),
	} {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("could not remove %s: %w", dir, err))
		}
	}

	return errors.Join(errs...)
}

// validateExtraMount re-validates a single tenant-requested mount against the
// strict path pattern, the canonical allowlist and the role policy.
func (p *Planner) validateExtraMount(tenant model.Tenant, allowlist *Allowlist, req model.Mount) (*model.Mount, error) {
	if !safePathRegexp.MatchString(req.HostPath) || !filepath.IsAbs(req.HostPath) {
		return nil, fmt.Errorf("extra mount host path %q is not a safe absolute path: %w", req.HostPath, model.ErrConfiguration)
	}
	if !safePathRegexp.MatchString(req.SandboxPath) || !filepath.IsAbs(req.SandboxPath) {
		return nil, fmt.Errorf("extra mount sandbox path %q is not a safe absolute path: %w", req.SandboxPath, model.ErrConfiguration)
	}

	canonical, err := canonicalize(req.HostPath)
	if err != nil {
		return nil, fmt.Errorf("could not canonicalize %q: %w", req.HostPath, model.ErrConfiguration)
	}

	// A standard tenant must never obtain the orchestrator code root through
	// the extra-mount side door, allowlisted or not.
	if tenant.Role != model.RolePrivileged && pathCovers(canonical, p.codeRoot) {
		return nil, fmt.Errorf("extra mount %q is project-root-equivalent: %w", req.HostPath, model.ErrConfiguration)
	}

	entry := allowlist.Match(canonical)
	if entry == nil {
		return nil, fmt.Errorf("extra mount %q is not allowlisted: %w", req.HostPath, model.ErrConfiguration)
	}
	if entry.PrivilegedOnly && tenant.Role != model.RolePrivileged {
		return nil, fmt.Errorf("extra mount %q is restricted to privileged tenants: %w", req.HostPath, model.ErrConfiguration)
	}
	if !req.ReadOnly && !entry.AllowWrite {
		return nil, fmt.Errorf("extra mount %q does not permit write access: %w", req.HostPath, model.ErrConfiguration)
	}

	return &model.Mount{HostPath: canonical, SandboxPath: req.SandboxPath, ReadOnly: req.ReadOnly}, nil
}

// stageCredentials builds the per-run filtered credentials directory by
// copying only the explicit safe-file allowlist from the real store.
// Long-lived secrets never reach the sandbox.
func (p *Planner) stageCredentials(tenantID, runID string) (string, error) {
	srcDir := filepath.Join(p.dataDir, conventions.CredentialsDir)
	dstDir := filepath.Join(p.stagingDir(tenantID, runID), "credentials")

	if err := os.MkdirAll(dstDir, 0o700); err != nil {
		return "", fmt.Errorf("could not create filtered credentials dir: %w", err)
	}

	for _, name := range p.credentialFiles {
		// The allowlist is flat filenames only.
		if name != filepath.Base(name) {
			return "", fmt.Errorf("credential allowlist entry %q is not a plain filename: %w", name, model.ErrConfiguration)
		}

		src := filepath.Join(srcDir, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			p.logger.Debugf("Credential file %s not present, skipping", name)
			continue
		}

		if err := copyFile(src, filepath.Join(dstDir, name)); err != nil {
			return "", fmt.Errorf("could not stage credential file %s: %w", name, err)
		}
	}

	return dstDir, nil
}

// stageEnvBridge writes the generated KEY='value' env-bridge file from the
// configured non-secret allowlist.
func (p *Planner) stageEnvBridge(tenantID, runID string) (string, error) {
	dir := p.stagingDir(tenantID, runID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("could not create staging dir: %w", err)
	}

	keys := make([]string, 0, len(p.bridgeEnv))
	for k := range p.bridgeEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := strings.ReplaceAll(p.bridgeEnv[k], `'`, `'\''`)
		fmt.Fprintf(&b, "%s='%s'\n", k, v)
	}

	path := filepath.Join(dir, conventions.EnvBridgeFile)
	if err := os.WriteFile(path, []byte(b.String()), 0o444); err != nil {
		return "", fmt.Errorf("could not write env bridge: %w", err)
	}

	return path, nil
}

func (p *Planner) stagingDir(tenantID, runID string) string {
	return filepath.Join(p.dataDir, conventions.StagingDir, tenantID, runID)
}

// canonicalize resolves a path to its canonical absolute form, following
// symlinks when the path exists.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return abs, nil
		}
		return "", err
	}

	return resolved, nil
}

// pathCovers reports whether mounting a makes b reachable: a equals b or is
// an ancestor of b.
func pathCovers(a, b string) bool {
	a = filepath.Clean(a)
	b = filepath.Clean(b)
	if a == b {
		return true
	}
	return strings.HasPrefix(b, a+string(filepath.Separator))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}

	return out.Close()
}
