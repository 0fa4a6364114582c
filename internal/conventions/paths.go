package conventions

import "path/filepath"

const (
	// DefaultDataDir is the default clawmux data directory name (relative to home).
	DefaultDataDir = ".clawmux"
	// TenantsDir is the subdirectory holding per-tenant state.
	TenantsDir = "tenants"
	// CredentialsDir is the subdirectory holding the real credentials store.
	CredentialsDir = "credentials"
	// CommonsDir is the subdirectory shared read-only across standard tenants.
	CommonsDir = "commons"
	// StagingDir is the subdirectory for per-run derived files (filtered
	// credentials, env bridge).
	StagingDir = "staging"

	// Tenant-level directories.

	// WorkDir is the tenant's private read-write working directory.
	WorkDir = "workdir"
	// ScratchDir is the tenant's writable session-state directory.
	ScratchDir = "scratch"
	// IPCDir is the tenant's writable IPC directory. Runs are sub-namespaced
	// below it so concurrent tenants never share an IPC path.
	IPCDir = "ipc"

	// Generated files.

	// EnvBridgeFile is the generated environment-bridge filename.
	EnvBridgeFile = "env-bridge.sh"
	// AllowlistFile is the mount allowlist filename.
	AllowlistFile = "mount-allowlist.yaml"
	// DBFile is the SQLite database filename.
	DBFile = "clawmux.db"
)

// TenantDir returns the state directory for a specific tenant.
func TenantDir(dataDir, tenantID string) string {
	return filepath.Join(dataDir, TenantsDir, tenantID)
}

// TenantWorkDir returns a tenant's private working directory.
func TenantWorkDir(dataDir, tenantID string) string {
	return filepath.Join(TenantDir(dataDir, tenantID), WorkDir)
}

// TenantScratchDir returns a tenant's writable scratch directory.
func TenantScratchDir(dataDir, tenantID string) string {
	return filepath.Join(TenantDir(dataDir, tenantID), ScratchDir)
}

// TenantIPCDir returns a tenant's IPC directory, sub-namespaced per run.
func TenantIPCDir(dataDir, tenantID, runID string) string {
	return filepath.Join(TenantDir(dataDir, tenantID), IPCDir, runID)
}

// AllowlistPath returns the mount allowlist path.
func AllowlistPath(dataDir string) string {
	return filepath.Join(dataDir, AllowlistFile)
}

// DBPath returns the SQLite database path.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, DBFile)
}
