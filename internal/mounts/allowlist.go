package mounts

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/clawmux/clawmux/internal/model"
)

// AllowlistEntry is one administrator-approved host-path pattern for
// tenant-requested extra mounts.
type AllowlistEntry struct {
	// Path is a host path pattern (filepath.Match syntax, exact paths match
	// themselves).
	Path string `yaml:"path"`
	// AllowWrite permits a read-write mount for paths matching this entry.
	AllowWrite bool `yaml:"allow_write"`
	// PrivilegedOnly restricts this entry to privileged tenants.
	PrivilegedOnly bool `yaml:"privileged_only"`
}

// Allowlist is the administrator-controlled list of permitted extra mounts.
// It lives outside any tenant-writable location and is consulted before
// honoring any tenant-requested extra mount.
type Allowlist struct {
	Mounts []AllowlistEntry `yaml:"mounts"`
}

// LoadAllowlist loads the mount allowlist from a YAML file. A missing file
// yields an empty allowlist: no extra mounts are permitted.
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("could not read allowlist %s: %w", path, err)
	}

	al := &Allowlist{}
	if err := yaml.Unmarshal(data, al); err != nil {
		return nil, fmt.Errorf("could not parse allowlist %s: %w", path, err)
	}

	for _, e := range al.Mounts {
		if e.Path == "" || !filepath.IsAbs(e.Path) {
			return nil, fmt.Errorf("allowlist entry path %q must be absolute: %w", e.Path, model.ErrNotValid)
		}
	}

	return al, nil
}

// Match returns the entry matching the canonical host path, or nil when the
// path is not allowlisted.
func (a *Allowlist) Match(hostPath string) *AllowlistEntry {
	for i := range a.Mounts {
		e := &a.Mounts[i]
		if e.Path == hostPath {
			return e
		}
		if ok, err := filepath.Match(e.Path, hostPath); err == nil && ok {
			return e
		}
	}
	return nil
}
