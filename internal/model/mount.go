package model

import "fmt"

// Mount maps a host path into the sandbox filesystem.
type Mount struct {
	// HostPath is the path on the host.
	HostPath string
	// SandboxPath is the path inside the sandbox.
	SandboxPath string
	// ReadOnly marks the mount as read-only inside the sandbox.
	ReadOnly bool
}

// Validate validates the mount.
func (m *Mount) Validate() error {
	if m.HostPath == "" {
		return fmt.Errorf("mount host path is required: %w", ErrNotValid)
	}
	if m.SandboxPath == "" {
		return fmt.Errorf("mount sandbox path is required: %w", ErrNotValid)
	}
	return nil
}
