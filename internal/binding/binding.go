// Package binding tracks named execution targets: their connection
// configuration, lifecycle state, and progress, plus the registry that owns
// them.
package binding

import (
	"fmt"
	"time"
)

// State is a binding's lifecycle state.
type State string

const (
	// StateDisconnected is the initial state, and the state failures fold
	// into. A human-readable progress message carries the reason.
	StateDisconnected State = "disconnected"
	// StateCreating marks an in-flight first session setup.
	StateCreating State = "creating"
	// StateConnected means the last relay or heartbeat succeeded.
	StateConnected State = "connected"
	// StateRestarted is a transient marker set when the backend restarts
	// out-of-band; it folds back to connected on the next successful
	// connect.
	StateRestarted State = "restarted"
)

// Kernel flavors supported by the launched backends.
const (
	KernelShell  = "shell"
	KernelPython = "python"
)

// DefaultKernel is used when a binding does not name a kernel type.
const DefaultKernel = KernelShell

// SupportedKernels lists the backend flavors a binding may request.
var SupportedKernels = []string{KernelShell, KernelPython}

// ConnectionType tags the provisioning strategy for a binding.
type ConnectionType string

const (
	ConnectionLocal     ConnectionType = "local"
	ConnectionSSH       ConnectionType = "ssh"
	ConnectionContainer ConnectionType = "container"
)

const DefaultSSHTimeout = 10 * time.Second

// Connection is the closed tagged union of per-strategy settings. Type
// selects the variant; only that variant's fields are meaningful.
type Connection struct {
	Type ConnectionType `json:"type" yaml:"type"`

	// Remote shell fields.
	Host            string        `json:"host,omitempty" yaml:"host,omitempty"`
	User            string        `json:"user,omitempty" yaml:"user,omitempty"`
	IdentityFile    string        `json:"identity_file,omitempty" yaml:"identityFile,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Sudo            bool          `json:"sudo,omitempty" yaml:"sudo,omitempty"`
	HostKeyChecking bool          `json:"host_key_checking,omitempty" yaml:"hostKeyChecking,omitempty"`

	// Container fields.
	ContainerID string `json:"container_id,omitempty" yaml:"containerID,omitempty"`
}

// Validate checks the variant's required fields.
func (c Connection) Validate() error {
	switch c.Type {
	case ConnectionLocal:
		return nil
	case ConnectionSSH:
		if c.Host == "" {
			return fmt.Errorf("ssh connection requires a host")
		}
		return nil
	case ConnectionContainer:
		if c.ContainerID == "" {
			return fmt.Errorf("container connection requires a container id")
		}
		return nil
	case "":
		return fmt.Errorf("connection type is required")
	}
	return fmt.Errorf("unknown connection type %q", c.Type)
}

// Progress is the human-visible state of a slow operation. Ratio is
// negative when unknown.
type Progress struct {
	Message string  `json:"message"`
	Ratio   float64 `json:"ratio"`
}

// Binding is a named logical execution target. Name is the sole identity
// key and is immutable after creation.
type Binding struct {
	Name       string     `json:"name"`
	Kernel     string     `json:"kernel"`
	Connection Connection `json:"connection"`
	State      State      `json:"state"`
	Progress   Progress   `json:"progress"`
}

// Clone returns a copy safe to hand to subscribers.
func (b *Binding) Clone() Binding {
	return *b
}
