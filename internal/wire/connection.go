// Package wire implements the kernel channel protocol: the connection
// descriptor that locates a backend's five TCP channels, the signed
// newline-delimited JSON message framing, and channel clients with
// subscription fan-out.
package wire

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
)

// Logical port roles, in the fixed order used across the codebase.
const (
	RoleShell   = "shell_port"
	RoleIOPub   = "iopub_port"
	RoleStdin   = "stdin_port"
	RoleHB      = "hb_port"
	RoleControl = "control_port"
)

// PortNames returns the five logical port roles in fixed order.
func PortNames() []string {
	return []string{RoleShell, RoleIOPub, RoleStdin, RoleHB, RoleControl}
}

// ConnectionInfo identifies a reachable backend endpoint: address, the five
// channel ports, and the auth material used to sign messages.
type ConnectionInfo struct {
	IP              string `json:"ip"`
	Transport       string `json:"transport"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	HBPort          int    `json:"hb_port"`
	ControlPort     int    `json:"control_port"`
	Key             string `json:"key"`
	SignatureScheme string `json:"signature_scheme"`
}

// Port returns the port assigned to a logical role.
func (c ConnectionInfo) Port(role string) (int, error) {
	switch role {
	case RoleShell:
		return c.ShellPort, nil
	case RoleIOPub:
		return c.IOPubPort, nil
	case RoleStdin:
		return c.StdinPort, nil
	case RoleHB:
		return c.HBPort, nil
	case RoleControl:
		return c.ControlPort, nil
	}
	return 0, fmt.Errorf("unknown port role %q", role)
}

// SetPort reassigns the port for a logical role.
func (c *ConnectionInfo) SetPort(role string, port int) error {
	switch role {
	case RoleShell:
		c.ShellPort = port
	case RoleIOPub:
		c.IOPubPort = port
	case RoleStdin:
		c.StdinPort = port
	case RoleHB:
		c.HBPort = port
	case RoleControl:
		c.ControlPort = port
	default:
		return fmt.Errorf("unknown port role %q", role)
	}
	return nil
}

// Addr returns the dialable host:port for a logical role.
func (c ConnectionInfo) Addr(role string) (string, error) {
	port, err := c.Port(role)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(c.IP, strconv.Itoa(port)), nil
}

// ConnectionFilePath returns the well-known connection file location for a
// session inside dataDir.
func ConnectionFilePath(dataDir, sessionID string) string {
	return filepath.Join(dataDir, "kernel-"+sessionID+".json")
}

// WriteConnectionFile persists the descriptor. The write goes through a
// temp file and rename so the front-end transport never reads a torn file.
// Callers must rewrite the file whenever ports change, e.g. after tunnels
// are established.
func WriteConnectionFile(path string, info ConnectionInfo) error {
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadConnectionFile loads a persisted descriptor.
func ReadConnectionFile(path string) (ConnectionInfo, error) {
	var info ConnectionInfo
	b, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(b, &info); err != nil {
		return info, fmt.Errorf("parse connection file %s: %w", path, err)
	}
	return info, nil
}
