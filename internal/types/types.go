package types

import (
	"fmt"
	"strings"
)

// OS classes a node can report.
const (
	OSLinux   = "linux"
	OSWindows = "windows"
)

// NodeRecord describes one fleet member and the credentials used to reach it.
type NodeRecord struct {
	ID          string `json:"id"                    yaml:"id"`
	Master      bool   `json:"master"                yaml:"master"`
	OS          string `json:"os"                    yaml:"os"`
	IP          string `json:"ip"                    yaml:"ip"`
	PrivateIP   string `json:"private_ip,omitempty"  yaml:"private_ip,omitempty"`
	ReachableIP string `json:"ctxt_ip,omitempty"     yaml:"ctxt_ip,omitempty"`
	RemotePort  int    `json:"remote_port"           yaml:"remote_port"`
	User        string `json:"user"                  yaml:"user"`
	Password    string `json:"passwd"                yaml:"passwd"`
	NewPassword string `json:"new_passwd,omitempty"  yaml:"new_passwd,omitempty"`
	PrivateKey  string `json:"private_key"           yaml:"private_key"`

	NewPrivateKey string `json:"new_private_key,omitempty" yaml:"new_private_key,omitempty"`
	NewPublicKey  string `json:"new_public_key,omitempty"  yaml:"new_public_key,omitempty"`
}

// IsWindows reports whether the node is managed over WinRM instead of SSH.
func (n *NodeRecord) IsWindows() bool {
	return strings.EqualFold(n.OS, OSWindows)
}

// Port returns the remote port, falling back to the protocol default.
func (n *NodeRecord) Port() int {
	if n.RemotePort != 0 {
		return n.RemotePort
	}
	if n.IsWindows() {
		return 5986
	}
	return 22
}

// Tag is the inventory host name of the node: "<ip>_<port>".
func (n *NodeRecord) Tag() string {
	return fmt.Sprintf("%s_%d", n.IP, n.Port())
}

// Address returns the address every remote call should target: the cached
// reachable address when one was discovered, the public one otherwise.
func (n *NodeRecord) Address() string {
	if n.ReachableIP != "" {
		return n.ReachableIP
	}
	return n.IP
}

// Secret picks the password to authenticate with. The pending password is
// used only when the caller knows it has already been applied.
func (n *NodeRecord) Secret(rotated bool) string {
	if rotated && n.NewPassword != "" {
		return n.NewPassword
	}
	return n.Password
}

// FleetConfig is the configuration shared by every node of the fleet.
type FleetConfig struct {
	Nodes           []*NodeRecord `json:"vms"                        yaml:"vms"`
	ConfDir         string        `json:"conf_dir"                   yaml:"conf_dir"`
	PlaybookRetries int           `json:"playbook_retries,omitempty" yaml:"playbook_retries,omitempty"`
}

// Node returns the record with the given id, or nil.
func (f *FleetConfig) Node(id string) *NodeRecord {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Master returns the first node flagged as master, or nil.
func (f *FleetConfig) Master() *NodeRecord {
	for _, n := range f.Nodes {
		if n.Master {
			return n
		}
	}
	return nil
}

// Validate checks the fleet has exactly one master and unique node ids.
func (f *FleetConfig) Validate() error {
	masters := 0
	seen := make(map[string]bool, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node with ip %q has no id", n.IP)
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
		if n.Master {
			masters++
		}
	}
	if masters != 1 {
		return fmt.Errorf("fleet must have exactly one master, found %d", masters)
	}
	return nil
}

// NodeTaskConfig is the private task plan of one node.
type NodeTaskConfig struct {
	ID          string   `json:"id"           yaml:"id"`
	Tasks       []string `json:"tasks"        yaml:"tasks"`
	RemoteDir   string   `json:"remote_dir"   yaml:"remote_dir"`
	ChangedPass bool     `json:"changed_pass" yaml:"changed_pass"`

	// Local is set from the command line, never persisted.
	Local bool `json:"-" yaml:"-"`
}

// HasTask reports whether name is part of the plan.
func (c *NodeTaskConfig) HasTask(name string) bool {
	for _, t := range c.Tasks {
		if t == name {
			return true
		}
	}
	return false
}
