package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eniac111/ctxtagent/internal/types"
)

// Artifact and file names shared by every node of the fleet.
const (
	LogName        = "ctxt_agent.log"
	OutName        = "ctxt_agent.out"
	RemoteLogName  = "ctxt_agentr.log"
	RemoteOutName  = "ctxt_agentr.out"
	MetricsName    = "ctxt_agent.prom"
	KeyFileName    = "ansible_key"
	InventoryName  = "hosts"
	BootstrapName  = "conf-ansible.yml"
	AgentName      = "ctxt-agent"
	VaultPassEnv   = "VAULT_PASS"
	InstallTask    = "install_ansible"
	defaultRetries = 1
)

// Timeouts groups every bound and cadence of the run's wait loops.
type Timeouts struct {
	SSHWait       time.Duration
	ProbeInterval time.Duration
	Dial          time.Duration

	MasterProbeInterval time.Duration
	MasterProbeBound    time.Duration

	RemotePoll      time.Duration
	RemoteCheckStep int
	RemoteBound     time.Duration

	StreamPoll time.Duration
	StreamStep int
	ResultRead time.Duration
}

// DefaultTimeouts mirrors the cadence the fleet's launchers expect.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		SSHWait:             600 * time.Second,
		ProbeInterval:       10 * time.Second,
		Dial:                10 * time.Second,
		MasterProbeInterval: 2 * time.Second,
		MasterProbeBound:    10 * time.Second,
		RemotePoll:          2 * time.Second,
		RemoteCheckStep:     10,
		RemoteBound:         6 * time.Hour,
		StreamPoll:          time.Second,
		StreamStep:          10,
		ResultRead:          60 * time.Second,
	}
}

// RunContext is built once per invocation and passed to every component.
type RunContext struct {
	RunID string

	FleetPath string
	NodePath  string
	Local     bool

	Fleet *types.FleetConfig
	Plan  *types.NodeTaskConfig
	// Node is the record the plan targets, nil if the fleet lacks it.
	Node *types.NodeRecord

	ConfDir string
	// NodeDir holds the node config and the mirrored artifacts.
	NodeDir string
	// WorkDir is where this run writes its log and sentinel.
	WorkDir string
	KeyFile string
	// AgentPath is where the agent binary lives on every node.
	AgentPath string

	Retries         int
	InternalRetries int
	VaultPass       string
	UseAgent        bool
	Timeouts        Timeouts

	Log zerolog.Logger
}

// Options tune a RunContext beyond what the config files carry.
type Options struct {
	Local    bool
	UseAgent bool
	Timeouts *Timeouts
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// NewRunContext loads both configuration files and derives every path of
// the run from them.
func NewRunContext(fleetPath, nodePath string, opts Options) (*RunContext, error) {
	fleetAbs, err := filepath.Abs(fleetPath)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", fleetPath, err)
	}
	nodeAbs, err := filepath.Abs(nodePath)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", nodePath, err)
	}

	fleet, err := LoadFleet(fleetAbs)
	if err != nil {
		return nil, err
	}
	plan, err := LoadNode(nodeAbs)
	if err != nil {
		return nil, err
	}
	plan.Local = opts.Local

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	timeouts := DefaultTimeouts()
	if opts.Timeouts != nil {
		timeouts = *opts.Timeouts
	}

	rc := &RunContext{
		RunID:           uuid.NewString(),
		FleetPath:       fleetAbs,
		NodePath:        nodeAbs,
		Local:           opts.Local,
		Fleet:           fleet,
		Plan:            plan,
		Node:            fleet.Node(plan.ID),
		ConfDir:         fleet.ConfDir,
		NodeDir:         filepath.Dir(nodeAbs),
		WorkDir:         plan.RemoteDir,
		KeyFile:         filepath.Join(fleet.ConfDir, KeyFileName),
		AgentPath:       filepath.Join(filepath.Dir(fleetAbs), AgentName),
		Retries:         defaultRetries,
		InternalRetries: defaultRetries,
		VaultPass:       getenv(VaultPassEnv),
		UseAgent:        opts.UseAgent,
		Timeouts:        timeouts,
		Log:             zerolog.Nop(),
	}
	if rc.WorkDir == "" {
		rc.WorkDir = rc.NodeDir
	}
	if fleet.PlaybookRetries > 0 {
		rc.Retries = fleet.PlaybookRetries
	}
	return rc, nil
}

// Reporting reports whether this run writes the artifacts a launcher
// waits for (ctxt_agent.*) rather than the orchestrator-side ones
// (ctxt_agentr.*).
func (rc *RunContext) Reporting() bool {
	if rc.Local || rc.Plan.HasTask(InstallTask) {
		return true
	}
	return rc.Node != nil && (rc.Node.Master || rc.Node.IsWindows())
}

// LogPath is the log file of this run.
func (rc *RunContext) LogPath() string {
	if rc.Reporting() {
		return filepath.Join(rc.WorkDir, LogName)
	}
	return filepath.Join(rc.WorkDir, RemoteLogName)
}

// OutPath is the sentinel artifact of this run.
func (rc *RunContext) OutPath() string {
	if rc.Reporting() {
		return filepath.Join(rc.WorkDir, OutName)
	}
	return filepath.Join(rc.WorkDir, RemoteOutName)
}

// MirrorLogPath is where a worker's log lands on the master.
func (rc *RunContext) MirrorLogPath() string {
	return filepath.Join(rc.NodeDir, LogName)
}

// MirrorOutPath is where a worker's sentinel lands on the master.
func (rc *RunContext) MirrorOutPath() string {
	return filepath.Join(rc.NodeDir, OutName)
}

// MetricsPath is the metrics textfile of this run.
func (rc *RunContext) MetricsPath() string {
	return filepath.Join(rc.WorkDir, MetricsName)
}

// InventoryPath is the shared ansible inventory.
func (rc *RunContext) InventoryPath() string {
	return filepath.Join(rc.ConfDir, InventoryName)
}

// PlaybookPath returns the playbook that implements task on node.
func (rc *RunContext) PlaybookPath(task string, node *types.NodeRecord) string {
	if node != nil && node.IsWindows() {
		return filepath.Join(rc.ConfDir, task+"_task.yml")
	}
	return filepath.Join(rc.ConfDir, task+"_task_all.yml")
}

// BootstrapPlaybook prepares the configuration tool on a worker.
func (rc *RunContext) BootstrapPlaybook() string {
	return filepath.Join(rc.ConfDir, BootstrapName)
}
