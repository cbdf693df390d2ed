// Package dispatch runs a node's task plan: strictly in order, each task
// retried up to the fleet's playbook retry count, stopping at the first
// task that fails.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/eniac111/ctxtagent/internal/config"
	"github.com/eniac111/ctxtagent/internal/launcher"
	"github.com/eniac111/ctxtagent/internal/log"
	"github.com/eniac111/ctxtagent/internal/metrics"
	"github.com/eniac111/ctxtagent/internal/playbook"
	"github.com/eniac111/ctxtagent/internal/probe"
	"github.com/eniac111/ctxtagent/internal/ssh"
	"github.com/eniac111/ctxtagent/internal/types"
)

// ErrAbort marks a failure that ends the run without further retries.
var ErrAbort = errors.New("task aborted")

// Prober waits for a node to become reachable.
type Prober interface {
	Wait(ctx context.Context, node *types.NodeRecord, opts probe.Options) (probe.Credential, error)
}

// Rotator applies pending credentials.
type Rotator interface {
	Rotate(ctx context.Context, node *types.NodeRecord, keyFile string) bool
	RemoveRequiretty(ctx context.Context, node *types.NodeRecord, rotated bool, keyFile string) bool
}

// PlaybookRunner starts and awaits configuration tool runs.
type PlaybookRunner interface {
	Start(ctx context.Context, req playbook.Request) (*playbook.Handle, error)
	Wait(ctx context.Context, h *playbook.Handle, shipper playbook.LogShipper) playbook.Result
}

// AgentLauncher delegates the plan to the node itself.
type AgentLauncher interface {
	Launch(ctx context.Context, node *types.NodeRecord, opts launcher.Options) launcher.Remote
	Await(ctx context.Context, r launcher.Remote) bool
}

// FleetStore persists discovered addresses in the fleet config.
type FleetStore interface {
	SetReachableIP(id, ip string) error
}

// Inventory edits the configuration tool's inventory.
type Inventory interface {
	SetLocal(tag string) error
	ReplaceHost(oldIP, newIP string) error
}

// Dispatcher holds the collaborators every task uses.
type Dispatcher struct {
	RC        *config.RunContext
	Prober    Prober
	Rotator   Rotator
	Playbooks PlaybookRunner
	Launcher  AgentLauncher
	Fleet     FleetStore
	Inventory Inventory
	Dialer    ssh.Dialer
	// Shipper streams the log of local playbook runs to the master. It
	// may be nil.
	Shipper playbook.LogShipper
	// Output receives the configuration tool's output.
	Output io.Writer

	Log zerolog.Logger
}

// Run is the state of one plan execution.
type Run struct {
	d      *Dispatcher
	Node   *types.NodeRecord
	Result *types.TaskResult
}

// Run executes every task of the plan and returns the result document.
func (d *Dispatcher) Run(ctx context.Context) *types.TaskResult {
	res := types.NewTaskResult()
	rc := d.RC
	if rc.Node == nil {
		d.Log.Error().Str("node_id", rc.Plan.ID).Msg("No VM to Contextualize!")
		return res
	}
	run := &Run{d: d, Node: rc.Node, Result: res}

	retries := rc.Retries
	if retries < 1 {
		retries = 1
	}
	for _, name := range rc.Plan.Tasks {
		task := Parse(name)
		l := d.Log.With().Str("task", name).Logger()

		ok := false
		for attempt := 1; attempt <= retries && !ok; attempt++ {
			l.Info().Int("attempt", attempt).Msg("Launch task")
			timer := metrics.NewTimer()
			var err error
			ok, err = task.Execute(ctx, run)
			timer.ObserveDurationVec(metrics.TaskDuration, name)
			metrics.TaskRuns.WithLabelValues(name, metrics.Result(ok && err == nil)).Inc()

			if err != nil {
				l.Error().Err(err).Msg("Task aborted")
				res.Record(name, false)
				res.OK = false
				return res
			}
			if ok {
				l.Info().Msg("Task finished successfully")
			} else {
				l.Warn().Int("attempt", attempt).Int("retries", retries).Msg("ERROR executing task")
			}
		}

		res.Record(name, ok)
		if !ok {
			res.OK = false
			return res
		}
	}

	res.OK = true
	d.Log.Info().Msg("Process finished")
	return res
}

// access waits for node and records SSH_WAIT. It returns the key file
// and rotated flag the proven credential calls for.
func (r *Run) access(ctx context.Context, node *types.NodeRecord) (string, bool, error) {
	l := log.WithNode(r.d.Log, node.ID)
	l.Info().Str("address", node.IP).Msg("Waiting remote access to VM")
	cred, err := r.d.Prober.Wait(ctx, node, probe.Options{})
	if err != nil {
		r.Result.SetSSHWait(false)
		return "", false, fmt.Errorf("%w: waiting access to %s: %w", ErrAbort, node.ID, err)
	}
	r.Result.SetSSHWait(true)
	l.Info().Str("address", node.Address()).Str("credential", string(cred)).Msg("Remote access to VM open")

	keyFile := ""
	if cred == probe.FallbackKey {
		keyFile = r.d.RC.KeyFile
	}
	return keyFile, cred == probe.Rotated, nil
}

// stream reports whether a local run of task should ship its log to the
// master while it runs.
func (r *Run) stream(task string) playbook.LogShipper {
	if task == config.InstallTask || r.Node.Master || r.Node.IsWindows() {
		return nil
	}
	return r.d.Shipper
}

// runPlaybook runs path against the node and waits for it.
func (r *Run) runPlaybook(ctx context.Context, task, path, keyFile string, rotated bool) bool {
	rc := r.d.RC
	h, err := r.d.Playbooks.Start(ctx, playbook.Request{
		WorkDir:    rc.WorkDir,
		Playbook:   path,
		Node:       r.Node,
		Forks:      2,
		Inventory:  rc.InventoryPath(),
		KeyFile:    keyFile,
		Retries:    rc.InternalRetries,
		UseRotated: rotated,
		VaultPass:  rc.VaultPass,
		Output:     r.d.Output,
	})
	if err != nil {
		r.d.Log.Error().Err(err).Str("task", task).Msg("Error launching playbook")
		return false
	}
	res := r.d.Playbooks.Wait(ctx, h, r.stream(task))
	if !res.OK() {
		r.d.Log.Error().Str("task", task).Int("code", res.Code).Strs("failed_hosts", res.FailedHosts).
			Msg("Playbook failed")
	}
	return res.OK()
}

// setLocal forces the node's inventory entry to run on this machine.
func (r *Run) setLocal() bool {
	if r.Node.IsWindows() {
		return true
	}
	if err := r.d.Inventory.SetLocal(r.Node.Tag()); err != nil {
		r.d.Log.Error().Err(err).Msg("Error setting the local connection in the inventory")
		return false
	}
	return true
}

// delegate launches the agent on the node and waits for its sentinel.
func (r *Run) delegate(ctx context.Context, keyFile string, rotated bool) bool {
	remote := r.d.Launcher.Launch(ctx, r.Node, launcher.Options{
		VaultPass:   r.d.RC.VaultPass,
		KeyFile:     keyFile,
		ChangedPass: rotated,
	})
	return r.d.Launcher.Await(ctx, remote)
}
