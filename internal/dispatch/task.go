package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/eniac111/ctxtagent/internal/config"
	"github.com/eniac111/ctxtagent/internal/ssh"
)

// WaitAllTask and BasicTask are the task names with built-in behavior
// besides config.InstallTask.
const (
	WaitAllTask = "wait_all_ssh"
	BasicTask   = "basic"
)

// Task is one step of a plan. Execute reports the step outcome; an error
// aborts the run without retry.
type Task interface {
	Name() string
	Execute(ctx context.Context, r *Run) (bool, error)
}

// Parse maps a task name to its variant.
func Parse(name string) Task {
	switch name {
	case config.InstallTask:
		return InstallTool{}
	case WaitAllTask:
		return WaitAllReachable{}
	case BasicTask:
		return BasicSetup{}
	default:
		return NamedPlaybook{Task: name}
	}
}

// InstallTool prepares a worker: connectivity, sudo, credentials, the
// working directory and the configuration tool itself. It is a no-op on
// the master.
type InstallTool struct{}

func (InstallTool) Name() string { return config.InstallTask }

func (t InstallTool) Execute(ctx context.Context, r *Run) (bool, error) {
	node := r.Node
	l := r.d.Log.With().Str("task", t.Name()).Logger()

	if node.IsWindows() {
		if _, _, err := r.access(ctx, node); err != nil {
			return false, err
		}
		r.Result.SetChangeCreds(r.d.Rotator.Rotate(ctx, node, ""))
		l.Info().Msg("Windows VM do not install Ansible.")
		return true, nil
	}
	if node.Master {
		l.Info().Msg("Master VM do not install Ansible.")
		return true, nil
	}

	keyFile, rotated, err := r.access(ctx, node)
	if err != nil {
		return false, err
	}
	if r.d.Rotator.RemoveRequiretty(ctx, node, rotated, keyFile) {
		l.Info().Msg("Requiretty successfully removed")
	} else {
		l.Error().Msg("Error removing Requiretty")
	}

	// Credentials the probe already proved rotated are not changed again.
	changed := rotated
	if !changed {
		changed = r.d.Rotator.Rotate(ctx, node, keyFile)
	}
	r.Result.SetChangeCreds(changed)

	if err := r.copyConfDir(ctx, keyFile, rotated); err != nil {
		r.Result.SetCopyPlaybooks(false)
		return false, fmt.Errorf("%w: copying playbooks to %s: %w", ErrAbort, node.ID, err)
	}
	r.Result.SetCopyPlaybooks(true)

	return r.runPlaybook(ctx, t.Name(), r.d.RC.BootstrapPlaybook(), keyFile, rotated), nil
}

// copyConfDir mirrors the conf dir onto the node and restricts the
// fallback key there.
func (r *Run) copyConfDir(ctx context.Context, keyFile string, rotated bool) error {
	rc := r.d.RC
	t := ssh.TargetFor(r.Node, rotated, keyFile, rc.Timeouts.Dial)
	t.UseAgent = rc.UseAgent
	session, err := r.d.Dialer.Dial(ctx, t)
	if err != nil {
		return err
	}
	defer session.Close()

	out, err := session.Run(ctx, "mkdir -p "+rc.ConfDir)
	if err != nil {
		return err
	}
	if out.Code != 0 {
		return fmt.Errorf("error creating dir %s: exit status %d", rc.ConfDir, out.Code)
	}
	if err := session.UploadDir(rc.ConfDir, rc.ConfDir); err != nil {
		return err
	}
	return session.Chmod(rc.KeyFile, 0o600)
}

// WaitAllReachable is the fleet-wide barrier: every node must answer
// before the plan continues.
type WaitAllReachable struct{}

func (WaitAllReachable) Name() string { return WaitAllTask }

func (WaitAllReachable) Execute(ctx context.Context, r *Run) (bool, error) {
	ok := true
	for _, node := range r.d.RC.Fleet.Nodes {
		if _, _, err := r.access(ctx, node); err != nil {
			return false, err
		}
		if node.ReachableIP == "" || node.ReachableIP == node.IP {
			continue
		}
		r.d.Log.Info().Str("node_id", node.ID).Str("ip", node.IP).Str("reachable_ip", node.ReachableIP).
			Msg("Changing the IP in config files")
		err := errors.Join(
			r.d.Fleet.SetReachableIP(node.ID, node.ReachableIP),
			r.d.Inventory.ReplaceHost(node.IP, node.ReachableIP),
		)
		if err != nil {
			r.d.Log.Error().Err(err).Str("node_id", node.ID).Msg("Error updating the reachable address")
			ok = false
		}
	}
	return ok, nil
}

// BasicSetup runs the basic playbook, locally when the locality flag is
// set and through a delegated agent otherwise.
type BasicSetup struct{}

func (BasicSetup) Name() string { return BasicTask }

func (t BasicSetup) Execute(ctx context.Context, r *Run) (bool, error) {
	keyFile, rotated, err := r.access(ctx, r.Node)
	if err != nil {
		return false, err
	}
	if r.Node.IsWindows() {
		return true, nil
	}
	if r.d.RC.Local {
		if !r.setLocal() {
			return false, nil
		}
		return r.runPlaybook(ctx, t.Name(), r.d.RC.PlaybookPath(t.Name(), r.Node), keyFile, rotated), nil
	}
	return r.delegate(ctx, keyFile, rotated), nil
}

// NamedPlaybook runs "<task>_task_all.yml" (or "<task>_task.yml" on
// windows nodes). From the master toward a posix worker it is delegated
// to the worker's own agent.
type NamedPlaybook struct {
	Task string
}

func (t NamedPlaybook) Name() string { return t.Task }

func (t NamedPlaybook) Execute(ctx context.Context, r *Run) (bool, error) {
	rc := r.d.RC
	node := r.Node
	if !node.IsWindows() && !node.Master && !rc.Local {
		return r.delegate(ctx, rc.KeyFile, rc.Plan.ChangedPass), nil
	}
	if !r.setLocal() {
		return false, nil
	}
	return r.runPlaybook(ctx, t.Task, rc.PlaybookPath(t.Task, node), rc.KeyFile, rc.Plan.ChangedPass), nil
}
