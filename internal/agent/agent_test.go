package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eniac111/ctxtagent/internal/clock"
	"github.com/eniac111/ctxtagent/internal/config"
	"github.com/eniac111/ctxtagent/internal/shell"
	"github.com/eniac111/ctxtagent/internal/ssh"
	"github.com/eniac111/ctxtagent/internal/ssh/sshtest"
	"github.com/eniac111/ctxtagent/internal/types"
)

type execFunc func(ctx context.Context, c shell.Command) (int, error)

func (f execFunc) Run(ctx context.Context, c shell.Command) (int, error) { return f(ctx, c) }

type layout struct {
	confDir, workDir, nodeDir string
	fleetPath, nodePath       string
}

func setup(t *testing.T, nodeID string, tasks ...string) layout {
	t.Helper()
	root := t.TempDir()
	l := layout{
		confDir: filepath.Join(root, "conf"),
		workDir: filepath.Join(root, "work"),
		nodeDir: filepath.Join(root, "node"),
	}
	for _, d := range []string{l.confDir, l.nodeDir} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	l.fleetPath = filepath.Join(root, "general_info.cfg")
	l.nodePath = filepath.Join(l.nodeDir, "config.cfg")

	fleet := types.FleetConfig{
		ConfDir: l.confDir,
		Nodes: []*types.NodeRecord{
			{ID: "0", Master: true, OS: types.OSLinux, IP: "8.8.8.1", User: "root", Password: "master-pw"},
			{ID: "1", OS: types.OSLinux, IP: "8.8.8.2", User: "cloudadm", Password: "pw"},
		},
	}
	require.NoError(t, config.Write(l.fleetPath, fleet, 0o644))
	plan := types.NodeTaskConfig{ID: nodeID, Tasks: tasks, RemoteDir: l.workDir}
	require.NoError(t, config.Write(l.nodePath, plan, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(l.confDir, config.InventoryName),
		[]byte("[all]\n8.8.8.1_22 ansible_host=8.8.8.1 \n8.8.8.2_22 ansible_host=8.8.8.2 \n"), 0o644))
	return l
}

func readResult(t *testing.T, path string) *types.TaskResult {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	res := types.NewTaskResult()
	require.NoError(t, json.Unmarshal(data, res))
	return res
}

func TestRunMasterPlaybook(t *testing.T) {
	l := setup(t, "0", "configure")
	rc, err := config.NewRunContext(l.fleetPath, l.nodePath, config.Options{})
	require.NoError(t, err)

	var ran []string
	ok := Run(context.Background(), rc, Options{
		Metrics: true,
		Dialer:  &sshtest.Dialer{},
		Exec: execFunc(func(_ context.Context, c shell.Command) (int, error) {
			ran = append(ran, c.Args[len(c.Args)-1])
			_, _ = fmt.Fprintln(c.Stdout, "PLAY RECAP")
			return 0, nil
		}),
		Clock: clock.Fake(time.Unix(0, 0)),
	})

	require.True(t, ok)
	assert.Equal(t, []string{filepath.Join(l.confDir, "configure_task_all.yml")}, ran)

	res := readResult(t, filepath.Join(l.workDir, config.OutName))
	assert.True(t, res.OK)
	assert.Equal(t, map[string]bool{"configure": true}, res.Tasks)

	hosts, err := os.ReadFile(filepath.Join(l.confDir, config.InventoryName))
	require.NoError(t, err)
	assert.Contains(t, string(hosts), "8.8.8.1_22 ansible_host=8.8.8.1 ansible_connection=local\n")

	assert.FileExists(t, filepath.Join(l.confDir, config.KeyFileName))
	assert.FileExists(t, filepath.Join(l.confDir, config.KeyFileName+".pub"))

	logData, err := os.ReadFile(filepath.Join(l.workDir, config.LogName))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "PLAY RECAP")
	assert.Contains(t, string(logData), "run_id="+rc.RunID)

	prom, err := os.ReadFile(filepath.Join(l.workDir, config.MetricsName))
	require.NoError(t, err)
	assert.Contains(t, string(prom), "ctxt_run_success 1")
}

func TestRunUnknownNodeWritesSentinel(t *testing.T) {
	l := setup(t, "7", "basic")
	rc, err := config.NewRunContext(l.fleetPath, l.nodePath, config.Options{})
	require.NoError(t, err)

	ok := Run(context.Background(), rc, Options{Dialer: &sshtest.Dialer{}, Clock: clock.Fake(time.Unix(0, 0))})
	assert.False(t, ok)

	// An unknown node is neither local nor master, so the run writes the
	// orchestrator-side artifacts.
	res := readResult(t, filepath.Join(l.workDir, config.RemoteOutName))
	assert.False(t, res.OK)
	assert.Empty(t, res.Tasks)
}

func TestRunLocalWorkerShipsResults(t *testing.T) {
	l := setup(t, "1")
	rc, err := config.NewRunContext(l.fleetPath, l.nodePath, config.Options{Local: true})
	require.NoError(t, err)
	dialer := &sshtest.Dialer{}

	ok := Run(context.Background(), rc, Options{Dialer: dialer, Clock: clock.Fake(time.Unix(0, 0))})
	require.True(t, ok)

	var uploads map[string]string
	for _, s := range dialer.Sessions {
		if len(s.Uploads) > 0 {
			uploads = s.Uploads
			assert.Equal(t, "8.8.8.1", s.Target.Host)
		}
	}
	assert.Equal(t, map[string]string{
		filepath.Join(l.nodeDir, config.LogName): filepath.Join(l.workDir, config.LogName),
		filepath.Join(l.nodeDir, config.OutName): filepath.Join(l.workDir, config.OutName),
	}, uploads)
	assert.NoFileExists(t, filepath.Join(l.workDir, config.OutName))
	assert.NoFileExists(t, filepath.Join(l.workDir, config.LogName))
}

func TestRunLocalWorkerSyncFailureFailsRun(t *testing.T) {
	l := setup(t, "1")
	rc, err := config.NewRunContext(l.fleetPath, l.nodePath, config.Options{Local: true})
	require.NoError(t, err)
	dialer := &sshtest.Dialer{Auth: func(ssh.Target) error { return ssh.ErrAuthentication }}

	ok := Run(context.Background(), rc, Options{Dialer: dialer, Clock: clock.Fake(time.Unix(0, 0))})
	assert.False(t, ok)

	res := readResult(t, filepath.Join(l.workDir, config.OutName))
	assert.True(t, res.OK, "task outcomes stay recorded")
}
