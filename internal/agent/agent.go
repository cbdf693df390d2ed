// Package agent runs one contextualization pass for one node: it builds
// the components from the run context, executes the task plan and
// reports the outcome through the sentinel artifact.
package agent

import (
	"context"
	"io"
	"os"

	"github.com/eniac111/ctxtagent/internal/clock"
	"github.com/eniac111/ctxtagent/internal/config"
	"github.com/eniac111/ctxtagent/internal/creds"
	"github.com/eniac111/ctxtagent/internal/dispatch"
	"github.com/eniac111/ctxtagent/internal/inventory"
	"github.com/eniac111/ctxtagent/internal/launcher"
	"github.com/eniac111/ctxtagent/internal/log"
	"github.com/eniac111/ctxtagent/internal/metrics"
	"github.com/eniac111/ctxtagent/internal/playbook"
	"github.com/eniac111/ctxtagent/internal/probe"
	"github.com/eniac111/ctxtagent/internal/resultsync"
	"github.com/eniac111/ctxtagent/internal/shell"
	"github.com/eniac111/ctxtagent/internal/ssh"
	"github.com/eniac111/ctxtagent/internal/winrm"
)

// Options carry the process-level settings and the transports. Nil
// transports default to the real implementations.
type Options struct {
	LogLevel log.Level
	LogJSON  bool
	// Metrics writes the metrics textfile next to the sentinel.
	Metrics bool

	Dialer ssh.Dialer
	WinRM  winrm.Runner
	Exec   shell.Executor
	Clock  clock.Clock
}

func (o *Options) defaults(rc *config.RunContext) {
	if o.Dialer == nil {
		o.Dialer = ssh.NewDialer()
	}
	if o.WinRM == nil {
		o.WinRM = winrm.Client{Timeout: rc.Timeouts.Dial}
	}
	if o.Exec == nil {
		o.Exec = shell.Local{}
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
}

// Run executes the plan of rc and reports overall success. The sentinel
// is written whatever the outcome.
func Run(ctx context.Context, rc *config.RunContext, opts Options) bool {
	opts.defaults(rc)

	var output io.Writer = io.Discard
	logOut := io.Writer(os.Stderr)
	if err := os.MkdirAll(rc.WorkDir, 0o755); err == nil {
		if f, err := log.OpenFile(rc.LogPath()); err == nil {
			defer f.Close()
			output, logOut = f, f
		}
	}
	rc.Log = log.New(log.Config{Level: opts.LogLevel, JSONOutput: opts.LogJSON, Output: logOut}).
		With().Str("run_id", rc.RunID).Str("node_id", rc.Plan.ID).Logger()
	l := rc.Log

	l.Info().Msg("Generate and copy the ssh key")
	if created, err := ssh.EnsureKeyFile(rc.KeyFile); err != nil {
		l.Error().Err(err).Str("path", rc.KeyFile).Msg("Error generating the fallback key")
	} else if created {
		l.Debug().Str("path", rc.KeyFile).Msg("Fallback key generated")
	}

	prober := probe.New(rc, opts.Dialer)
	prober.Clock = opts.Clock
	runner := playbook.New(rc, opts.Exec)
	runner.Clock = opts.Clock
	agents := launcher.New(rc, opts.Dialer)
	agents.Clock = opts.Clock
	syncer := resultsync.New(rc, prober, opts.Dialer)
	defer syncer.Close()

	d := &dispatch.Dispatcher{
		RC:        rc,
		Prober:    prober,
		Rotator:   creds.New(rc, opts.Dialer, opts.WinRM),
		Playbooks: runner,
		Launcher:  agents,
		Fleet:     config.FleetStore{Path: rc.FleetPath},
		Inventory: inventory.File{Path: rc.InventoryPath()},
		Dialer:    opts.Dialer,
		Shipper:   syncer,
		Output:    output,
		Log:       log.WithComponent(l, "dispatch"),
	}
	res := d.Run(ctx)
	ok := res.OK

	if err := config.Write(rc.OutPath(), res, 0o644); err != nil {
		l.Error().Err(err).Str("path", rc.OutPath()).Msg("Error writing the result file")
		ok = false
	}

	node := rc.Node
	if rc.Local && node != nil && !node.Master && !node.IsWindows() {
		if err := syncer.Finish(ctx); err != nil {
			l.Error().Err(err).Msg("Error copying back the results")
			ok = false
		}
	}

	if ok {
		metrics.RunSuccess.Set(1)
	} else {
		metrics.RunSuccess.Set(0)
	}
	if opts.Metrics {
		if err := metrics.WriteTextfile(rc.MetricsPath()); err != nil {
			l.Warn().Err(err).Str("path", rc.MetricsPath()).Msg("Error writing metrics")
		}
	}
	return ok
}
