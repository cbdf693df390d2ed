// Package playbook drives the external configuration tool. A run is
// started asynchronously and awaited with a bounded, optionally log
// streaming, wait.
package playbook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eniac111/ctxtagent/internal/clock"
	"github.com/eniac111/ctxtagent/internal/config"
	"github.com/eniac111/ctxtagent/internal/log"
	"github.com/eniac111/ctxtagent/internal/poll"
	"github.com/eniac111/ctxtagent/internal/shell"
	"github.com/eniac111/ctxtagent/internal/types"
)

// Binary is the configuration tool's command.
const Binary = "ansible-playbook"

// Result is what a finished run yields. Code is -1 when the result could
// not be read in time.
type Result struct {
	Code        int
	FailedHosts []string
}

// OK reports a zero return code.
func (r Result) OK() bool { return r.Code == 0 }

// Request describes one playbook run against one node.
type Request struct {
	WorkDir   string
	Playbook  string
	Node      *types.NodeRecord
	Forks     int
	Inventory string
	// KeyFile overrides the node's key material.
	KeyFile    string
	Retries    int
	UseRotated bool
	VaultPass  string
	// Output receives the tool's stdout and stderr.
	Output io.Writer
}

// Handle tracks a started run.
type Handle struct {
	done   chan struct{}
	result chan Result
}

// Done is closed once the run, retries included, finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// LogShipper copies the in-progress log somewhere observable.
type LogShipper interface {
	ShipLog(ctx context.Context) error
}

// Runner starts and awaits playbook runs.
type Runner struct {
	Exec   shell.Executor
	Clock  clock.Clock
	Binary string
	// KeyDir receives materialized node keys.
	KeyDir string

	StreamPoll time.Duration
	StreamStep int
	ResultRead time.Duration
	// Bound caps a whole wait.
	Bound time.Duration

	Log zerolog.Logger
}

// New returns a Runner configured from the run context.
func New(rc *config.RunContext, exec shell.Executor) *Runner {
	return &Runner{
		Exec:       exec,
		Clock:      clock.Real(),
		Binary:     Binary,
		KeyDir:     os.TempDir(),
		StreamPoll: rc.Timeouts.StreamPoll,
		StreamStep: rc.Timeouts.StreamStep,
		ResultRead: rc.Timeouts.ResultRead,
		Bound:      rc.Timeouts.RemoteBound,
		Log:        log.WithComponent(rc.Log, "playbook"),
	}
}

// invocation is a prepared command plus the files to remove afterwards.
type invocation struct {
	cmd     shell.Command
	cleanup []string
}

func (inv *invocation) remove() {
	for _, p := range inv.cleanup {
		_ = os.RemoveAll(p)
	}
}

// prepare writes the files the run needs. On error nothing it wrote is
// left behind.
func (r *Runner) prepare(req Request) (_ *invocation, err error) {
	node := req.Node
	scratch := filepath.Join(req.WorkDir, ".ctxt_tmp", uuid.NewString())
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	inv := &invocation{cleanup: []string{scratch}}
	defer func() {
		if err != nil {
			inv.remove()
		}
	}()

	vars := map[string]string{"IM_HOST": node.Tag()}
	if pw := node.Secret(req.UseRotated); pw != "" {
		vars["ansible_password"] = pw
		vars["ansible_become_password"] = pw
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("encode extra vars: %w", err)
	}
	varsFile := filepath.Join(scratch, "extra_vars.json")
	if err := os.WriteFile(varsFile, data, 0o600); err != nil {
		return nil, fmt.Errorf("write extra vars: %w", err)
	}

	forks := req.Forks
	if forks <= 0 {
		forks = 1
	}
	args := []string{"-i", req.Inventory, "-f", strconv.Itoa(forks), "-e", "@" + varsFile}

	keyFile := req.KeyFile
	if keyFile == "" && !node.IsWindows() && node.PrivateKey != "" && node.Password == "" {
		keyFile = filepath.Join(r.KeyDir, "pk_"+node.IP+".pem")
		if err := os.WriteFile(keyFile, []byte(node.PrivateKey), 0o600); err != nil {
			return nil, fmt.Errorf("write node key: %w", err)
		}
		inv.cleanup = append(inv.cleanup, keyFile)
	}
	if keyFile != "" && !node.IsWindows() {
		args = append(args, "--private-key", keyFile)
	}

	if req.VaultPass != "" {
		vaultFile := filepath.Join(scratch, "vault_pass")
		if err := os.WriteFile(vaultFile, []byte(req.VaultPass), 0o600); err != nil {
			return nil, fmt.Errorf("write vault password: %w", err)
		}
		args = append(args, "--vault-password-file", vaultFile)
	}
	args = append(args, req.Playbook)

	inv.cmd = shell.Command{
		Name: r.Binary,
		Args: args,
		Env: []string{
			"ANSIBLE_LOCAL_TEMP=" + filepath.Join(req.WorkDir, ".ansible_tmp"),
			"ANSIBLE_HOST_KEY_CHECKING=False",
		},
		Dir: req.WorkDir,
	}
	return inv, nil
}

// Start launches the run in the background. It retries up to req.Retries
// times while the tool exits non-zero.
func (r *Runner) Start(ctx context.Context, req Request) (*Handle, error) {
	if req.Node == nil {
		return nil, fmt.Errorf("playbook %s: no target node", req.Playbook)
	}
	inv, err := r.prepare(req)
	if err != nil {
		return nil, err
	}
	retries := req.Retries
	if retries < 1 {
		retries = 1
	}
	out := req.Output
	if out == nil {
		out = io.Discard
	}

	h := &Handle{done: make(chan struct{}), result: make(chan Result, 1)}
	l := r.Log.With().Str("playbook", filepath.Base(req.Playbook)).Str("node_id", req.Node.ID).Logger()

	go func() {
		defer close(h.done)
		defer inv.remove()

		res := Result{Code: -1}
		for attempt := 1; attempt <= retries; attempt++ {
			var buf bytes.Buffer
			cmd := inv.cmd
			cmd.Stdout = io.MultiWriter(out, &buf)
			cmd.Stderr = out

			l.Debug().Int("attempt", attempt).Msg("Launching playbook")
			code, err := r.Exec.Run(ctx, cmd)
			if err != nil {
				l.Error().Err(err).Int("attempt", attempt).Msg("Error launching playbook")
				res = Result{Code: -1}
			} else {
				res = Result{Code: code, FailedHosts: ParseRecap(buf.String())}
			}
			if res.OK() {
				break
			}
			l.Warn().Int("code", res.Code).Strs("failed_hosts", res.FailedHosts).
				Int("attempt", attempt).Int("retries", retries).Msg("Playbook failed")
		}
		h.result <- res
	}()
	return h, nil
}

// Wait blocks until h finishes or the wait bound elapses. A non-nil
// shipper is called every StreamStep polls so partial logs reach the
// master. The result is read with a ResultRead timeout; a timeout yields
// Code -1.
func (r *Runner) Wait(ctx context.Context, h *Handle, shipper LogShipper) Result {
	step := r.StreamStep
	if step <= 0 {
		step = 1
	}
	loop := poll.Loop{Clock: r.Clock, Interval: r.StreamPoll, Bound: r.Bound}
	if loop.Bound <= 0 {
		loop.Bound = 6 * time.Hour
	}
	err := loop.Run(ctx, func(ctx context.Context, attempt int) poll.Status {
		select {
		case <-h.done:
			return poll.Done
		default:
		}
		if shipper != nil && attempt%step == 0 {
			if err := shipper.ShipLog(ctx); err != nil {
				r.Log.Warn().Err(err).Msg("Error copying the log to the master")
			}
		}
		return poll.Pending
	})
	if err != nil {
		r.Log.Error().Err(err).Msg("Error waiting for the playbook")
	}

	timer := time.NewTimer(r.ResultRead)
	defer timer.Stop()
	select {
	case res := <-h.result:
		return res
	case <-timer.C:
		r.Log.Error().Dur("timeout", r.ResultRead).Msg("Error getting playbook results")
		return Result{Code: -1}
	}
}
