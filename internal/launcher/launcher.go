// Package launcher starts the agent as a detached process on a peer node
// and waits for its sentinel result.
package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eniac111/ctxtagent/internal/clock"
	"github.com/eniac111/ctxtagent/internal/config"
	"github.com/eniac111/ctxtagent/internal/log"
	"github.com/eniac111/ctxtagent/internal/metrics"
	"github.com/eniac111/ctxtagent/internal/poll"
	"github.com/eniac111/ctxtagent/internal/shell"
	"github.com/eniac111/ctxtagent/internal/ssh"
	"github.com/eniac111/ctxtagent/internal/types"
)

// Options select the credentials and secrets of one launch.
type Options struct {
	VaultPass   string
	KeyFile     string
	ChangedPass bool
}

// Remote is a launched agent. PID is empty when the launch failed.
type Remote struct {
	Session ssh.Session
	PID     string
	Node    *types.NodeRecord
}

// Launcher delegates the node's task plan to the node itself.
type Launcher struct {
	Dialer ssh.Dialer
	Clock  clock.Clock
	// Self locates the running agent binary.
	Self func() (string, error)

	FleetPath string
	NodePath  string
	NodeDir   string
	AgentPath string
	// OutPath is the mirrored sentinel the remote agent ships back.
	OutPath string

	DialTimeout time.Duration
	UseAgent    bool
	Poll        time.Duration
	CheckStep   int
	Bound       time.Duration

	Log zerolog.Logger
}

// New returns a Launcher configured from the run context.
func New(rc *config.RunContext, dialer ssh.Dialer) *Launcher {
	return &Launcher{
		Dialer:      dialer,
		Clock:       clock.Real(),
		Self:        os.Executable,
		FleetPath:   rc.FleetPath,
		NodePath:    rc.NodePath,
		NodeDir:     rc.NodeDir,
		AgentPath:   rc.AgentPath,
		OutPath:     rc.MirrorOutPath(),
		DialTimeout: rc.Timeouts.Dial,
		UseAgent:    rc.UseAgent,
		Poll:        rc.Timeouts.RemotePoll,
		CheckStep:   rc.Timeouts.RemoteCheckStep,
		Bound:       rc.Timeouts.RemoteBound,
		Log:         log.WithComponent(rc.Log, "launcher"),
	}
}

// Command is the detached invocation started on the node.
func (l *Launcher) Command(vaultPass string) string {
	var b strings.Builder
	if vaultPass != "" {
		fmt.Fprintf(&b, "export %s=%s && ", config.VaultPassEnv, shell.Quote(vaultPass))
	}
	fmt.Fprintf(&b, "nohup %s %s %s 1 > %s 2> %s < /dev/null & echo -n $!",
		l.AgentPath, l.FleetPath, l.NodePath,
		filepath.Join(l.NodeDir, "stdout"), filepath.Join(l.NodeDir, "stderr"))
	return b.String()
}

// Launch starts the agent on node. Any failure is logged and yields a
// Remote without PID.
func (l *Launcher) Launch(ctx context.Context, node *types.NodeRecord, opts Options) Remote {
	lg := l.Log.With().Str("node_id", node.ID).Logger()
	lg.Debug().Str("address", node.Address()).Msg("Launch Ctxt agent on node")
	remote := Remote{Node: node}

	// A sentinel left by an earlier task would be read as this run's result.
	if err := os.Remove(l.OutPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		lg.Warn().Err(err).Str("path", l.OutPath).Msg("Error removing old result file")
	}

	t := ssh.TargetFor(node, opts.ChangedPass, opts.KeyFile, l.DialTimeout)
	t.UseAgent = l.UseAgent
	session, err := l.Dialer.Dial(ctx, t)
	if err != nil {
		lg.Error().Err(err).Msg("Error launch Ctxt agent on node")
		return remote
	}
	remote.Session = session

	if !node.Master {
		if err := l.stage(ctx, session); err != nil {
			lg.Error().Err(err).Msg("Error launch Ctxt agent on node")
			return remote
		}
	}

	out, err := session.Run(ctx, l.Command(opts.VaultPass))
	if err != nil {
		lg.Error().Err(err).Msg("Error launch Ctxt agent on node")
		return remote
	}
	pid := strings.TrimSpace(out.Stdout)
	if _, err := strconv.Atoi(pid); err != nil {
		lg.Error().Str("output", out.Stdout+out.Stderr).Msg("Error launch Ctxt agent on node: no process id")
		return remote
	}
	remote.PID = pid
	lg.Info().Str("pid", pid).Msg("Ctxt agent launched")
	return remote
}

// stage copies the node config, and the agent binary when the node lacks
// it, to the paths the remote command uses.
func (l *Launcher) stage(ctx context.Context, session ssh.Session) error {
	out, err := session.Run(ctx, "mkdir -p "+shell.Quote(l.NodeDir))
	if err != nil {
		return fmt.Errorf("create %s: %w", l.NodeDir, err)
	}
	if out.Code != 0 {
		return fmt.Errorf("create %s: exit status %d", l.NodeDir, out.Code)
	}
	if err := session.UploadFile(l.NodePath, l.NodePath); err != nil {
		return fmt.Errorf("upload node config: %w", err)
	}

	out, err = session.Run(ctx, "test -x "+shell.Quote(l.AgentPath))
	if err == nil && out.Code == 0 {
		return nil
	}
	self, err := l.Self()
	if err != nil {
		return fmt.Errorf("locate agent binary: %w", err)
	}
	if err := session.UploadFile(self, l.AgentPath); err != nil {
		return fmt.Errorf("upload agent binary: %w", err)
	}
	if err := session.Chmod(l.AgentPath, 0o755); err != nil {
		return fmt.Errorf("chmod agent binary: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Await polls the remote process until it exits and returns the OK flag
// of the sentinel it shipped back. The process is only checked every
// CheckStep polls, or on every poll once the sentinel has arrived.
func (l *Launcher) Await(ctx context.Context, r Remote) bool {
	if r.Session != nil {
		defer r.Session.Close()
	}
	if r.PID == "" {
		return false
	}
	lg := l.Log.With().Str("pid", r.PID).Logger()
	if r.Node != nil {
		lg = log.WithNode(lg, r.Node.ID)
	}

	step := l.CheckStep
	if step <= 0 {
		step = 1
	}
	err := poll.Loop{Clock: l.Clock, Interval: l.Poll, Bound: l.Bound}.Run(ctx,
		func(ctx context.Context, attempt int) poll.Status {
			arrived := fileExists(l.OutPath)
			if attempt%step != 0 && !arrived {
				return poll.Pending
			}
			lg.Debug().Msg("Check status of remote process")
			metrics.RemotePolls.Inc()
			out, err := r.Session.Run(ctx, "ps "+r.PID)
			if err != nil {
				if arrived {
					return poll.Done
				}
				lg.Warn().Err(err).Msg("Error checking the remote process")
				return poll.Pending
			}
			if out.Code != 0 {
				return poll.Done
			}
			return poll.Pending
		})
	if err != nil {
		lg.Error().Err(err).Msg("Error waiting for the remote process")
		return false
	}

	data, err := os.ReadFile(l.OutPath)
	if err != nil {
		lg.Error().Err(err).Str("path", l.OutPath).Msg("Result file does not exist")
		return false
	}
	res := types.NewTaskResult()
	if err := json.Unmarshal(data, res); err != nil {
		lg.Error().Err(err).Str("path", l.OutPath).Msg("Error parsing result file")
		return false
	}
	return res.OK
}
