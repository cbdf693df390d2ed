// Package probe waits for nodes to become reachable and discovers which
// address and which credential variant reach them.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/eniac111/ctxtagent/internal/clock"
	"github.com/eniac111/ctxtagent/internal/config"
	"github.com/eniac111/ctxtagent/internal/log"
	"github.com/eniac111/ctxtagent/internal/metrics"
	"github.com/eniac111/ctxtagent/internal/poll"
	"github.com/eniac111/ctxtagent/internal/ssh"
	"github.com/eniac111/ctxtagent/internal/types"
)

// Credential names the credential path that opened a session.
type Credential string

const (
	None        Credential = ""
	Initial     Credential = "initial"
	Rotated     Credential = "rotated"
	FallbackKey Credential = "fallback-key"
)

// ErrUnreachable wraps poll.ErrTimeout when no address/credential pair
// worked within the bound.
var ErrUnreachable = fmt.Errorf("node unreachable: %w", poll.ErrTimeout)

// Options bound one wait.
type Options struct {
	Interval    time.Duration
	Bound       time.Duration
	DialTimeout time.Duration
	// Quiet suppresses per-attempt debug logs.
	Quiet bool
}

// Prober polls nodes until SSH (or, for windows nodes, the management
// port) answers.
type Prober struct {
	Dialer ssh.Dialer
	// DialTCP checks plain reachability of addr ("host:port").
	DialTCP  func(ctx context.Context, addr string, timeout time.Duration) error
	Clock    clock.Clock
	KeyFile  string
	UseAgent bool
	Defaults Options
	Log      zerolog.Logger
}

// New returns a Prober configured from the run context.
func New(rc *config.RunContext, dialer ssh.Dialer) *Prober {
	return &Prober{
		Dialer:   dialer,
		DialTCP:  dialTCP,
		Clock:    clock.Real(),
		KeyFile:  rc.KeyFile,
		UseAgent: rc.UseAgent,
		Defaults: Options{
			Interval:    rc.Timeouts.ProbeInterval,
			Bound:       rc.Timeouts.SSHWait,
			DialTimeout: rc.Timeouts.Dial,
		},
		Log: log.WithComponent(rc.Log, "probe"),
	}
}

func dialTCP(ctx context.Context, addr string, timeout time.Duration) error {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// addressPicker yields the address of each iteration: the cached one if
// any, else private and public in turn.
type addressPicker struct {
	triedPrivate bool
}

func (a *addressPicker) next(n *types.NodeRecord) string {
	if n.ReachableIP != "" {
		return n.ReachableIP
	}
	if n.PrivateIP != "" && !a.triedPrivate {
		a.triedPrivate = true
		return n.PrivateIP
	}
	a.triedPrivate = false
	return n.IP
}

func (p *Prober) options(o Options) Options {
	if o.Interval <= 0 {
		o.Interval = p.Defaults.Interval
	}
	if o.Bound <= 0 {
		o.Bound = p.Defaults.Bound
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = p.Defaults.DialTimeout
	}
	if o.DialTimeout <= 0 || o.DialTimeout > o.Interval {
		o.DialTimeout = o.Interval
	}
	return o
}

// Wait probes node with the protocol its OS class calls for. Windows
// nodes report Initial on success since WinRM authenticates later.
func (p *Prober) Wait(ctx context.Context, node *types.NodeRecord, opts Options) (Credential, error) {
	if node.IsWindows() {
		if err := p.WaitTCP(ctx, node, opts); err != nil {
			return None, err
		}
		return Initial, nil
	}
	return p.WaitSSH(ctx, node, opts)
}

// WaitSSH polls node until a session opens. On success the working
// address is cached on the record and the credential path is returned.
func (p *Prober) WaitSSH(ctx context.Context, node *types.NodeRecord, opts Options) (Credential, error) {
	opts = p.options(opts)
	var picker addressPicker
	cred := None

	err := poll.Loop{Clock: p.Clock, Interval: opts.Interval, Bound: opts.Bound}.Run(ctx,
		func(ctx context.Context, _ int) poll.Status {
			addr := picker.next(node)
			if !opts.Quiet {
				p.Log.Debug().Str("address", addr).Int("port", node.Port()).Msg("Testing SSH access")
			}
			c := p.attempt(ctx, node, addr, opts)
			if c == None {
				return poll.Pending
			}
			node.ReachableIP = addr
			cred = c
			return poll.Done
		})
	if err != nil {
		if errors.Is(err, poll.ErrTimeout) {
			return None, fmt.Errorf("%s: %w", node.ID, ErrUnreachable)
		}
		return None, err
	}
	return cred, nil
}

// attempt tries, at one address: the initial credential; on an
// authentication failure the pending password if there is one; and on a
// further authentication failure (or no pending password) the fallback
// key. The initial password is never retried after the pending one.
func (p *Prober) attempt(ctx context.Context, node *types.NodeRecord, addr string, opts Options) Credential {
	target := ssh.Target{
		Host:       addr,
		Port:       node.Port(),
		User:       node.User,
		Password:   node.Password,
		PrivateKey: node.PrivateKey,
		UseAgent:   p.UseAgent,
		Timeout:    opts.DialTimeout,
	}
	err := p.try(ctx, target, Initial)
	if err == nil {
		return Initial
	}
	if !errors.Is(err, ssh.ErrAuthentication) {
		if !opts.Quiet {
			p.Log.Debug().Err(err).Str("address", addr).Msg("SSH not reachable yet")
		}
		return None
	}

	tryFallback := true
	if node.NewPassword != "" {
		tryFallback = false
		if !opts.Quiet {
			p.Log.Debug().Str("address", addr).Msg("Initial credentials rejected, trying the new ones")
		}
		target.Password = node.NewPassword
		err = p.try(ctx, target, Rotated)
		if err == nil {
			return Rotated
		}
		tryFallback = errors.Is(err, ssh.ErrAuthentication)
	}

	if tryFallback && p.KeyFile != "" {
		if !opts.Quiet {
			p.Log.Debug().Str("address", addr).Msg("Credentials rejected, trying the fallback key")
		}
		fallback := ssh.Target{
			Host:     addr,
			Port:     node.Port(),
			User:     node.User,
			KeyPath:  p.KeyFile,
			UseAgent: p.UseAgent,
			Timeout:  opts.DialTimeout,
		}
		if err = p.try(ctx, fallback, FallbackKey); err == nil {
			return FallbackKey
		}
	}
	if !opts.Quiet {
		p.Log.Warn().Err(err).Str("address", addr).Msg("Error connecting with SSH")
	}
	return None
}

// try dials once. Every dial gets the full dial timeout of its own.
func (p *Prober) try(ctx context.Context, t ssh.Target, cred Credential) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()
	session, err := p.Dialer.Dial(dialCtx, t)
	metrics.ProbeAttempts.WithLabelValues(string(cred), metrics.Result(err == nil)).Inc()
	if err != nil {
		return err
	}
	return session.Close()
}

// WaitTCP polls until the node's remote port accepts a TCP connection,
// with the same address order as WaitSSH and no credential logic.
func (p *Prober) WaitTCP(ctx context.Context, node *types.NodeRecord, opts Options) error {
	opts = p.options(opts)
	var picker addressPicker

	err := poll.Loop{Clock: p.Clock, Interval: opts.Interval, Bound: opts.Bound}.Run(ctx,
		func(ctx context.Context, _ int) poll.Status {
			addr := picker.next(node)
			hostPort := net.JoinHostPort(addr, strconv.Itoa(node.Port()))
			p.Log.Debug().Str("address", hostPort).Msg("Testing WinRM access")
			err := p.DialTCP(ctx, hostPort, opts.DialTimeout)
			metrics.ProbeAttempts.WithLabelValues("tcp", metrics.Result(err == nil)).Inc()
			if err != nil {
				p.Log.Debug().Err(err).Str("address", hostPort).Msg("Management port not reachable yet")
				return poll.Pending
			}
			node.ReachableIP = addr
			return poll.Done
		})
	if errors.Is(err, poll.ErrTimeout) {
		return fmt.Errorf("%s: %w", node.ID, ErrUnreachable)
	}
	return err
}
