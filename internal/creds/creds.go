// Package creds rotates the provisioning credentials of a node and
// prepares sudo for unattended use.
package creds

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eniac111/ctxtagent/internal/config"
	"github.com/eniac111/ctxtagent/internal/log"
	"github.com/eniac111/ctxtagent/internal/metrics"
	"github.com/eniac111/ctxtagent/internal/shell"
	"github.com/eniac111/ctxtagent/internal/ssh"
	"github.com/eniac111/ctxtagent/internal/types"
	"github.com/eniac111/ctxtagent/internal/winrm"
)

// okSentinel is echoed by the password change command once chpasswd
// succeeded.
const okSentinel = "OK"

// commandTimeout bounds the key append and the sudoers edit.
const commandTimeout = 5 * time.Second

// Rotator applies pending passwords and keys to nodes. A record is only
// promoted after the node confirmed the change.
type Rotator struct {
	Dialer      ssh.Dialer
	WinRM       winrm.Runner
	DialTimeout time.Duration
	UseAgent    bool
	Log         zerolog.Logger
}

// New returns a Rotator configured from the run context.
func New(rc *config.RunContext, dialer ssh.Dialer, wr winrm.Runner) *Rotator {
	return &Rotator{
		Dialer:      dialer,
		WinRM:       wr,
		DialTimeout: rc.Timeouts.Dial,
		UseAgent:    rc.UseAgent,
		Log:         log.WithComponent(rc.Log, "creds"),
	}
}

func (r *Rotator) dial(ctx context.Context, node *types.NodeRecord, rotated bool, keyFile string) (ssh.Session, error) {
	t := ssh.TargetFor(node, rotated, keyFile, r.DialTimeout)
	t.UseAgent = r.UseAgent
	return r.Dialer.Dial(ctx, t)
}

func sudoPrefix(s ssh.Session) string {
	if s.Password() == "" {
		return ""
	}
	return "echo " + shell.Quote(s.Password()) + " | "
}

// Rotate applies the pending password, or else the pending key pair, of
// node. keyFile, when set, replaces the node's key material to open the
// session. It reports whether a credential was changed.
func (r *Rotator) Rotate(ctx context.Context, node *types.NodeRecord, keyFile string) bool {
	if node.IsWindows() {
		return r.rotateWindows(ctx, node)
	}
	if node.Password != "" && node.NewPassword != "" {
		ok := r.rotatePassword(ctx, node, keyFile)
		metrics.CredentialRotations.WithLabelValues("password", metrics.Result(ok)).Inc()
		return ok
	}
	if node.NewPublicKey != "" && node.NewPrivateKey != "" {
		ok := r.rotateKey(ctx, node, keyFile)
		metrics.CredentialRotations.WithLabelValues("key", metrics.Result(ok)).Inc()
		return ok
	}
	return false
}

func (r *Rotator) rotatePassword(ctx context.Context, node *types.NodeRecord, keyFile string) bool {
	l := r.Log.With().Str("node_id", node.ID).Logger()
	l.Info().Str("address", node.Address()).Msg("Changing password")

	session, err := r.dial(ctx, node, false, keyFile)
	if err != nil {
		l.Error().Err(err).Msg("Error changing password")
		return false
	}
	defer session.Close()

	inner := "echo " + shell.Quote(node.User+":"+node.NewPassword) +
		" | /usr/sbin/chpasswd && echo " + okSentinel
	out, err := session.Run(ctx, sudoPrefix(session)+"sudo -S bash -c "+shell.Quote(inner)+" 2> /dev/null")
	if err != nil {
		l.Error().Err(err).Msg("Error changing password")
		return false
	}
	if out.Code != 0 || !strings.Contains(out.Stdout, okSentinel) {
		l.Error().Int("code", out.Code).Str("output", out.Stdout+out.Stderr).Msg("Error changing password")
		return false
	}

	node.Password = node.NewPassword
	return true
}

func (r *Rotator) rotateKey(ctx context.Context, node *types.NodeRecord, keyFile string) bool {
	l := r.Log.With().Str("node_id", node.ID).Logger()
	l.Info().Str("address", node.Address()).Msg("Changing public key")

	session, err := r.dial(ctx, node, false, keyFile)
	if err != nil {
		l.Error().Err(err).Msg("Error changing public key")
		return false
	}
	defer session.Close()

	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	out, err := session.Run(runCtx, "mkdir -p .ssh && echo "+shell.Quote(strings.TrimSpace(node.NewPublicKey))+
		" >> .ssh/authorized_keys")
	if err != nil {
		l.Error().Err(err).Msg("Error changing public key")
		return false
	}
	if out.Code != 0 {
		l.Error().Int("code", out.Code).Str("output", out.Stdout+out.Stderr).Msg("Error changing public key")
		return false
	}

	node.PrivateKey = node.NewPrivateKey
	return true
}

// rotateWindows changes the password with "net user". The WinRM listener
// answers that call with HTTP 401 once the password has changed under it,
// so a 401 is confirmed by authenticating with the new password.
func (r *Rotator) rotateWindows(ctx context.Context, node *types.NodeRecord) bool {
	if node.Password == "" || node.NewPassword == "" {
		return false
	}
	if r.WinRM == nil {
		r.Log.Error().Str("node_id", node.ID).Msg("No WinRM client to change the password")
		return false
	}
	l := r.Log.With().Str("node_id", node.ID).Logger()
	ep := winrm.Endpoint{Host: node.Address(), Port: node.Port(), User: node.User, Password: node.Password}

	ok := false
	code, out, err := r.WinRM.Run(ctx, ep, "net", "user", node.User, node.NewPassword)
	switch {
	case err == nil && code == 0:
		ok = true
	case err == nil:
		l.Error().Int("code", code).Str("output", out).Msg("Error changing password to Windows VM")
	case errors.Is(err, winrm.ErrUnauthorized):
		ep.Password = node.NewPassword
		code, out, err = r.WinRM.Run(ctx, ep, "echo", okSentinel)
		if err == nil && code == 0 {
			ok = true
		} else {
			l.Error().Err(err).Int("code", code).Str("output", out).Msg("Error changing password to Windows VM")
		}
	default:
		l.Error().Err(err).Msg("Error changing password to Windows VM")
	}

	metrics.CredentialRotations.WithLabelValues("winrm", metrics.Result(ok)).Inc()
	if ok {
		node.Password = node.NewPassword
	}
	return ok
}

// RemoveRequiretty comments out the sudoers "requiretty" default that
// blocks sudo without a terminal. It is a no-op on the master.
func (r *Rotator) RemoveRequiretty(ctx context.Context, node *types.NodeRecord, rotated bool, keyFile string) bool {
	if node.Master {
		return true
	}
	l := r.Log.With().Str("node_id", node.ID).Logger()
	l.Info().Str("address", node.Address()).Msg("Removing requiretty")

	session, err := r.dial(ctx, node, rotated, keyFile)
	if err != nil {
		l.Error().Err(err).Msg("Error removing requiretty")
		return false
	}
	defer session.Close()

	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	out, err := session.RunPTY(runCtx, sudoPrefix(session)+
		`sudo -S sed -i 's/.*requiretty$/#Defaults requiretty/' /etc/sudoers`)
	if err != nil {
		l.Error().Err(err).Msg("Error removing requiretty")
		return false
	}
	l.Debug().Str("output", out.Stdout+out.Stderr).Msg("requiretty output")
	return out.Code == 0
}
