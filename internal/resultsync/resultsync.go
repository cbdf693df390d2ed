// Package resultsync ships a worker's log and sentinel back to the
// master node.
package resultsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eniac111/ctxtagent/internal/config"
	"github.com/eniac111/ctxtagent/internal/log"
	"github.com/eniac111/ctxtagent/internal/probe"
	"github.com/eniac111/ctxtagent/internal/ssh"
	"github.com/eniac111/ctxtagent/internal/types"
)

var (
	// ErrArtifactMissing is returned when a file to ship does not exist.
	ErrArtifactMissing = errors.New("artifact missing")
	// ErrNoMaster is returned when the fleet has no master node.
	ErrNoMaster = errors.New("no master node in fleet")
)

// Prober finds the credential that currently opens the master.
type Prober interface {
	WaitSSH(ctx context.Context, node *types.NodeRecord, opts probe.Options) (probe.Credential, error)
}

// Syncer holds one session to the master, opened on first use.
type Syncer struct {
	Fleet  *types.FleetConfig
	Prober Prober
	Dialer ssh.Dialer

	KeyFile     string
	UseAgent    bool
	DialTimeout time.Duration
	// Probe bounds the quick reachability check of the master.
	Probe probe.Options

	LogPath       string
	OutPath       string
	MirrorLogPath string
	MirrorOutPath string

	Log zerolog.Logger

	mu      sync.Mutex
	session ssh.Session
}

// New returns a Syncer configured from the run context.
func New(rc *config.RunContext, prober Prober, dialer ssh.Dialer) *Syncer {
	return &Syncer{
		Fleet:       rc.Fleet,
		Prober:      prober,
		Dialer:      dialer,
		KeyFile:     rc.KeyFile,
		UseAgent:    rc.UseAgent,
		DialTimeout: rc.Timeouts.Dial,
		Probe: probe.Options{
			Interval: rc.Timeouts.MasterProbeInterval,
			Bound:    rc.Timeouts.MasterProbeBound,
			Quiet:    true,
		},
		LogPath:       rc.LogPath(),
		OutPath:       rc.OutPath(),
		MirrorLogPath: rc.MirrorLogPath(),
		MirrorOutPath: rc.MirrorOutPath(),
		Log:           log.WithComponent(rc.Log, "resultsync"),
	}
}

func (s *Syncer) master(ctx context.Context) (ssh.Session, error) {
	if s.session != nil {
		return s.session, nil
	}
	node := s.Fleet.Master()
	if node == nil {
		return nil, ErrNoMaster
	}

	cred, err := s.Prober.WaitSSH(ctx, node, s.Probe)
	if err != nil {
		return nil, fmt.Errorf("reach master %s: %w", node.ID, err)
	}
	keyFile := ""
	if cred == probe.FallbackKey {
		keyFile = s.KeyFile
	}
	t := ssh.TargetFor(node, cred == probe.Rotated, keyFile, s.DialTimeout)
	t.UseAgent = s.UseAgent
	session, err := s.Dialer.Dial(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("connect to master %s: %w", node.ID, err)
	}
	s.session = session
	return session, nil
}

// drop forgets a session that failed so the next call reconnects.
func (s *Syncer) drop() {
	if s.session != nil {
		_ = s.session.Close()
		s.session = nil
	}
}

// ShipLog copies the in-progress log to the master.
func (s *Syncer) ShipLog(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.master(ctx)
	if err != nil {
		return err
	}
	if err := session.UploadFile(s.LogPath, s.MirrorLogPath); err != nil {
		s.drop()
		return fmt.Errorf("put %s: %w", s.LogPath, err)
	}
	return nil
}

// Finish uploads the log and the sentinel to the master and removes the
// local copies. Any missing artifact fails the sync.
func (s *Syncer) Finish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.drop()

	session, err := s.master(ctx)
	if err != nil {
		return err
	}
	for _, f := range []struct{ local, remote string }{
		{s.LogPath, s.MirrorLogPath},
		{s.OutPath, s.MirrorOutPath},
	} {
		if _, err := os.Stat(f.local); err != nil {
			return fmt.Errorf("%s: %w", f.local, ErrArtifactMissing)
		}
		if err := session.UploadFile(f.local, f.remote); err != nil {
			return fmt.Errorf("put %s: %w", f.local, err)
		}
		if err := os.Remove(f.local); err != nil {
			return fmt.Errorf("remove %s: %w", f.local, err)
		}
		s.Log.Debug().Str("path", f.remote).Msg("Result copied to the master")
	}
	return nil
}

// Close releases the master session, if any.
func (s *Syncer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop()
	return nil
}
