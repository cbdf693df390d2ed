// Package sshtest provides an in-memory ssh.Dialer for tests.
package sshtest

import (
	"context"
	"os"
	"sync"

	"github.com/eniac111/ctxtagent/internal/ssh"
)

// Dialer records every dial and hands out recording sessions.
type Dialer struct {
	mu sync.Mutex

	// Auth decides each dial: nil accepts, an error is returned as is.
	// A nil Auth accepts everything.
	Auth func(t ssh.Target) error
	// Exec answers commands run on any session. A nil Exec answers every
	// command with exit status 0 and no output.
	Exec func(t ssh.Target, cmd string) (ssh.Output, error)
	// UploadErr, when set, fails every upload.
	UploadErr error

	Dials    []ssh.Target
	Sessions []*Session
}

var _ ssh.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(_ context.Context, t ssh.Target) (ssh.Session, error) {
	d.mu.Lock()
	d.Dials = append(d.Dials, t)
	auth := d.Auth
	d.mu.Unlock()

	if auth != nil {
		if err := auth(t); err != nil {
			return nil, err
		}
	}
	s := &Session{
		Target:  t,
		dialer:  d,
		Uploads: make(map[string]string),
		Bytes:   make(map[string][]byte),
		Dirs:    make(map[string]string),
		Modes:   make(map[string]os.FileMode),
	}
	d.mu.Lock()
	d.Sessions = append(d.Sessions, s)
	d.mu.Unlock()
	return s, nil
}

// DialCount returns the number of dials so far.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Dials)
}

// Commands returns every command run on every session, in order.
func (d *Dialer) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var cmds []string
	for _, s := range d.Sessions {
		cmds = append(cmds, s.Commands...)
	}
	return cmds
}

// Session records what was done over it.
type Session struct {
	Target   ssh.Target
	dialer   *Dialer
	Commands []string
	PTY      []bool
	// Uploads maps remote path to local source path.
	Uploads map[string]string
	Bytes   map[string][]byte
	// Dirs maps remote dir to local source dir.
	Dirs   map[string]string
	Modes  map[string]os.FileMode
	Closed bool
}

func (s *Session) Password() string { return s.Target.Password }

func (s *Session) Run(ctx context.Context, cmd string) (ssh.Output, error) {
	return s.run(ctx, cmd, false)
}

func (s *Session) RunPTY(ctx context.Context, cmd string) (ssh.Output, error) {
	return s.run(ctx, cmd, true)
}

func (s *Session) run(_ context.Context, cmd string, tty bool) (ssh.Output, error) {
	s.dialer.mu.Lock()
	s.Commands = append(s.Commands, cmd)
	s.PTY = append(s.PTY, tty)
	exec := s.dialer.Exec
	s.dialer.mu.Unlock()
	if exec == nil {
		return ssh.Output{}, nil
	}
	return exec(s.Target, cmd)
}

func (s *Session) UploadFile(localPath, remotePath string) error {
	s.dialer.mu.Lock()
	defer s.dialer.mu.Unlock()
	if s.dialer.UploadErr != nil {
		return s.dialer.UploadErr
	}
	s.Uploads[remotePath] = localPath
	return nil
}

func (s *Session) UploadBytes(data []byte, remotePath string, mode os.FileMode) error {
	s.dialer.mu.Lock()
	defer s.dialer.mu.Unlock()
	if s.dialer.UploadErr != nil {
		return s.dialer.UploadErr
	}
	s.Bytes[remotePath] = append([]byte(nil), data...)
	s.Modes[remotePath] = mode
	return nil
}

func (s *Session) UploadDir(localDir, remoteDir string) error {
	s.dialer.mu.Lock()
	defer s.dialer.mu.Unlock()
	if s.dialer.UploadErr != nil {
		return s.dialer.UploadErr
	}
	s.Dirs[remoteDir] = localDir
	return nil
}

func (s *Session) Chmod(remotePath string, mode os.FileMode) error {
	s.dialer.mu.Lock()
	defer s.dialer.mu.Unlock()
	s.Modes[remotePath] = mode
	return nil
}

func (s *Session) Close() error {
	s.dialer.mu.Lock()
	defer s.dialer.mu.Unlock()
	s.Closed = true
	return nil
}
