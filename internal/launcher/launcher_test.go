package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eniac111/ctxtagent/internal/clock"
	"github.com/eniac111/ctxtagent/internal/log"
	"github.com/eniac111/ctxtagent/internal/ssh"
	"github.com/eniac111/ctxtagent/internal/ssh/sshtest"
	"github.com/eniac111/ctxtagent/internal/types"
)

func testLauncher(t *testing.T, dialer ssh.Dialer) (*Launcher, *clock.FakeClock) {
	t.Helper()
	dir := t.TempDir()
	fake := clock.Fake(time.Unix(0, 0))
	return &Launcher{
		Dialer:      dialer,
		Clock:       fake,
		Self:        func() (string, error) { return "/usr/local/bin/ctxt-agent", nil },
		FleetPath:   "/var/tmp/ctxt/general.json",
		NodePath:    filepath.Join(dir, "node.json"),
		NodeDir:     dir,
		AgentPath:   "/var/tmp/ctxt/ctxt-agent",
		OutPath:     filepath.Join(dir, "ctxt_agent.out"),
		DialTimeout: time.Second,
		Poll:        2 * time.Second,
		CheckStep:   10,
		Bound:       time.Hour,
		Log:         log.Nop(),
	}, fake
}

func worker() *types.NodeRecord {
	return &types.NodeRecord{ID: "1", OS: types.OSLinux, IP: "8.8.8.2", User: "cloudadm",
		Password: "initial", NewPassword: "rotated"}
}

func TestCommand(t *testing.T) {
	l, _ := testLauncher(t, nil)
	cmd := l.Command("")
	assert.True(t, strings.HasPrefix(cmd, "nohup /var/tmp/ctxt/ctxt-agent /var/tmp/ctxt/general.json "))
	assert.Contains(t, cmd, " 1 > "+filepath.Join(l.NodeDir, "stdout")+" 2> "+filepath.Join(l.NodeDir, "stderr"))
	assert.True(t, strings.HasSuffix(cmd, "< /dev/null & echo -n $!"))

	assert.True(t, strings.HasPrefix(l.Command("s3cr'et"), `export VAULT_PASS='s3cr'\''et' && nohup `))
}

func TestLaunchStagesWorker(t *testing.T) {
	dialer := &sshtest.Dialer{Exec: func(_ ssh.Target, cmd string) (ssh.Output, error) {
		switch {
		case strings.HasPrefix(cmd, "test -x"):
			return ssh.Output{Code: 1}, nil
		case strings.Contains(cmd, "nohup"):
			return ssh.Output{Stdout: "4242"}, nil
		}
		return ssh.Output{}, nil
	}}
	l, _ := testLauncher(t, dialer)
	require.NoError(t, os.WriteFile(l.OutPath, []byte(`{"OK":true}`), 0o644))

	r := l.Launch(context.Background(), worker(), Options{ChangedPass: true, KeyFile: "/conf/ansible_key"})
	assert.Equal(t, "4242", r.PID)
	assert.NoFileExists(t, l.OutPath, "stale result removed")

	require.Len(t, dialer.Sessions, 1)
	s := dialer.Sessions[0]
	assert.Equal(t, "rotated", s.Target.Password)
	assert.Equal(t, "/conf/ansible_key", s.Target.KeyPath)
	assert.Equal(t, l.NodePath, s.Uploads[l.NodePath])
	assert.Equal(t, "/usr/local/bin/ctxt-agent", s.Uploads[l.AgentPath])
	assert.Equal(t, os.FileMode(0o755), s.Modes[l.AgentPath])
	assert.Equal(t, "mkdir -p '"+l.NodeDir+"'", s.Commands[0])
}

func TestLaunchMasterSkipsStaging(t *testing.T) {
	dialer := &sshtest.Dialer{Exec: func(ssh.Target, string) (ssh.Output, error) {
		return ssh.Output{Stdout: "17"}, nil
	}}
	l, _ := testLauncher(t, dialer)
	master := worker()
	master.Master = true

	r := l.Launch(context.Background(), master, Options{})
	assert.Equal(t, "17", r.PID)
	s := dialer.Sessions[0]
	assert.Empty(t, s.Uploads)
	require.Len(t, s.Commands, 1)
	assert.Contains(t, s.Commands[0], "nohup")
}

func TestLaunchFailuresYieldNoPID(t *testing.T) {
	tests := []struct {
		name   string
		dialer *sshtest.Dialer
	}{
		{"dial", &sshtest.Dialer{Auth: func(ssh.Target) error { return ssh.ErrAuthentication }}},
		{"upload", &sshtest.Dialer{UploadErr: errors.New("sftp: permission denied")}},
		{"command", &sshtest.Dialer{Exec: func(_ ssh.Target, cmd string) (ssh.Output, error) {
			if strings.Contains(cmd, "nohup") {
				return ssh.Output{Code: -1}, errors.New("session closed")
			}
			return ssh.Output{}, nil
		}}},
		{"no pid", &sshtest.Dialer{Exec: func(ssh.Target, string) (ssh.Output, error) {
			return ssh.Output{Stdout: "bash: nohup: not found"}, nil
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := testLauncher(t, tt.dialer)
			r := l.Launch(context.Background(), worker(), Options{})
			assert.Empty(t, r.PID)
		})
	}
}

func TestAwaitWithoutPIDFailsImmediately(t *testing.T) {
	dialer := &sshtest.Dialer{}
	l, fake := testLauncher(t, dialer)
	session, err := dialer.Dial(context.Background(), ssh.Target{})
	require.NoError(t, err)

	assert.False(t, l.Await(context.Background(), Remote{Session: session}))
	assert.Zero(t, fake.Slept())
	assert.Empty(t, dialer.Commands())
	assert.True(t, dialer.Sessions[0].Closed)
}

// exitAfter simulates a remote process that runs for n status checks and
// optionally ships its sentinel before exiting.
func exitAfter(n int, outPath, sentinel string) func(ssh.Target, string) (ssh.Output, error) {
	var mu sync.Mutex
	checks := 0
	return func(_ ssh.Target, cmd string) (ssh.Output, error) {
		mu.Lock()
		defer mu.Unlock()
		if !strings.HasPrefix(cmd, "ps ") {
			return ssh.Output{}, nil
		}
		checks++
		if checks < n {
			return ssh.Output{Stdout: "PID TTY STAT TIME COMMAND"}, nil
		}
		if sentinel != "" {
			if err := os.WriteFile(outPath, []byte(sentinel), 0o644); err != nil {
				return ssh.Output{}, err
			}
		}
		return ssh.Output{Code: 1}, nil
	}
}

func TestAwaitReadsSentinel(t *testing.T) {
	tests := []struct {
		name     string
		sentinel string
		want     bool
	}{
		{"success", `{"OK": true, "basic": true}`, true},
		{"failure", `{"OK": false, "basic": false}`, false},
		{"missing", "", false},
		{"corrupt", `{"OK": tr`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := &sshtest.Dialer{}
			l, fake := testLauncher(t, dialer)
			dialer.Exec = exitAfter(3, l.OutPath, tt.sentinel)
			session, err := dialer.Dial(context.Background(), ssh.Target{})
			require.NoError(t, err)

			ok := l.Await(context.Background(), Remote{Session: session, PID: "4242"})
			assert.Equal(t, tt.want, ok)
			assert.Equal(t, []string{"ps 4242", "ps 4242", "ps 4242"}, dialer.Commands())
			// Checks only happen every tenth poll while no sentinel is present.
			assert.Equal(t, 58*time.Second, fake.Slept())
		})
	}
}

func TestAwaitChecksEveryPollOnceSentinelArrived(t *testing.T) {
	dialer := &sshtest.Dialer{}
	l, fake := testLauncher(t, dialer)
	require.NoError(t, os.WriteFile(l.OutPath, []byte(`{"OK": true}`), 0o644))
	dialer.Exec = exitAfter(2, l.OutPath, "")
	session, err := dialer.Dial(context.Background(), ssh.Target{})
	require.NoError(t, err)

	assert.True(t, l.Await(context.Background(), Remote{Session: session, PID: "9"}))
	assert.Len(t, dialer.Commands(), 2)
	assert.Equal(t, 2*time.Second, fake.Slept())
}

func TestAwaitBounded(t *testing.T) {
	dialer := &sshtest.Dialer{Exec: func(ssh.Target, string) (ssh.Output, error) {
		return ssh.Output{}, nil
	}}
	l, fake := testLauncher(t, dialer)
	l.Bound = time.Minute
	session, err := dialer.Dial(context.Background(), ssh.Target{})
	require.NoError(t, err)

	assert.False(t, l.Await(context.Background(), Remote{Session: session, PID: "9"}))
	assert.Equal(t, time.Minute, fake.Slept())
}
