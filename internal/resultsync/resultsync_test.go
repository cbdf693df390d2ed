package resultsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eniac111/ctxtagent/internal/log"
	"github.com/eniac111/ctxtagent/internal/probe"
	"github.com/eniac111/ctxtagent/internal/ssh"
	"github.com/eniac111/ctxtagent/internal/ssh/sshtest"
	"github.com/eniac111/ctxtagent/internal/types"
)

type fakeProber struct {
	cred  probe.Credential
	err   error
	calls []probe.Options
}

func (f *fakeProber) WaitSSH(_ context.Context, node *types.NodeRecord, opts probe.Options) (probe.Credential, error) {
	f.calls = append(f.calls, opts)
	if f.err == nil {
		node.ReachableIP = node.PrivateIP
	}
	return f.cred, f.err
}

func fleet() *types.FleetConfig {
	return &types.FleetConfig{Nodes: []*types.NodeRecord{
		{ID: "0", Master: true, IP: "8.8.8.1", PrivateIP: "10.0.0.1", User: "root",
			Password: "initial", NewPassword: "rotated"},
		{ID: "1", IP: "8.8.8.2", User: "root"},
	}}
}

func testSyncer(t *testing.T, prober Prober, dialer ssh.Dialer) *Syncer {
	t.Helper()
	work := t.TempDir()
	mirror := t.TempDir()
	return &Syncer{
		Fleet:         fleet(),
		Prober:        prober,
		Dialer:        dialer,
		KeyFile:       "/conf/ansible_key",
		Probe:         probe.Options{Quiet: true},
		LogPath:       filepath.Join(work, "ctxt_agent.log"),
		OutPath:       filepath.Join(work, "ctxt_agent.out"),
		MirrorLogPath: filepath.Join(mirror, "ctxt_agent.log"),
		MirrorOutPath: filepath.Join(mirror, "ctxt_agent.out"),
		Log:           log.Nop(),
	}
}

func writeArtifacts(t *testing.T, s *Syncer) {
	t.Helper()
	require.NoError(t, os.WriteFile(s.LogPath, []byte("log"), 0o644))
	require.NoError(t, os.WriteFile(s.OutPath, []byte(`{"OK":true}`), 0o644))
}

func TestFinishShipsAndRemoves(t *testing.T) {
	dialer := &sshtest.Dialer{}
	prober := &fakeProber{cred: probe.Rotated}
	s := testSyncer(t, prober, dialer)
	writeArtifacts(t, s)

	require.NoError(t, s.Finish(context.Background()))

	require.Len(t, dialer.Sessions, 1)
	sess := dialer.Sessions[0]
	assert.Equal(t, "10.0.0.1", sess.Target.Host)
	assert.Equal(t, "rotated", sess.Target.Password)
	assert.Equal(t, s.LogPath, sess.Uploads[s.MirrorLogPath])
	assert.Equal(t, s.OutPath, sess.Uploads[s.MirrorOutPath])
	assert.True(t, sess.Closed)
	assert.NoFileExists(t, s.LogPath)
	assert.NoFileExists(t, s.OutPath)
	assert.True(t, prober.calls[0].Quiet)
}

func TestFinishCredentialSelection(t *testing.T) {
	tests := []struct {
		cred     probe.Credential
		password string
		keyPath  string
	}{
		{probe.Initial, "initial", ""},
		{probe.Rotated, "rotated", ""},
		{probe.FallbackKey, "initial", "/conf/ansible_key"},
	}
	for _, tt := range tests {
		t.Run(string(tt.cred), func(t *testing.T) {
			dialer := &sshtest.Dialer{}
			s := testSyncer(t, &fakeProber{cred: tt.cred}, dialer)
			writeArtifacts(t, s)

			require.NoError(t, s.Finish(context.Background()))
			assert.Equal(t, tt.password, dialer.Dials[0].Password)
			assert.Equal(t, tt.keyPath, dialer.Dials[0].KeyPath)
		})
	}
}

func TestFinishMissingArtifact(t *testing.T) {
	s := testSyncer(t, &fakeProber{cred: probe.Initial}, &sshtest.Dialer{})
	require.NoError(t, os.WriteFile(s.LogPath, []byte("log"), 0o644))

	err := s.Finish(context.Background())
	assert.ErrorIs(t, err, ErrArtifactMissing)
	assert.NoFileExists(t, s.LogPath, "log shipped before the sentinel was found missing")
}

func TestFinishErrors(t *testing.T) {
	s := testSyncer(t, &fakeProber{err: probe.ErrUnreachable}, &sshtest.Dialer{})
	writeArtifacts(t, s)
	assert.ErrorIs(t, s.Finish(context.Background()), probe.ErrUnreachable)
	assert.FileExists(t, s.LogPath)

	s = testSyncer(t, &fakeProber{cred: probe.Initial}, &sshtest.Dialer{})
	s.Fleet.Nodes[0].Master = false
	assert.ErrorIs(t, s.Finish(context.Background()), ErrNoMaster)

	s = testSyncer(t, &fakeProber{cred: probe.Initial}, &sshtest.Dialer{UploadErr: errors.New("sftp: no space left")})
	writeArtifacts(t, s)
	assert.Error(t, s.Finish(context.Background()))
	assert.FileExists(t, s.OutPath)
}

func TestShipLogReusesSession(t *testing.T) {
	dialer := &sshtest.Dialer{}
	prober := &fakeProber{cred: probe.Initial}
	s := testSyncer(t, prober, dialer)
	writeArtifacts(t, s)

	require.NoError(t, s.ShipLog(context.Background()))
	require.NoError(t, s.ShipLog(context.Background()))
	assert.Equal(t, 1, dialer.DialCount())
	assert.Len(t, prober.calls, 1)
	assert.FileExists(t, s.LogPath)

	require.NoError(t, s.Close())
	assert.True(t, dialer.Sessions[0].Closed)
}
