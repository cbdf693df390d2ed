package ssh

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/eniac111/ctxtagent/internal/types"
)

func TestEnsureKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "ansible_key")

	created, err := EnsureKeyFile(path)
	require.NoError(t, err)
	assert.True(t, created)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	priv, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = ssh.ParsePrivateKey(priv)
	require.NoError(t, err)

	pub, err := os.ReadFile(path + ".pub")
	require.NoError(t, err)
	_, comment, _, _, err := ssh.ParseAuthorizedKey(pub)
	require.NoError(t, err)
	assert.Equal(t, KeyComment, comment)

	created, err = EnsureKeyFile(path)
	require.NoError(t, err)
	assert.False(t, created, "existing key must be reused")

	again, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, priv, again)
}

func TestTargetFor(t *testing.T) {
	node := &types.NodeRecord{
		IP:          "1.2.3.4",
		ReachableIP: "10.0.0.4",
		RemotePort:  2222,
		User:        "cloudadm",
		Password:    "old",
		NewPassword: "new",
		PrivateKey:  "PEM",
	}

	initial := TargetFor(node, false, "", time.Second)
	assert.Equal(t, "10.0.0.4", initial.Host)
	assert.Equal(t, 2222, initial.Port)
	assert.Equal(t, "old", initial.Password)
	assert.Equal(t, "PEM", initial.PrivateKey)
	assert.Empty(t, initial.KeyPath)

	rotated := TargetFor(node, true, "/conf/ansible_key", time.Second)
	assert.Equal(t, "new", rotated.Password)
	assert.Equal(t, "/conf/ansible_key", rotated.KeyPath)
	assert.Empty(t, rotated.PrivateKey)
}

func TestAuthMethodsRequireCredential(t *testing.T) {
	_, _, err := authMethods(Target{User: "root"})
	assert.ErrorIs(t, err, ErrAuthentication)

	_, _, err = authMethods(Target{User: "root", PrivateKey: "not a key"})
	assert.Error(t, err)

	methods, agentConn, err := authMethods(Target{User: "root", Password: "secret"})
	require.NoError(t, err)
	assert.Len(t, methods, 2)
	assert.Nil(t, agentConn)
}
