package inventory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hosts = `[front]
8.8.8.1_22 ansible_host=8.8.8.1 ansible_port=22 ansible_connection=local
[wn]
8.8.8.2_22 ansible_host=8.8.8.2 ansible_ssh_host=8.8.8.2 ansible_port=22
`

func newFile(t *testing.T) File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(path, []byte(hosts), 0o644))
	return File{Path: path}
}

func read(t *testing.T, f File) string {
	t.Helper()
	data, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	return string(data)
}

func TestSetLocalMovesMarker(t *testing.T) {
	f := newFile(t)
	require.NoError(t, f.SetLocal("8.8.8.2_22"))

	assert.Equal(t, `[front]
8.8.8.1_22 ansible_host=8.8.8.1 ansible_port=22
[wn]
8.8.8.2_22 ansible_host=8.8.8.2 ansible_ssh_host=8.8.8.2 ansible_port=22 ansible_connection=local
`, read(t, f))

	// Applying twice does not duplicate the marker.
	require.NoError(t, f.SetLocal("8.8.8.2_22"))
	assert.Equal(t, 1, strings.Count(read(t, f), LocalMarker))
}

func TestSetLocalMatchesWholeHostName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(path, []byte(`[wn]
10.0.0.1_22 ansible_host=10.0.0.1 ansible_port=22 
10.0.0.1_2222 ansible_host=10.0.0.1 ansible_port=2222 
110.0.0.1_22 ansible_host=110.0.0.1 ansible_port=22 
`), 0o644))
	f := File{Path: path}

	require.NoError(t, f.SetLocal("10.0.0.1_22"))
	assert.Equal(t, `[wn]
10.0.0.1_22 ansible_host=10.0.0.1 ansible_port=22 ansible_connection=local
10.0.0.1_2222 ansible_host=10.0.0.1 ansible_port=2222 
110.0.0.1_22 ansible_host=110.0.0.1 ansible_port=22 
`, read(t, f))
}

func TestReplaceHost(t *testing.T) {
	f := newFile(t)
	require.NoError(t, f.ReplaceHost("8.8.8.2", "10.0.0.2"))

	assert.Equal(t, `[front]
8.8.8.1_22 ansible_host=8.8.8.1 ansible_port=22 ansible_connection=local
[wn]
8.8.8.2_22 ansible_host=10.0.0.2 ansible_ssh_host=10.0.0.2 ansible_port=22
`, read(t, f))
}

func TestMissingInventory(t *testing.T) {
	f := File{Path: filepath.Join(t.TempDir(), "nope")}
	assert.Error(t, f.SetLocal("x"))
	assert.Error(t, f.ReplaceHost("a", "b"))
}
