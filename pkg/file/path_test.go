package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureParentDir(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "nested", "deep", "state.db")

	require.NoError(t, EnsureParentDir(target))

	info, err := os.Stat(filepath.Dir(target))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEnsureParentDir_BareFilename(t *testing.T) {
	require.NoError(t, EnsureParentDir("state.db"))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "cache", "media.db"), ExpandHome("~/cache/media.db"))
	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, "/var/lib/media.db", ExpandHome("/var/lib/media.db"))
	assert.Equal(t, "relative/media.db", ExpandHome("relative/media.db"))
}
