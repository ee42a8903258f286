package helpers

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContained(t *testing.T) {
	for _, rel := range []string{".", "data", "x/../y", "a/b/c"} {
		assert.NoError(t, Contained(rel), rel)
	}
	for _, rel := range []string{"..", "../b", "x/../../etc"} {
		assert.ErrorIs(t, Contained(rel), ErrPathEscapes, rel)
	}
}

func TestInRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "abs")))
	require.NoError(t, os.Symlink("../../..", filepath.Join(root, "rel")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "var", "db"), 0755))

	tests := []struct {
		path string
		want string
	}{
		{path: "data", want: filepath.Join(root, "data")},
		{path: "/var/db", want: filepath.Join(root, "var", "db")},
		{path: "x/../../../etc", want: filepath.Join(root, "etc")},
		{path: "/abs/pwned", want: filepath.Join(root, outside, "pwned")},
		{path: "rel/etc/passwd", want: filepath.Join(root, "etc", "passwd")},
	}

	for _, tt := range tests {
		got, err := InRoot(root, tt.path)
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestCopyTreeFollowsLinksInsideRoot(t *testing.T) {
	src := t.TempDir()
	root := t.TempDir()
	outside := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(src, "conf"), 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(src, "conf", "app.conf"), []byte("port=80"), 0640))
	require.NoError(t, os.Symlink("app.conf", filepath.Join(src, "conf", "current")))

	// dst/conf already exists in root as a link to a host directory
	dst := filepath.Join(root, "srv")
	require.NoError(t, os.MkdirAll(dst, 0755))
	require.NoError(t, os.Symlink(outside, filepath.Join(dst, "conf")))

	require.NoError(t, CopyTree(src, root, dst))

	entries, err := ioutil.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries)

	copied := filepath.Join(root, outside, "app.conf")
	data, err := ioutil.ReadFile(copied)
	require.NoError(t, err)
	assert.Equal(t, "port=80", string(data))
	info, err := os.Stat(copied)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())

	link, err := os.Readlink(filepath.Join(root, outside, "current"))
	require.NoError(t, err)
	assert.Equal(t, "app.conf", link)
}
