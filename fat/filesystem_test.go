package fat_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/importantchoice/fishy/errs"
	"github.com/importantchoice/fishy/testutil"
)

func TestResolveNestedPath(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	sub, err := b.CreateDir(b.RootCluster(), "DOCS")
	require.NoError(t, err)
	_, err = b.CreateFile(sub, "REPORT.TXT", []byte("contents"))
	require.NoError(t, err)

	dirent, err := b.FS.ResolveFile("/DOCS/REPORT.TXT")
	require.NoError(t, err)
	assert.EqualValues(t, 8, dirent.Size)
}

func TestResolveMissingPath(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	_, err = b.FS.Resolve("/NOPE.TXT")
	assert.True(t, errs.IsKind(err, errs.PathNotFound))
}

func TestResolveFileOnDirectoryFails(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	_, err = b.CreateDir(b.RootCluster(), "SUBDIR")
	require.NoError(t, err)

	_, err = b.FS.ResolveFile("/SUBDIR")
	assert.True(t, errs.IsKind(err, errs.NotARegularFile))
}

func TestListFilesRecursive(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	sub, err := b.CreateDir(b.RootCluster(), "DOCS")
	require.NoError(t, err)
	_, err = b.CreateFile(sub, "A.TXT", []byte("a"))
	require.NoError(t, err)
	_, err = b.CreateFile(sub, "B.TXT", []byte("b"))
	require.NoError(t, err)
	_, err = b.CreateFile(b.RootCluster(), "TOP.TXT", []byte("top"))
	require.NoError(t, err)

	files, err := b.FS.ListFilesRecursive("/")
	require.NoError(t, err)

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	assert.ElementsMatch(t, []string{"/DOCS/A.TXT", "/DOCS/B.TXT", "/TOP.TXT"}, paths)
}

func TestResolveFAT32RootDirectory(t *testing.T) {
	b, err := testutil.NewFAT32Volume()
	require.NoError(t, err)

	_, err = b.CreateFile(b.RootCluster(), "FILE32.TXT", []byte("thirty two"))
	require.NoError(t, err)

	dirent, err := b.FS.ResolveFile("/FILE32.TXT")
	require.NoError(t, err)
	assert.EqualValues(t, 10, dirent.Size)
}
