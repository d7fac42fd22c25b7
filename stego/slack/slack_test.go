package slack_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/importantchoice/fishy/errs"
	"github.com/importantchoice/fishy/stego/slack"
	"github.com/importantchoice/fishy/testutil"
)

func TestInspectReportsCapacity(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	_, err = b.CreateFile(b.RootCluster(), "COVER.TXT", []byte("short"))
	require.NoError(t, err)

	info, err := slack.Inspect(b.FS, []string{"/COVER.TXT"})
	require.NoError(t, err)
	assert.EqualValues(t, b.FS.Boot.BytesPerCluster-5, info.TotalCapacity)
	assert.EqualValues(t, b.FS.Boot.BytesPerCluster-5, info.LargestContiguous)
}

func TestWriteReadRoundTrip(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	_, err = b.CreateFile(b.RootCluster(), "COVER.TXT", []byte("short"))
	require.NoError(t, err)

	entries, err := slack.Write(b.FS, []string{"/COVER.TXT"}, []byte("secret payload"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got, err := slack.Read(b.FS, entries)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret payload"), got)
}

func TestWriteInsufficientCapacity(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	_, err = b.CreateFile(b.RootCluster(), "COVER.TXT", []byte("short"))
	require.NoError(t, err)

	huge := make([]byte, b.FS.Boot.BytesPerCluster)
	_, err = slack.Write(b.FS, []string{"/COVER.TXT"}, huge)
	assert.True(t, errs.IsKind(err, errs.InsufficientCapacity))
}

func TestWriteInsufficientCapacityLeavesImageUntouched(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	_, err = b.CreateFile(b.RootCluster(), "COVER.TXT", []byte("short"))
	require.NoError(t, err)

	before := append([]byte(nil), b.Image...)

	huge := make([]byte, b.FS.Boot.BytesPerCluster)
	for i := range huge {
		huge[i] = 0xAA
	}
	_, err = slack.Write(b.FS, []string{"/COVER.TXT"}, huge)
	require.Error(t, err)

	assert.Equal(t, before, b.Image)
}

func TestClearZeroesPayload(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	_, err = b.CreateFile(b.RootCluster(), "COVER.TXT", []byte("short"))
	require.NoError(t, err)

	entries, err := slack.Write(b.FS, []string{"/COVER.TXT"}, []byte("secret"))
	require.NoError(t, err)

	require.NoError(t, slack.Clear(b.FS, entries))

	got, err := slack.Read(b.FS, entries)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len("secret")), got)
}

func TestWriteExactMultipleClusterSizeHasNoSlack(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	data := make([]byte, b.FS.Boot.BytesPerCluster)
	_, err = b.CreateFile(b.RootCluster(), "EXACT.TXT", data)
	require.NoError(t, err)

	_, err = slack.Write(b.FS, []string{"/EXACT.TXT"}, []byte("x"))
	assert.True(t, errs.IsKind(err, errs.InsufficientCapacity))
}

func TestWriteSpansMultipleDestinations(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	bytesPerCluster := int(b.FS.Boot.BytesPerCluster)
	_, err = b.CreateFile(b.RootCluster(), "A.TXT", make([]byte, bytesPerCluster-10)) // small slack
	require.NoError(t, err)
	_, err = b.CreateFile(b.RootCluster(), "B.TXT", []byte("1234567890")) // plenty of slack
	require.NoError(t, err)

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte('a' + i)
	}

	entries, err := slack.Write(b.FS, []string{"/A.TXT", "/B.TXT"}, payload)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "/A.TXT", entries[0].CoverPath)
	assert.Equal(t, "/B.TXT", entries[1].CoverPath)

	got, err := slack.Read(b.FS, entries)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestWriteRecursesIntoDirectories(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	dir, err := b.CreateDir(b.RootCluster(), "FILES")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = b.CreateFile(dir, fmt.Sprintf("F%d.TXT", i), []byte("x"))
		require.NoError(t, err)
	}

	info, err := slack.Inspect(b.FS, []string{"/FILES"})
	require.NoError(t, err)

	bytesPerCluster := uint64(b.FS.Boot.BytesPerCluster)
	assert.Equal(t, 3*(bytesPerCluster-1), info.TotalCapacity)

	entries, err := slack.Write(b.FS, []string{"/FILES"}, []byte("hidden"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/FILES/F0.TXT", entries[0].CoverPath)
}
