package fat_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/importantchoice/fishy/fat"
	"github.com/importantchoice/fishy/testutil"
)

func TestReadDirentStreamShortNamesOnly(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	_, err = b.CreateFile(b.RootCluster(), "HELLO.TXT", []byte("hi there"))
	require.NoError(t, err)
	_, err = b.CreateDir(b.RootCluster(), "SUBDIR")
	require.NoError(t, err)

	entries, err := b.FS.Resolve("/")
	require.NoError(t, err)
	assert.True(t, entries.IsDir())

	children, err := b.FS.DirEntries(entries)
	require.NoError(t, err)
	require.Len(t, children, 2)

	names := map[string]fat.Dirent{}
	for _, c := range children {
		names[c.Name] = c
	}

	require.Contains(t, names, "HELLO.TXT")
	assert.EqualValues(t, 8, names["HELLO.TXT"].Size)
	assert.False(t, names["HELLO.TXT"].IsDir())

	require.Contains(t, names, "SUBDIR")
	assert.True(t, names["SUBDIR"].IsDir())
}

// buildLFNRecords returns the 32-byte LFN fragment records for name in
// on-disk order: the fragment farthest from the short entry (holding the
// tail of the name, flagged with the last-long-entry bit) comes first,
// followed by the remaining fragments in descending sequence-number
// order.
func buildLFNRecords(name string) [][]byte {
	const chunkSize = 13
	var chunks []string
	for i := 0; i < len(name); i += chunkSize {
		end := i + chunkSize
		if end > len(name) {
			end = len(name)
		}
		chunks = append(chunks, name[i:end])
	}

	n := len(chunks)
	records := make([][]byte, 0, n)
	for seq := n; seq >= 1; seq-- {
		chunk := chunks[seq-1]

		units := make([]byte, 0, 26)
		for _, c := range chunk {
			units = append(units, byte(c), 0)
		}
		if len(chunk) < chunkSize {
			units = append(units, 0, 0)
		}
		for len(units) < 26 {
			units = append(units, 0xFF)
		}

		record := make([]byte, 32)
		record[0] = byte(seq)
		if seq == n {
			record[0] |= 0x40
		}
		record[11] = 0x0F
		copy(record[1:11], units[0:10])
		copy(record[14:26], units[10:22])
		copy(record[28:32], units[22:26])

		records = append(records, record)
	}
	return records
}

func TestReadDirentStreamReassemblesLongName(t *testing.T) {
	longName := "AVeryLongFileNameThatNeedsMultipleLFNFragments.txt"

	var data []byte
	for _, record := range buildLFNRecords(longName) {
		data = append(data, record...)
	}

	shortRecord := make([]byte, 32)
	copy(shortRecord[0:8], []byte("AVERYL~1"))
	copy(shortRecord[8:11], []byte("TXT"))
	shortRecord[11] = fat.AttrArchive
	binary.LittleEndian.PutUint16(shortRecord[26:28], 5) // FirstClusterLow
	binary.LittleEndian.PutUint32(shortRecord[28:32], 42) // FileSize
	data = append(data, shortRecord...)

	entries, err := fat.ReadDirentStream(data)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, longName, entries[0].Name)
	assert.Equal(t, "AVERYL~1.TXT", entries[0].ShortName)
	assert.EqualValues(t, 5, entries[0].FirstCluster)
	assert.EqualValues(t, 42, entries[0].Size)
}

func TestFindChildCaseInsensitive(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	_, err = b.CreateFile(b.RootCluster(), "README.TXT", []byte("x"))
	require.NoError(t, err)

	root, err := b.FS.Resolve("/")
	require.NoError(t, err)
	children, err := b.FS.DirEntries(root)
	require.NoError(t, err)

	found, err := fat.FindChild(children, "readme.txt")
	require.NoError(t, err)
	assert.Equal(t, "README.TXT", found.Name)
}
