package fat_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/importantchoice/fishy/errs"
	"github.com/importantchoice/fishy/fat"
	"github.com/importantchoice/fishy/testutil"
)

func TestGetSetRoundTripFAT12(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	require.NoError(t, b.FS.Table.Set(2, fat.Entry{Status: fat.Next, NextID: 3}))
	require.NoError(t, b.FS.Table.Set(3, fat.Entry{Status: fat.EndOfChain}))

	e2, err := b.FS.Table.Get(2)
	require.NoError(t, err)
	assert.Equal(t, fat.Next, e2.Status)
	assert.EqualValues(t, 3, e2.NextID)

	e3, err := b.FS.Table.Get(3)
	require.NoError(t, err)
	assert.Equal(t, fat.EndOfChain, e3.Status)
}

func TestGetSetRoundTripFAT12OddEvenEntries(t *testing.T) {
	// FAT12 packs two entries per three bytes; exercise both the even and
	// odd nibble-sharing paths.
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	for n := fat.ClusterID(2); n < 20; n++ {
		require.NoError(t, b.FS.Table.Set(n, fat.Entry{Status: fat.Next, NextID: n + 1}))
	}
	for n := fat.ClusterID(2); n < 20; n++ {
		e, err := b.FS.Table.Get(n)
		require.NoError(t, err)
		assert.Equal(t, fat.Next, e.Status)
		assert.EqualValues(t, n+1, e.NextID)
	}
}

func TestSetOutOfRangeCluster(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	err = b.FS.Table.Set(1, fat.Entry{Status: fat.EndOfChain})
	assert.True(t, errs.IsKind(err, errs.ChainCorrupt))
}

func TestVerifyMirrorsAgreeAfterFlush(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	require.NoError(t, b.FS.Table.Set(2, fat.Entry{Status: fat.EndOfChain}))
	require.NoError(t, b.FS.Table.Flush())
	assert.NoError(t, b.FS.Table.VerifyMirrors())
}

func TestSnapshotRestore(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	snap := b.FS.Table.Snapshot()
	require.NoError(t, b.FS.Table.Set(2, fat.Entry{Status: fat.EndOfChain}))

	before, err := b.FS.Table.Get(2)
	require.NoError(t, err)
	assert.Equal(t, fat.EndOfChain, before.Status)

	b.FS.Table.Restore(snap)

	after, err := b.FS.Table.Get(2)
	require.NoError(t, err)
	assert.Equal(t, fat.Free, after.Status)
}

func TestAllocateFreeInsufficientSpace(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	_, err = b.FS.Table.AllocateFree(b.FS.Boot.ClusterCount + 1)
	assert.True(t, errs.IsKind(err, errs.OutOfSpace))
}

func TestAllocateFreeExcludesAllocatedClusters(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	first, err := b.FS.Table.AllocateFree(1)
	require.NoError(t, err)
	require.NoError(t, b.FS.Table.Set(first[0], fat.Entry{Status: fat.EndOfChain}))

	second, err := b.FS.Table.AllocateFree(1)
	require.NoError(t, err)
	assert.NotEqual(t, first[0], second[0])
}
