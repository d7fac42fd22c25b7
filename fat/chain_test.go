package fat_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/importantchoice/fishy/errs"
	"github.com/importantchoice/fishy/fat"
	"github.com/importantchoice/fishy/testutil"
)

func TestChainOfFollowsLinks(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	ids, err := b.AllocateChain(3)
	require.NoError(t, err)

	chain, err := b.FS.Table.ChainOf(ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids, chain)
}

func TestChainOfDetectsFreeMidChain(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	require.NoError(t, b.FS.Table.Set(2, fat.Entry{Status: fat.Next, NextID: 3}))
	// cluster 3 left Free: chain is broken.

	_, err = b.FS.Table.ChainOf(2)
	assert.True(t, errs.IsKind(err, errs.ChainCorrupt))
}

func TestTailClusterReturnsLastLink(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	ids, err := b.AllocateChain(3)
	require.NoError(t, err)

	tail, err := b.FS.Table.TailCluster(ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[2], tail)
}

func TestExtendAppendsAndLinks(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	ids, err := b.AllocateChain(2)
	require.NoError(t, err)

	added, err := b.FS.Table.Extend(ids[0], 2)
	require.NoError(t, err)
	require.Len(t, added, 2)

	chain, err := b.FS.Table.ChainOf(ids[0])
	require.NoError(t, err)
	assert.Equal(t, append(append([]fat.ClusterID{}, ids...), added...), chain)
}

func TestExtendRollsBackOnFailure(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	ids, err := b.AllocateChain(1)
	require.NoError(t, err)

	before, err := b.FS.Table.ChainOf(ids[0])
	require.NoError(t, err)

	// Ask for more clusters than the tiny floppy has free: Extend must
	// fail entirely and leave the table untouched.
	_, err = b.FS.Table.Extend(ids[0], b.FS.Boot.ClusterCount*2)
	assert.True(t, errs.IsKind(err, errs.OutOfSpace))

	after, err := b.FS.Table.ChainOf(ids[0])
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestTruncateFreesTailClusters(t *testing.T) {
	b, err := testutil.NewFAT12Floppy()
	require.NoError(t, err)

	ids, err := b.AllocateChain(4)
	require.NoError(t, err)

	require.NoError(t, b.FS.Table.Truncate(ids[0], 2))

	chain, err := b.FS.Table.ChainOf(ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[:2], chain)

	for _, freed := range ids[2:] {
		entry, err := b.FS.Table.Get(freed)
		require.NoError(t, err)
		assert.Equal(t, fat.Free, entry.Status)
	}
}
