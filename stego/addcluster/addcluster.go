// Package addcluster implements the additional-cluster hiding technique:
// extending a cover file's FAT chain with extra clusters that hold the
// payload, without changing the cover file's directory entry. The host
// file system keeps reporting the cover file's original size, so an
// ordinary directory listing or file read never surfaces the hidden
// clusters; only something that follows the chain past the byte the
// cover file's size implies would notice anything appended.
package addcluster

import (
	"github.com/noxer/bytewriter"

	"github.com/importantchoice/fishy/errs"
	"github.com/importantchoice/fishy/fat"
	"github.com/importantchoice/fishy/sidecar"
)

func clustersNeeded(payloadLen int, bytesPerCluster uint) uint {
	if payloadLen == 0 {
		return 0
	}
	return (uint(payloadLen) + bytesPerCluster - 1) / bytesPerCluster
}

// Write hides payload by extending the FAT chain of the cover file at
// path with enough new clusters to hold it, then writing the payload
// across those clusters (the final cluster is padded with zeroes past the
// payload's end). The cover file's directory entry, including its
// reported size, is left untouched.
//
// The cover file must already have at least one allocated cluster;
// additional-cluster hiding has nothing to extend a zero-length file
// from.
func Write(fs *fat.FileSystem, path string, payload []byte) (*sidecar.Entry, error) {
	dirent, err := fs.ResolveFile(path)
	if err != nil {
		return nil, err
	}
	if dirent.FirstCluster == 0 {
		return nil, errs.New(
			errs.ChainCorrupt,
			"%q has no allocated clusters; additional-cluster hiding needs an existing chain to extend", path)
	}
	if len(payload) == 0 {
		return nil, errs.New(errs.InsufficientCapacity, "refusing to hide an empty payload")
	}

	k := clustersNeeded(len(payload), fs.Boot.BytesPerCluster)

	newClusters, err := fs.Table.Extend(dirent.FirstCluster, k)
	if err != nil {
		return nil, err
	}

	// Assemble the whole run of newly allocated clusters' worth of bytes
	// into one fixed-capacity buffer before issuing any writes, so a
	// payload that doesn't evenly divide the cluster size still ends in
	// zero padding rather than a short last cluster.
	padded := make([]byte, uint(len(newClusters))*fs.Boot.BytesPerCluster)
	writer := bytewriter.New(padded)
	if _, err := writer.Write(payload); err != nil {
		return nil, errs.Wrap(errs.IoFailed, err, "failed to stage payload for %q", path)
	}

	for i, cluster := range newClusters {
		start := uint(i) * fs.Boot.BytesPerCluster
		chunk := padded[start : start+fs.Boot.BytesPerCluster]
		offset := fs.Boot.ClusterByteOffset(cluster)
		if err := fs.Device.WriteAt(offset, chunk); err != nil {
			return nil, err
		}
	}

	if err := fs.Table.Flush(); err != nil {
		return nil, err
	}

	ids := make([]uint32, len(newClusters))
	for i, c := range newClusters {
		ids[i] = uint32(c)
	}

	return &sidecar.Entry{
		Technique:   sidecar.TechniqueAdditionalCluster,
		CoverPath:   path,
		Clusters:    ids,
		LengthTotal: uint64(len(payload)),
	}, nil
}

// Read recovers the payload previously hidden by Write, as described by
// entry.
func Read(fs *fat.FileSystem, entry sidecar.Entry) ([]byte, error) {
	if entry.Technique != sidecar.TechniqueAdditionalCluster {
		return nil, errs.New(errs.SidecarCorrupt, "entry technique %q is not additional-cluster", entry.Technique)
	}

	buf := make([]byte, 0, uint(len(entry.Clusters))*fs.Boot.BytesPerCluster)
	for _, id := range entry.Clusters {
		data, err := fs.ClusterData(fat.ClusterID(id))
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
	}

	if uint64(len(buf)) < entry.LengthTotal {
		return nil, errs.New(errs.SidecarCorrupt, "recorded length %d exceeds the %d bytes the recorded clusters hold", entry.LengthTotal, len(buf))
	}
	return buf[:entry.LengthTotal], nil
}

// verifyChainTail confirms that entry.Clusters is exactly the tail of the
// cover file's current chain, i.e. nothing has relinked or reused those
// clusters since Write ran.
func verifyChainTail(fs *fat.FileSystem, entry sidecar.Entry) ([]fat.ClusterID, error) {
	dirent, err := fs.ResolveFile(entry.CoverPath)
	if err != nil {
		return nil, err
	}
	if dirent.FirstCluster == 0 {
		return nil, errs.New(errs.CoverChainDiverged, "%q no longer has any allocated clusters", entry.CoverPath)
	}

	chain, err := fs.Table.ChainOf(dirent.FirstCluster)
	if err != nil {
		return nil, err
	}

	if len(chain) < len(entry.Clusters) {
		return nil, errs.New(errs.CoverChainDiverged, "%q's chain is shorter than the recorded hidden clusters", entry.CoverPath)
	}

	tail := chain[len(chain)-len(entry.Clusters):]
	for i, id := range tail {
		if uint32(id) != entry.Clusters[i] {
			return nil, errs.New(
				errs.CoverChainDiverged,
				"%q's chain no longer ends with the recorded hidden clusters", entry.CoverPath)
		}
	}

	return chain, nil
}

// Clear removes the hidden clusters described by entry from the cover
// file's chain, zeroes the payload bytes they held, and frees them,
// restoring the chain to the length it had before Write extended it. It
// fails with CoverChainDiverged if the cover file's chain no longer ends
// with exactly the recorded clusters, which would mean something else has
// modified the file since it was hidden in.
func Clear(fs *fat.FileSystem, entry sidecar.Entry) error {
	if entry.Technique != sidecar.TechniqueAdditionalCluster {
		return errs.New(errs.SidecarCorrupt, "entry technique %q is not additional-cluster", entry.Technique)
	}

	chain, err := verifyChainTail(fs, entry)
	if err != nil {
		return err
	}

	keep := uint(len(chain) - len(entry.Clusters))
	if keep == 0 {
		return errs.New(errs.CoverChainDiverged, "%q's entire chain is hidden clusters; nothing to keep", entry.CoverPath)
	}

	zeroes := make([]byte, fs.Boot.BytesPerCluster)
	for _, id := range entry.Clusters {
		offset := fs.Boot.ClusterByteOffset(fat.ClusterID(id))
		if err := fs.Device.WriteAt(offset, zeroes); err != nil {
			return err
		}
	}

	dirent, err := fs.ResolveFile(entry.CoverPath)
	if err != nil {
		return err
	}

	if err := fs.Table.Truncate(dirent.FirstCluster, keep); err != nil {
		return err
	}
	return fs.Table.Flush()
}
