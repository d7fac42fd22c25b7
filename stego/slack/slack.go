// Package slack implements the file-slack hiding technique: writing
// payload bytes into the unused tail of one or more cover files' last
// clusters, the region between each file's reported size and its cluster
// boundary. The host file system's own bookkeeping (file size, FAT chain)
// is untouched, so the cover files look completely ordinary to anything
// that isn't looking for fishy's sidecar.
package slack

import (
	"github.com/importantchoice/fishy/errs"
	"github.com/importantchoice/fishy/fat"
	"github.com/importantchoice/fishy/sidecar"
)

// Info summarizes the slack capacity available across a destination set
// without writing anything.
type Info struct {
	TotalCapacity     uint64
	LargestContiguous uint32
}

// fill describes one cover file's usable slack region, planned ahead of
// any write so the whole destination set's capacity can be checked before
// a single byte is touched.
type fill struct {
	path     string
	cluster  fat.ClusterID
	offset   uint32
	capacity uint32
}

// ExpandDestinations resolves destinations in order, recursing into any
// directory (depth-first, directory order) to its regular files, and
// returns the flattened list of cover-file paths.
func ExpandDestinations(fs *fat.FileSystem, destinations []string) ([]string, error) {
	var files []string
	for _, dest := range destinations {
		dirent, err := fs.Resolve(dest)
		if err != nil {
			return nil, err
		}

		if !dirent.IsDir() {
			files = append(files, dest)
			continue
		}

		listed, err := fs.ListFilesRecursive(dest)
		if err != nil {
			return nil, err
		}
		for _, pd := range listed {
			files = append(files, pd.Path)
		}
	}
	return files, nil
}

// planFills expands destinations and computes the slack region of each
// cover file, skipping files whose size is an exact multiple of the
// cluster size (the do-not-clobber invariant: zero slack, nothing to
// plan).
func planFills(fs *fat.FileSystem, destinations []string) ([]fill, error) {
	files, err := ExpandDestinations(fs, destinations)
	if err != nil {
		return nil, err
	}

	bytesPerCluster := uint32(fs.Boot.BytesPerCluster)

	var fills []fill
	for _, path := range files {
		dirent, err := fs.ResolveFile(path)
		if err != nil {
			return nil, err
		}
		if dirent.Size == 0 || dirent.FirstCluster == 0 {
			continue
		}

		offset := dirent.Size % bytesPerCluster
		if offset == 0 {
			continue
		}

		tail, err := fs.Table.TailCluster(dirent.FirstCluster)
		if err != nil {
			return nil, err
		}

		fills = append(fills, fill{
			path:     path,
			cluster:  tail,
			offset:   offset,
			capacity: bytesPerCluster - offset,
		})
	}
	return fills, nil
}

// Inspect reports the slack capacity and layout of a destination set, in
// which each destination may be a file or a directory (in which case it
// contributes the slack regions of every regular file under it).
func Inspect(fs *fat.FileSystem, destinations []string) (*Info, error) {
	fills, err := planFills(fs, destinations)
	if err != nil {
		return nil, err
	}

	info := &Info{}
	for _, f := range fills {
		info.TotalCapacity += uint64(f.capacity)
		if f.capacity > info.LargestContiguous {
			info.LargestContiguous = f.capacity
		}
	}
	return info, nil
}

// Write hides payload across the slack space of destinations, consuming
// cover files in order (directories expanded depth-first) and filling
// each one's slack before moving to the next. Capacity across the whole
// destination set is checked before any byte is written, so a payload
// that doesn't fit leaves the image untouched and returns
// InsufficientCapacity rather than partially hiding it. Each cover file
// that receives bytes gets its own sidecar entry, in write order.
func Write(fs *fat.FileSystem, destinations []string, payload []byte) ([]sidecar.Entry, error) {
	if len(payload) == 0 {
		return nil, errs.New(errs.InsufficientCapacity, "refusing to hide an empty payload")
	}

	fills, err := planFills(fs, destinations)
	if err != nil {
		return nil, err
	}

	var total uint64
	for _, f := range fills {
		total += uint64(f.capacity)
	}
	if total < uint64(len(payload)) {
		return nil, errs.New(
			errs.InsufficientCapacity,
			"payload is %d bytes but destinations only have %d bytes of slack", len(payload), total)
	}

	var entries []sidecar.Entry
	remaining := payload
	for _, f := range fills {
		if len(remaining) == 0 {
			break
		}

		n := f.capacity
		if uint32(len(remaining)) < n {
			n = uint32(len(remaining))
		}
		chunk := remaining[:n]

		offset := fs.Boot.ClusterByteOffset(f.cluster) + int64(f.offset)
		if err := fs.Device.WriteAt(offset, chunk); err != nil {
			return nil, err
		}

		entries = append(entries, sidecar.Entry{
			Technique:     sidecar.TechniqueFileSlack,
			CoverPath:     f.path,
			Clusters:      []uint32{uint32(f.cluster)},
			OffsetInFirst: f.offset,
			LengthTotal:   uint64(len(chunk)),
		})
		remaining = remaining[n:]
	}

	return entries, nil
}

// Read recovers the payload previously hidden by Write, concatenating the
// slack bytes named by entries in order.
func Read(fs *fat.FileSystem, entries []sidecar.Entry) ([]byte, error) {
	var buf []byte
	for _, entry := range entries {
		if err := validateEntry(entry); err != nil {
			return nil, err
		}

		cluster := fat.ClusterID(entry.Clusters[0])
		offset := fs.Boot.ClusterByteOffset(cluster) + int64(entry.OffsetInFirst)
		data, err := fs.Device.ReadAt(offset, int(entry.LengthTotal))
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
	}
	return buf, nil
}

// Clear overwrites the hidden bytes described by entries with zeroes,
// restoring each cover file's slack to its ordinary unused state.
func Clear(fs *fat.FileSystem, entries []sidecar.Entry) error {
	for _, entry := range entries {
		if err := validateEntry(entry); err != nil {
			return err
		}

		cluster := fat.ClusterID(entry.Clusters[0])
		offset := fs.Boot.ClusterByteOffset(cluster) + int64(entry.OffsetInFirst)
		zeroes := make([]byte, entry.LengthTotal)
		if err := fs.Device.WriteAt(offset, zeroes); err != nil {
			return err
		}
	}
	return nil
}

func validateEntry(entry sidecar.Entry) error {
	if entry.Technique != sidecar.TechniqueFileSlack {
		return errs.New(errs.SidecarCorrupt, "entry technique %q is not file-slack", entry.Technique)
	}
	if len(entry.Clusters) != 1 {
		return errs.New(errs.SidecarCorrupt, "file-slack entry must name exactly one cluster, got %d", len(entry.Clusters))
	}
	return nil
}
