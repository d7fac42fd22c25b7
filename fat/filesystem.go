package fat

import (
	"io"
	"strings"

	"github.com/importantchoice/fishy/blockio"
	"github.com/importantchoice/fishy/errs"
)

// FileSystem ties together the boot sector, allocation table, and image
// device for a single mounted-style FAT image. It is the entry point the
// steganographic allocators use to resolve cover files and touch the
// allocation table.
type FileSystem struct {
	Device *blockio.Device
	Boot   *BootSector
	Table  *Table
}

// Open reads the boot sector and every FAT copy from stream and returns a
// ready-to-use FileSystem. stream must support reading and seeking;
// writes are only needed for operations that mutate the image
// (hide/clear), not for read-only inspection.
func Open(stream io.ReadWriteSeeker) (*FileSystem, error) {
	// A nominal device spanning the whole stream; ReadBootSector
	// recomputes and cross-checks the real geometry from the BPB itself.
	probe := blockio.NewDevice(stream, 512, 1<<32-1, 0)
	boot, err := ReadBootSector(probe)
	if err != nil {
		return nil, err
	}

	dev := blockio.NewDevice(stream, boot.BytesPerSector, boot.TotalSectors, 0)

	table, err := LoadTable(dev, boot)
	if err != nil {
		return nil, err
	}

	return &FileSystem{Device: dev, Boot: boot, Table: table}, nil
}

// ClusterData reads the full contents of a single cluster.
func (fs *FileSystem) ClusterData(id ClusterID) ([]byte, error) {
	offset := fs.Boot.ClusterByteOffset(id)
	return fs.Device.ReadAt(offset, int(fs.Boot.BytesPerCluster))
}

// ChainData reads and concatenates every cluster in the chain starting at
// start, in order.
func (fs *FileSystem) ChainData(start ClusterID) ([]byte, error) {
	chain, err := fs.Table.ChainOf(start)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(chain)*int(fs.Boot.BytesPerCluster))
	for _, id := range chain {
		data, err := fs.ClusterData(id)
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
	}
	return buf, nil
}

// rootDirEntries returns the resolved entries of the root directory,
// handling the FAT12/16 fixed-size array and the FAT32 cluster-chain cases
// per spec §4.3.
func (fs *FileSystem) rootDirEntries() ([]Dirent, error) {
	if fs.Boot.Variant == FAT32 {
		data, err := fs.ChainData(fs.Boot.RootCluster)
		if err != nil {
			return nil, err
		}
		return ReadDirentStream(data)
	}

	rootStart := int64(fs.Boot.ReservedSectors)*int64(fs.Boot.BytesPerSector) +
		int64(fs.Boot.NumFATs)*int64(fs.Boot.SectorsPerFAT)*int64(fs.Boot.BytesPerSector)
	rootSize := int(fs.Boot.RootEntryCount) * DirentSize

	data, err := fs.Device.ReadAt(rootStart, rootSize)
	if err != nil {
		return nil, err
	}
	return ReadDirentStream(data)
}

// DirEntries returns the resolved directory entries of the directory named
// by dirent (which must itself be a directory).
func (fs *FileSystem) DirEntries(dirent *Dirent) ([]Dirent, error) {
	if !dirent.IsDir() {
		return nil, errs.New(errs.NotARegularFile, "%q is not a directory", dirent.Name)
	}
	if dirent.FirstCluster == 0 {
		// First cluster 0 names the fixed-size FAT12/16 root directory.
		return fs.rootDirEntries()
	}
	data, err := fs.ChainData(dirent.FirstCluster)
	if err != nil {
		return nil, err
	}
	return ReadDirentStream(data)
}

// Resolve walks an absolute, slash-separated path (e.g. "/dir/file.txt")
// from the root directory and returns the resolved Dirent. A path made
// only of slashes (e.g. "/") resolves to the root directory itself.
func (fs *FileSystem) Resolve(path string) (*Dirent, error) {
	segments := splitPath(path)
	if len(segments) == 0 {
		if path == "" {
			return nil, errs.New(errs.PathNotFound, "empty path")
		}
		root := &Dirent{Name: "/", Attributes: AttrDirectory}
		if fs.Boot.Variant == FAT32 {
			root.FirstCluster = fs.Boot.RootCluster
		}
		return root, nil
	}

	entries, err := fs.rootDirEntries()
	if err != nil {
		return nil, err
	}

	var current *Dirent
	for i, segment := range segments {
		current, err = FindChild(entries, segment)
		if err != nil {
			return nil, errs.New(errs.PathNotFound, "no such file or directory: %q", path)
		}

		if i < len(segments)-1 {
			if !current.IsDir() {
				return nil, errs.New(errs.NotARegularFile, "%q is not a directory", strings.Join(segments[:i+1], "/"))
			}
			entries, err = fs.DirEntries(current)
			if err != nil {
				return nil, err
			}
		}
	}

	return current, nil
}

// ResolveFile resolves path and verifies it names a regular (non-directory)
// file.
func (fs *FileSystem) ResolveFile(path string) (*Dirent, error) {
	dirent, err := fs.Resolve(path)
	if err != nil {
		return nil, err
	}
	if dirent.IsDir() {
		return nil, errs.New(errs.NotARegularFile, "%q is a directory", path)
	}
	return dirent, nil
}

// ListFilesRecursive returns every regular file under root (root itself if
// it's a file), in stable depth-first, directory order, pairing each
// Dirent with its resolved absolute path. This backs the recursive slack
// scan of spec §4.5.
func (fs *FileSystem) ListFilesRecursive(root string) ([]PathDirent, error) {
	dirent, err := fs.Resolve(root)
	if err != nil {
		return nil, err
	}

	if !dirent.IsDir() {
		return []PathDirent{{Path: root, Dirent: *dirent}}, nil
	}

	var result []PathDirent
	err = fs.walk(dirent, root, &result)
	return result, err
}

// PathDirent pairs a resolved directory entry with the absolute path used
// to reach it.
type PathDirent struct {
	Path   string
	Dirent Dirent
}

func (fs *FileSystem) walk(dir *Dirent, path string, result *[]PathDirent) error {
	entries, err := fs.DirEntries(dir)
	if err != nil {
		return err
	}

	for i := range entries {
		entry := &entries[i]
		childPath := strings.TrimSuffix(path, "/") + "/" + entry.Name

		if entry.IsDir() {
			if err := fs.walk(entry, childPath, result); err != nil {
				return err
			}
			continue
		}
		if entry.IsVolumeLabel() {
			continue
		}
		*result = append(*result, PathDirent{Path: childPath, Dirent: *entry})
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
