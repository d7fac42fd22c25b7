// Package testutil builds synthetic, well-formed FAT12/16/32 images in
// memory for tests. fishy has no bundled real-world image fixtures, so
// every test that needs a mountable volume builds one here instead,
// using fishy's own boot-sector and allocation-table code to populate it
// once the raw geometry bytes are laid down.
package testutil

import (
	"encoding/binary"
	"strings"

	"github.com/noxer/bytewriter"
	"github.com/xaionaro-go/bytesextra"

	"github.com/importantchoice/fishy/fat"
)

// Builder assembles a synthetic FAT image and exposes it as an opened
// fishy FileSystem, ready for tests to populate with files and
// directories before exercising the allocation table or the
// steganographic allocators against it.
type Builder struct {
	FS     *fat.FileSystem
	Image  []byte
	Stream *bytesextra.ReadWriteSeeker
}

type geometry struct {
	variant           fat.Variant
	bytesPerSector    uint
	sectorsPerCluster uint
	reservedSectors   uint
	numFATs           uint
	rootEntryCount    uint // 0 for FAT32
	totalSectors      uint
	sectorsPerFAT     uint
	rootCluster       uint32 // FAT32 only
}

// NewFAT12Floppy builds a standard 1.44 MiB floppy geometry: 512-byte
// sectors, one sector per cluster, two FAT copies, a 224-entry root
// directory.
func NewFAT12Floppy() (*Builder, error) {
	return build(geometry{
		variant:           fat.FAT12,
		bytesPerSector:    512,
		sectorsPerCluster: 1,
		reservedSectors:   1,
		numFATs:           2,
		rootEntryCount:    224,
		totalSectors:      2880,
		sectorsPerFAT:     9,
	})
}

// NewFAT16Volume builds a small FAT16 geometry (roughly 20 MiB).
func NewFAT16Volume() (*Builder, error) {
	return build(geometry{
		variant:           fat.FAT16,
		bytesPerSector:    512,
		sectorsPerCluster: 1,
		reservedSectors:   1,
		numFATs:           2,
		rootEntryCount:    512,
		totalSectors:      40000,
		sectorsPerFAT:     156,
	})
}

// NewFAT32Volume builds a small FAT32 geometry (roughly 300 MiB), with
// cluster 2 pre-allocated as the (single-cluster) root directory.
func NewFAT32Volume() (*Builder, error) {
	b, err := build(geometry{
		variant:           fat.FAT32,
		bytesPerSector:    512,
		sectorsPerCluster: 8,
		reservedSectors:   32,
		numFATs:           2,
		rootEntryCount:    0,
		totalSectors:      600000,
		sectorsPerFAT:     600,
		rootCluster:       2,
	})
	if err != nil {
		return nil, err
	}

	if err := b.FS.Table.Set(fat.ClusterID(2), fat.Entry{Status: fat.EndOfChain}); err != nil {
		return nil, err
	}
	if err := b.FS.Table.Flush(); err != nil {
		return nil, err
	}
	return b, nil
}

func build(g geometry) (*Builder, error) {
	image := make([]byte, g.totalSectors*g.bytesPerSector)
	writeBootSector(image, g)

	stream := bytesextra.NewReadWriteSeeker(image)
	fs, err := fat.Open(stream)
	if err != nil {
		return nil, err
	}

	return &Builder{FS: fs, Image: image, Stream: stream}, nil
}

// writeBootSector lays down the jump/OEM bytes, the BIOS parameter block,
// and (for FAT32) the extended BPB, by writing each field in order into a
// fixed-capacity bytewriter over the relevant slice of image -- the same
// technique fishy's boot sector would have been written with by a real
// formatting tool.
func writeBootSector(image []byte, g geometry) {
	copy(image[3:11], []byte("FISHYTST"))

	bpb := bytewriter.New(image[11:36])
	totalSectors16 := uint16(0)
	totalSectors32 := uint32(0)
	if g.totalSectors < 0x10000 {
		totalSectors16 = uint16(g.totalSectors)
	} else {
		totalSectors32 = uint32(g.totalSectors)
	}
	sectorsPerFAT16 := uint16(0)
	if g.variant != fat.FAT32 {
		sectorsPerFAT16 = uint16(g.sectorsPerFAT)
	}

	binary.Write(bpb, binary.LittleEndian, uint16(g.bytesPerSector))
	binary.Write(bpb, binary.LittleEndian, uint8(g.sectorsPerCluster))
	binary.Write(bpb, binary.LittleEndian, uint16(g.reservedSectors))
	binary.Write(bpb, binary.LittleEndian, uint8(g.numFATs))
	binary.Write(bpb, binary.LittleEndian, uint16(g.rootEntryCount))
	binary.Write(bpb, binary.LittleEndian, totalSectors16)
	binary.Write(bpb, binary.LittleEndian, uint8(0xF8)) // fixed disk media descriptor
	binary.Write(bpb, binary.LittleEndian, sectorsPerFAT16)
	binary.Write(bpb, binary.LittleEndian, uint16(63))  // SectorsPerTrack, nominal
	binary.Write(bpb, binary.LittleEndian, uint16(255)) // NumHeads, nominal
	binary.Write(bpb, binary.LittleEndian, uint32(0))   // HiddenSectors
	binary.Write(bpb, binary.LittleEndian, totalSectors32)

	if g.variant == fat.FAT32 {
		extra := bytewriter.New(image[36:64])
		binary.Write(extra, binary.LittleEndian, uint32(g.sectorsPerFAT))
		binary.Write(extra, binary.LittleEndian, uint16(0)) // ExtFlags
		binary.Write(extra, binary.LittleEndian, uint16(0)) // FSVersion
		binary.Write(extra, binary.LittleEndian, g.rootCluster)
		binary.Write(extra, binary.LittleEndian, uint16(1)) // FSInfoSector
		binary.Write(extra, binary.LittleEndian, uint16(6)) // BackupBootSect
	}

	image[510] = 0x55
	image[511] = 0xAA
}

// shortName converts an 8.3-compatible name like "FILE.TXT" into the
// fixed 8+3 on-disk fields, uppercased and space-padded. It does not
// support long names; test fixtures only need short entries.
func shortName(name string) ([8]byte, [3]byte) {
	var nameField [8]byte
	var extField [3]byte
	for i := range nameField {
		nameField[i] = ' '
	}
	for i := range extField {
		extField[i] = ' '
	}

	base := strings.ToUpper(name)
	ext := ""
	if idx := strings.LastIndex(base, "."); idx >= 0 {
		ext = base[idx+1:]
		base = base[:idx]
	}

	copy(nameField[:], base)
	copy(extField[:], ext)
	return nameField, extField
}

func encodeDirent(name string, attr uint8, firstCluster fat.ClusterID, size uint32) []byte {
	record := make([]byte, fat.DirentSize)
	n, e := shortName(name)
	copy(record[0:8], n[:])
	copy(record[8:11], e[:])
	record[11] = attr
	binary.LittleEndian.PutUint16(record[20:22], uint16(uint32(firstCluster)>>16))
	binary.LittleEndian.PutUint16(record[26:28], uint16(uint32(firstCluster)&0xFFFF))
	binary.LittleEndian.PutUint32(record[28:32], size)
	return record
}

// AllocateChain allocates n free clusters, links them into a single chain
// terminated with EndOfChain, flushes the table, and returns the
// allocated cluster IDs in link order.
func (b *Builder) AllocateChain(n uint) ([]fat.ClusterID, error) {
	ids, err := b.FS.Table.AllocateFree(n)
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		entry := fat.Entry{Status: fat.EndOfChain}
		if i < len(ids)-1 {
			entry = fat.Entry{Status: fat.Next, NextID: ids[i+1]}
		}
		if err := b.FS.Table.Set(id, entry); err != nil {
			return nil, err
		}
	}
	if err := b.FS.Table.Flush(); err != nil {
		return nil, err
	}
	return ids, nil
}

// WriteClusterData writes data, zero-padded to a full cluster, into
// cluster id.
func (b *Builder) WriteClusterData(id fat.ClusterID, data []byte) error {
	padded := make([]byte, b.FS.Boot.BytesPerCluster)
	copy(padded, data)
	return b.FS.Device.WriteAt(b.FS.Boot.ClusterByteOffset(id), padded)
}

// RootCluster returns the sentinel parent value meaning "the root
// directory", suitable to pass to CreateFile/CreateDir.
func (b *Builder) RootCluster() fat.ClusterID { return 0 }

// directoryRegion returns, for the given parent (0 meaning root), either
// a fixed byte-offset region (FAT12/16 root) or the list of clusters that
// make up the directory's data (FAT32 root, or any subdirectory).
func (b *Builder) directoryRegion(parent fat.ClusterID) (fixedOffset int64, fixedSize int, clusters []fat.ClusterID, err error) {
	if parent == 0 && b.FS.Boot.Variant != fat.FAT32 {
		boot := b.FS.Boot
		fixedOffset = int64(boot.ReservedSectors)*int64(boot.BytesPerSector) +
			int64(boot.NumFATs)*int64(boot.SectorsPerFAT)*int64(boot.BytesPerSector)
		fixedSize = int(boot.RootEntryCount) * fat.DirentSize
		return fixedOffset, fixedSize, nil, nil
	}

	root := parent
	if parent == 0 {
		root = b.FS.Boot.RootCluster
	}
	clusters, err = b.FS.Table.ChainOf(root)
	return 0, 0, clusters, err
}

// writeDirentInto finds the first free 32-byte slot in parent's directory
// region and writes record there.
func (b *Builder) writeDirentInto(parent fat.ClusterID, record []byte) error {
	fixedOffset, fixedSize, clusters, err := b.directoryRegion(parent)
	if err != nil {
		return err
	}

	if clusters == nil {
		data, err := b.FS.Device.ReadAt(fixedOffset, fixedSize)
		if err != nil {
			return err
		}
		slot := findFreeSlot(data)
		if slot < 0 {
			return &noFreeSlotError{}
		}
		return b.FS.Device.WriteAt(fixedOffset+int64(slot), record)
	}

	for _, cluster := range clusters {
		data, err := b.FS.ClusterData(cluster)
		if err != nil {
			return err
		}
		if slot := findFreeSlot(data); slot >= 0 {
			offset := b.FS.Boot.ClusterByteOffset(cluster) + int64(slot)
			return b.FS.Device.WriteAt(offset, record)
		}
	}
	return &noFreeSlotError{}
}

type noFreeSlotError struct{}

func (*noFreeSlotError) Error() string { return "no free directory slot: grow the fixture's directory size" }

func findFreeSlot(data []byte) int {
	for offset := 0; offset+fat.DirentSize <= len(data); offset += fat.DirentSize {
		if data[offset] == 0x00 {
			return offset
		}
	}
	return -1
}

// CreateFile allocates enough clusters to hold data, writes it, and adds
// a short directory entry named name inside parent (0 for root).
func (b *Builder) CreateFile(parent fat.ClusterID, name string, data []byte) (fat.ClusterID, error) {
	var first fat.ClusterID
	if len(data) > 0 {
		clusterCount := (uint(len(data)) + b.FS.Boot.BytesPerCluster - 1) / b.FS.Boot.BytesPerCluster
		ids, err := b.AllocateChain(clusterCount)
		if err != nil {
			return 0, err
		}
		for i, id := range ids {
			start := uint(i) * b.FS.Boot.BytesPerCluster
			end := start + b.FS.Boot.BytesPerCluster
			if end > uint(len(data)) {
				end = uint(len(data))
			}
			if err := b.WriteClusterData(id, data[start:end]); err != nil {
				return 0, err
			}
		}
		first = ids[0]
	}

	record := encodeDirent(name, 0x20, first, uint32(len(data)))
	if err := b.writeDirentInto(parent, record); err != nil {
		return 0, err
	}
	return first, nil
}

// CreateDir allocates a single cluster for a new subdirectory, zeroes it,
// and adds a directory entry named name inside parent (0 for root).
func (b *Builder) CreateDir(parent fat.ClusterID, name string) (fat.ClusterID, error) {
	ids, err := b.AllocateChain(1)
	if err != nil {
		return 0, err
	}
	dirCluster := ids[0]

	if err := b.WriteClusterData(dirCluster, nil); err != nil {
		return 0, err
	}

	record := encodeDirent(name, 0x10, dirCluster, 0)
	if err := b.writeDirentInto(parent, record); err != nil {
		return 0, err
	}
	return dirCluster, nil
}
