// Package fat implements the on-disk model of FAT12/16/32 file systems:
// boot sector decoding, the packed allocation table, directory entry and
// long-filename reconstruction, and cluster-chain navigation.
//
// It does not implement a general-purpose mountable file system; it exposes
// just enough to let the steganographic allocators in stego/slack and
// stego/addcluster locate cover files, walk their chains, and mutate the
// allocation table safely.
package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/importantchoice/fishy/blockio"
	"github.com/importantchoice/fishy/errs"
)

// Variant identifies which of the three FAT widths an image uses.
type Variant int

const (
	FAT12 Variant = 12
	FAT16 Variant = 16
	FAT32 Variant = 32
)

func (v Variant) String() string {
	switch v {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// ClusterID identifies a data cluster. Valid data clusters start at 2.
type ClusterID uint32

// rawBPB is the BIOS Parameter Block common to all three FAT variants, laid
// out exactly as it appears on disk starting at byte 11 of the boot sector
// (bytes 0-10 are the jump instruction and OEM name, which fishy never
// needs to interpret).
type rawBPB struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	SectorsPerFAT16   uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
}

const bpbOffset = 11
const bpbSize = 25 // sizeof(rawBPB)

// FAT32 extends the common BPB with the fields that follow it at offset 36.
type rawFAT32Extra struct {
	SectorsPerFAT32 uint32
	ExtFlags        uint16
	FSVersion       uint16
	RootCluster     uint32
	FSInfoSector    uint16
	BackupBootSect  uint16
	_               [12]byte // reserved
}

// BootSector is the fully decoded, variant-aware geometry of a FAT image.
type BootSector struct {
	Variant Variant

	BytesPerSector    uint
	SectorsPerCluster uint
	ReservedSectors   uint
	NumFATs           uint
	RootEntryCount    uint // 0 for FAT32
	TotalSectors      uint
	SectorsPerFAT     uint
	RootCluster       ClusterID // FAT32 only
	FSInfoSector      uint      // FAT32 only

	// Derived geometry.
	RootDirSectors    uint
	FirstDataSector   uint // sector index of cluster 2
	DataRegionStart   int64 // byte offset of cluster 2
	BytesPerCluster   uint
	ClusterCount      uint // number of *data* clusters, i.e. usable cluster IDs - 2
	DirentsPerCluster uint
}

// clusterCountThresholds come from Microsoft's FAT spec: the variant is
// determined solely by how many data clusters the volume has, never by a
// field in the boot sector.
func variantFromClusterCount(clusterCount uint) Variant {
	if clusterCount < 4085 {
		return FAT12
	}
	if clusterCount < 65525 {
		return FAT16
	}
	return FAT32
}

var validSectorSizes = map[uint]bool{512: true, 1024: true, 2048: true, 4096: true}

func isPowerOfTwoInRange(v uint, lo, hi uint) bool {
	if v < lo || v > hi {
		return false
	}
	return v&(v-1) == 0
}

// ReadBootSector parses the first sector of dev and returns the decoded
// geometry. dev.SectorSize and dev.TotalSectors are not trusted; they are
// recomputed from the boot sector itself and cross-checked against the
// device's reported size.
func ReadBootSector(dev *blockio.Device) (*BootSector, error) {
	raw, err := dev.ReadAt(0, 512)
	if err != nil {
		return nil, errs.Wrap(errs.IoFailed, err, "failed to read boot sector")
	}

	var bpb rawBPB
	if err := binary.Read(bytes.NewReader(raw[bpbOffset:bpbOffset+bpbSize]), binary.LittleEndian, &bpb); err != nil {
		return nil, errs.Wrap(errs.InvalidGeometry, err, "failed to decode BIOS parameter block")
	}

	if !validSectorSizes[uint(bpb.BytesPerSector)] {
		return nil, errs.New(
			errs.InvalidGeometry,
			"bad BytesPerSector %d: must be one of 512, 1024, 2048, 4096",
			bpb.BytesPerSector)
	}
	if !isPowerOfTwoInRange(uint(bpb.SectorsPerCluster), 1, 128) {
		return nil, errs.New(
			errs.InvalidGeometry,
			"bad SectorsPerCluster %d: must be a power of two in [1, 128]",
			bpb.SectorsPerCluster)
	}
	if bpb.NumFATs == 0 {
		return nil, errs.New(errs.InvalidGeometry, "NumFATs is zero")
	}

	totalSectors := uint(bpb.TotalSectors16)
	if totalSectors == 0 {
		totalSectors = uint(bpb.TotalSectors32)
	}
	if totalSectors == 0 {
		return nil, errs.New(errs.InvalidGeometry, "both TotalSectors16 and TotalSectors32 are zero")
	}

	rootDirSectors := (uint(bpb.RootEntryCount)*32 + uint(bpb.BytesPerSector) - 1) / uint(bpb.BytesPerSector)

	var sectorsPerFAT uint
	var rootCluster ClusterID
	var fsInfoSector uint

	if bpb.SectorsPerFAT16 != 0 {
		sectorsPerFAT = uint(bpb.SectorsPerFAT16)
	} else {
		var extra rawFAT32Extra
		extraStart := bpbOffset + bpbSize
		if err := binary.Read(bytes.NewReader(raw[extraStart:extraStart+28]), binary.LittleEndian, &extra); err != nil {
			return nil, errs.Wrap(errs.InvalidGeometry, err, "failed to decode FAT32 extended BPB")
		}
		sectorsPerFAT = uint(extra.SectorsPerFAT32)
		rootCluster = ClusterID(extra.RootCluster)
		fsInfoSector = uint(extra.FSInfoSector)

		if sectorsPerFAT == 0 {
			return nil, errs.New(errs.InvalidGeometry, "SectorsPerFAT32 is zero")
		}
	}

	firstDataSector := uint(bpb.ReservedSectors) + uint(bpb.NumFATs)*sectorsPerFAT + rootDirSectors
	if firstDataSector >= totalSectors {
		return nil, errs.New(
			errs.InvalidGeometry,
			"first data sector (%d) is past the end of the volume (%d sectors)",
			firstDataSector, totalSectors)
	}

	dataSectors := totalSectors - firstDataSector
	clusterCount := dataSectors / uint(bpb.SectorsPerCluster)

	variant := variantFromClusterCount(clusterCount)
	if variant == FAT32 && bpb.SectorsPerFAT16 != 0 {
		return nil, errs.New(
			errs.InvalidGeometry,
			"cluster count (%d) implies FAT32 but SectorsPerFAT16 is set", clusterCount)
	}
	if variant != FAT32 && bpb.SectorsPerFAT16 == 0 {
		return nil, errs.New(errs.InvalidGeometry, "SectorsPerFAT16 is zero on a non-FAT32 volume")
	}
	if variant == FAT32 && rootDirSectors != 0 {
		return nil, errs.New(
			errs.InvalidGeometry,
			"RootEntryCount is nonzero (%d) on a FAT32 volume", bpb.RootEntryCount)
	}

	bytesPerCluster := uint(bpb.BytesPerSector) * uint(bpb.SectorsPerCluster)
	if bytesPerCluster > 32768 {
		return nil, errs.New(
			errs.InvalidGeometry,
			"bytes per cluster (%d) exceeds the 32 KiB maximum", bytesPerCluster)
	}

	dataRegionStart := int64(firstDataSector) * int64(bpb.BytesPerSector)
	if dataRegionStart > dev.Size() && dev.Size() > 0 {
		return nil, errs.New(
			errs.InvalidGeometry,
			"data region starts at byte %d, past the end of the image (%d bytes)",
			dataRegionStart, dev.Size())
	}

	return &BootSector{
		Variant:           variant,
		BytesPerSector:    uint(bpb.BytesPerSector),
		SectorsPerCluster: uint(bpb.SectorsPerCluster),
		ReservedSectors:   uint(bpb.ReservedSectors),
		NumFATs:           uint(bpb.NumFATs),
		RootEntryCount:    uint(bpb.RootEntryCount),
		TotalSectors:      totalSectors,
		SectorsPerFAT:     sectorsPerFAT,
		RootCluster:       rootCluster,
		FSInfoSector:      fsInfoSector,
		RootDirSectors:    rootDirSectors,
		FirstDataSector:   firstDataSector,
		DataRegionStart:   dataRegionStart,
		BytesPerCluster:   bytesPerCluster,
		ClusterCount:      clusterCount,
		DirentsPerCluster: bytesPerCluster / DirentSize,
	}, nil
}

// ClusterByteOffset returns the absolute byte offset of the start of
// cluster n. n must be >= 2.
func (bs *BootSector) ClusterByteOffset(n ClusterID) int64 {
	return bs.DataRegionStart + int64(uint32(n)-2)*int64(bs.BytesPerCluster)
}
