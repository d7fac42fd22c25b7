package fat

import (
	"encoding/binary"
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/hashicorp/go-multierror"

	"github.com/importantchoice/fishy/blockio"
	"github.com/importantchoice/fishy/errs"
)

// EntryStatus classifies the value stored for one cluster in the
// allocation table.
type EntryStatus int

const (
	Free EntryStatus = iota
	Reserved
	Bad
	EndOfChain
	Next
)

// Entry is the decoded value of a single allocation-table slot: a status,
// and if Status == Next, the cluster it points to.
type Entry struct {
	Status EntryStatus
	NextID ClusterID
}

func (e Entry) String() string {
	switch e.Status {
	case Free:
		return "Free"
	case Reserved:
		return "Reserved"
	case Bad:
		return "Bad"
	case EndOfChain:
		return "EndOfChain"
	default:
		return fmt.Sprintf("Next(%d)", uint32(e.NextID))
	}
}

// Table is the in-memory, variant-aware codec for a FAT allocation table.
// It mirrors every write across all copies on the image and keeps a
// bitmap of free clusters for fast allocation.
type Table struct {
	dev     *blockio.Device
	boot    *BootSector
	// copies holds one decoded byte buffer per FAT copy, each exactly
	// SectorsPerFAT*BytesPerSector bytes.
	copies  [][]byte
	free    bitmap.Bitmap
	// highestClusterID is the largest valid cluster id (ClusterCount + 1).
	highestClusterID ClusterID
}

// fatByteOffset returns the byte offset of the start of the nth FAT copy.
func (bs *BootSector) fatByteOffset(copyIndex uint) int64 {
	return int64(bs.ReservedSectors)*int64(bs.BytesPerSector) +
		int64(copyIndex)*int64(bs.SectorsPerFAT)*int64(bs.BytesPerSector)
}

// LoadTable reads every FAT copy from dev into memory.
func LoadTable(dev *blockio.Device, boot *BootSector) (*Table, error) {
	fatSize := int(boot.SectorsPerFAT * boot.BytesPerSector)
	copies := make([][]byte, boot.NumFATs)

	for i := uint(0); i < boot.NumFATs; i++ {
		data, err := dev.ReadAt(boot.fatByteOffset(i), fatSize)
		if err != nil {
			return nil, errs.Wrap(errs.IoFailed, err, "failed to read FAT copy %d", i)
		}
		copies[i] = data
	}

	t := &Table{
		dev:              dev,
		boot:             boot,
		copies:           copies,
		highestClusterID: ClusterID(boot.ClusterCount + 1),
	}
	t.rebuildFreeBitmap()
	return t, nil
}

func (t *Table) rebuildFreeBitmap() {
	t.free = bitmap.New(int(t.highestClusterID) + 1)
	for n := ClusterID(2); n <= t.highestClusterID; n++ {
		entry := t.decode(0, n)
		if entry.Status == Free {
			t.free.Set(int(n), true)
		}
	}
}

// IsValidCluster reports whether n is in the addressable data-cluster range.
func (t *Table) IsValidCluster(n ClusterID) bool {
	return n >= 2 && n <= t.highestClusterID
}

// eocThreshold and badMarker depend on the variant's bit width.
func (t *Table) eocThreshold() uint32 {
	switch t.boot.Variant {
	case FAT12:
		return 0xFF8
	case FAT16:
		return 0xFFF8
	default:
		return 0x0FFFFFF8
	}
}

func (t *Table) badMarker() uint32 {
	switch t.boot.Variant {
	case FAT12:
		return 0xFF7
	case FAT16:
		return 0xFFF7
	default:
		return 0x0FFFFFF7
	}
}

// rawValue reads the raw (unclassified) numeric value of cluster n from FAT
// copy `copyIndex`.
func (t *Table) rawValue(copyIndex int, n ClusterID) uint32 {
	data := t.copies[copyIndex]

	switch t.boot.Variant {
	case FAT12:
		// Each entry occupies 1.5 bytes. Two consecutive entries share
		// three bytes: [n even] low byte + low nibble of byte 1;
		// [n odd] high nibble of byte 0 + byte 1.
		byteIndex := (int(n) * 3) / 2
		b0 := uint32(data[byteIndex])
		b1 := uint32(data[byteIndex+1])
		if n%2 == 0 {
			return b0 | ((b1 & 0x0F) << 8)
		}
		return (b0 >> 4) | (b1 << 4)

	case FAT16:
		return uint32(binary.LittleEndian.Uint16(data[int(n)*2:]))

	default: // FAT32
		return binary.LittleEndian.Uint32(data[int(n)*4:]) & 0x0FFFFFFF
	}
}

// decode turns a raw table value into a classified Entry.
func (t *Table) decode(copyIndex int, n ClusterID) Entry {
	raw := t.rawValue(copyIndex, n)

	switch {
	case raw == 0:
		return Entry{Status: Free}
	case raw == 1:
		return Entry{Status: Reserved}
	case raw == t.badMarker():
		return Entry{Status: Bad}
	case raw >= t.eocThreshold():
		return Entry{Status: EndOfChain}
	default:
		return Entry{Status: Next, NextID: ClusterID(raw)}
	}
}

// encode converts an Entry back into the raw numeric value for the
// variant's table width.
func (t *Table) encode(e Entry) uint32 {
	switch e.Status {
	case Free:
		return 0
	case Reserved:
		return 1
	case Bad:
		return t.badMarker()
	case EndOfChain:
		return t.eocThreshold() | 0xF // conventional all-ones EOC marker
	default:
		return uint32(e.NextID)
	}
}

// writeRaw stores value into copy `copyIndex` at cluster n, honoring each
// variant's packing and preserved-bits rules.
func (t *Table) writeRaw(copyIndex int, n ClusterID, value uint32) {
	data := t.copies[copyIndex]

	switch t.boot.Variant {
	case FAT12:
		byteIndex := (int(n) * 3) / 2
		if n%2 == 0 {
			// Low byte is ours entirely; high nibble of the next byte
			// must be preserved (it belongs to the next entry).
			data[byteIndex] = byte(value & 0xFF)
			data[byteIndex+1] = (data[byteIndex+1] & 0xF0) | byte((value>>8)&0x0F)
		} else {
			// Low nibble of the first byte belongs to the previous
			// entry and must be preserved.
			data[byteIndex] = (data[byteIndex] & 0x0F) | byte((value&0x0F)<<4)
			data[byteIndex+1] = byte(value >> 4)
		}

	case FAT16:
		binary.LittleEndian.PutUint16(data[int(n)*2:], uint16(value))

	default: // FAT32: top 4 bits are reserved and must be preserved.
		offset := int(n) * 4
		existing := binary.LittleEndian.Uint32(data[offset:])
		merged := (existing & 0xF0000000) | (value & 0x0FFFFFFF)
		binary.LittleEndian.PutUint32(data[offset:], merged)
	}
}

// Get returns the classified entry for cluster n, as seen in FAT copy 0.
func (t *Table) Get(n ClusterID) (Entry, error) {
	if !t.IsValidCluster(n) {
		return Entry{}, errs.New(errs.ChainCorrupt, "cluster %d is out of range [2, %d]", n, t.highestClusterID)
	}
	return t.decode(0, n), nil
}

// Set writes entry for cluster n to every FAT copy and updates the free
// bitmap. It verifies all copies agree after the write and returns
// FatMirrorInconsistent (without rolling back) if they don't -- callers
// performing multi-entry mutations are responsible for their own
// transactional rollback using Snapshot/Restore.
func (t *Table) Set(n ClusterID, entry Entry) error {
	if !t.IsValidCluster(n) {
		return errs.New(errs.ChainCorrupt, "cluster %d is out of range [2, %d]", n, t.highestClusterID)
	}

	value := t.encode(entry)
	for i := range t.copies {
		t.writeRaw(i, n, value)
	}
	t.free.Set(int(n), entry.Status == Free)

	for i := 1; i < len(t.copies); i++ {
		if t.rawValue(i, n) != t.rawValue(0, n) {
			return errs.New(errs.FatMirrorInconsistent,
				"cluster %d differs between FAT copy 0 and copy %d after write", n, i)
		}
	}
	return nil
}

// Snapshot returns a deep copy of the in-memory table, suitable for
// restoring with Restore if a multi-step mutation fails partway through.
func (t *Table) Snapshot() [][]byte {
	snap := make([][]byte, len(t.copies))
	for i, c := range t.copies {
		snap[i] = append([]byte(nil), c...)
	}
	return snap
}

// Restore replaces the in-memory table with a previously captured
// Snapshot and rebuilds the free-cluster bitmap.
func (t *Table) Restore(snap [][]byte) {
	for i, c := range snap {
		copy(t.copies[i], c)
	}
	t.rebuildFreeBitmap()
}

// Flush writes every in-memory FAT copy back to the image and verifies
// that all copies are byte-identical, mirroring the invariant in spec §8.
func (t *Table) Flush() error {
	for i, data := range t.copies {
		if err := t.dev.WriteAt(t.boot.fatByteOffset(uint(i)), data); err != nil {
			return errs.Wrap(errs.FatWriteFailed, err, "failed to write FAT copy %d", i)
		}
	}
	return t.VerifyMirrors()
}

// VerifyMirrors checks that all in-memory FAT copies are identical,
// returning a FatMirrorInconsistent error that names every diverging copy
// index if not.
func (t *Table) VerifyMirrors() error {
	if len(t.copies) < 2 {
		return nil
	}

	var result *multierror.Error
	reference := t.copies[0]
	for i := 1; i < len(t.copies); i++ {
		if !bytesEqual(reference, t.copies[i]) {
			result = multierror.Append(result, errs.New(
				errs.FatMirrorInconsistent, "FAT copy %d diverges from copy 0", i))
		}
	}
	if result != nil {
		return errs.Wrap(errs.FatMirrorInconsistent, result, "FAT copies are inconsistent")
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// IterFree calls visit once for every free cluster in ascending order,
// stopping early if visit returns false.
func (t *Table) IterFree(visit func(ClusterID) bool) {
	for n := ClusterID(2); n <= t.highestClusterID; n++ {
		if t.free.Get(int(n)) {
			if !visit(n) {
				return
			}
		}
	}
}

// FreeClusterCount returns the number of free clusters currently tracked.
func (t *Table) FreeClusterCount() uint {
	count := uint(0)
	t.IterFree(func(ClusterID) bool {
		count++
		return true
	})
	return count
}

// AllocateFree returns up to n free cluster IDs in ascending order
// (first-fit). If fewer than n are available, it returns OutOfSpace and no
// partial result.
func (t *Table) AllocateFree(n uint) ([]ClusterID, error) {
	if n == 0 {
		return nil, nil
	}
	result := make([]ClusterID, 0, n)
	t.IterFree(func(id ClusterID) bool {
		result = append(result, id)
		return uint(len(result)) < n
	})

	if uint(len(result)) < n {
		return nil, errs.New(errs.OutOfSpace, "need %d free clusters, only %d available", n, len(result))
	}
	return result, nil
}
