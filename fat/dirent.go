package fat

import (
	"encoding/binary"
	"strings"
	"unicode/utf16"

	"github.com/importantchoice/fishy/errs"
)

// DirentSize is the size of one 32-byte directory record, short or LFN.
const DirentSize = 32

const (
	AttrReadOnly   = 0x01
	AttrHidden     = 0x02
	AttrSystem     = 0x04
	AttrVolumeID   = 0x08
	AttrDirectory  = 0x10
	AttrArchive    = 0x20
	// AttrLongName is the sentinel combination (ReadOnly|Hidden|System|
	// VolumeID) that marks a record as an LFN fragment rather than a
	// short directory entry.
	AttrLongName = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
	// lastLongEntryFlag is set in an LFN record's sequence byte on the
	// fragment farthest from the short entry (stored first on disk), which
	// is also the one holding the tail of the filename.
	lastLongEntryFlag = 0x40
	deletedMarker     = 0xE5
)

// rawDirent is the on-disk layout of a 32-byte short directory entry.
type rawDirent struct {
	Name             [8]byte
	Extension        [3]byte
	Attributes       uint8
	NTReserved       uint8
	CreateTimeTenths uint8
	CreateTime       uint16
	CreateDate       uint16
	LastAccessDate   uint16
	FirstClusterHigh uint16
	WriteTime        uint16
	WriteDate        uint16
	FirstClusterLow  uint16
	FileSize         uint32
}

func parseRawDirent(data []byte) rawDirent {
	return rawDirent{
		Attributes:       data[11],
		NTReserved:       data[12],
		CreateTimeTenths: data[13],
		CreateTime:       binary.LittleEndian.Uint16(data[14:16]),
		CreateDate:       binary.LittleEndian.Uint16(data[16:18]),
		LastAccessDate:   binary.LittleEndian.Uint16(data[18:20]),
		FirstClusterHigh: binary.LittleEndian.Uint16(data[20:22]),
		WriteTime:        binary.LittleEndian.Uint16(data[22:24]),
		WriteDate:        binary.LittleEndian.Uint16(data[24:26]),
		FirstClusterLow:  binary.LittleEndian.Uint16(data[26:28]),
		FileSize:         binary.LittleEndian.Uint32(data[28:32]),
		Name:             [8]byte{data[0], data[1], data[2], data[3], data[4], data[5], data[6], data[7]},
		Extension:        [3]byte{data[8], data[9], data[10]},
	}
}

// Dirent is a resolved directory entry: the reassembled long name (or the
// short 8.3 name if no LFN preceded it), its attributes, size, and the
// first cluster of its data chain.
type Dirent struct {
	Name         string
	ShortName    string
	Attributes   int
	FirstCluster ClusterID
	Size         uint32
	Deleted      bool
}

// IsDir reports whether the entry is a directory.
func (d *Dirent) IsDir() bool { return d.Attributes&AttrDirectory != 0 }

// IsVolumeLabel reports whether the entry is the volume's label record.
func (d *Dirent) IsVolumeLabel() bool { return d.Attributes&AttrVolumeID != 0 && d.Attributes&AttrLongName != AttrLongName }

func shortNameFromRaw(raw rawDirent) string {
	name := strings.TrimRight(string(raw.Name[:]), " ")
	ext := strings.TrimRight(string(raw.Extension[:]), " ")
	if ext == "" {
		return name
	}
	return name + "." + ext
}

// lfnFragment decodes the two-byte UTF-16LE groups of one LFN record into
// a string, stopping at the first 0x0000 terminator.
func lfnFragment(data []byte) string {
	// Name1 at 1..10 (5 units), Name2 at 14..25 (6 units), Name3 at 28..31
	// (2 units): 13 UTF-16 code units total per fragment.
	units := make([]uint16, 0, 13)
	for _, span := range [][2]int{{1, 11}, {14, 26}, {28, 32}} {
		for i := span[0]; i < span[1]; i += 2 {
			unit := binary.LittleEndian.Uint16(data[i : i+2])
			if unit == 0x0000 {
				return string(utf16.Decode(units))
			}
			units = append(units, unit)
		}
	}
	return string(utf16.Decode(units))
}

// direntStream walks a sequence of 32-byte directory records (already
// materialized in memory, one cluster's worth or the fixed-size FAT12/16
// root directory) and yields resolved Dirents, reassembling any LFN
// fragments that precede a short entry.
//
// Iteration stops at the first free (0x00) slot, per the FAT convention
// that directories never have a live entry after the first unused one.
type direntStream struct {
	data []byte
	pos  int
	// pending accumulates LFN fragments in name order (left to right):
	// each new fragment is read after the ones already in pending, but it
	// holds an earlier part of the name, so it's prepended rather than
	// appended.
	pending []string
}

func newDirentStream(data []byte) *direntStream {
	return &direntStream{data: data}
}

// next returns the next resolved entry, or (nil, nil) at end of stream.
func (s *direntStream) next() (*Dirent, error) {
	for {
		if s.pos+DirentSize > len(s.data) {
			return nil, nil
		}
		record := s.data[s.pos : s.pos+DirentSize]
		s.pos += DirentSize

		if record[0] == 0x00 {
			return nil, nil
		}
		if record[0] == deletedMarker {
			s.pending = nil
			continue
		}

		attr := record[11]
		if attr&AttrLongName == AttrLongName {
			seq := record[0]
			fragment := lfnFragment(record)
			if seq&lastLongEntryFlag != 0 {
				// The record farthest from the short entry is encountered
				// first but holds the tail of the name.
				s.pending = []string{fragment}
			} else {
				s.pending = append([]string{fragment}, s.pending...)
			}
			continue
		}

		raw := parseRawDirent(record)
		longName := ""
		if len(s.pending) > 0 {
			longName = strings.Join(s.pending, "")
			s.pending = nil
		}

		shortName := shortNameFromRaw(raw)
		name := longName
		if name == "" {
			name = shortName
		}

		dirent := &Dirent{
			Name:       name,
			ShortName:  shortName,
			Attributes: int(raw.Attributes),
			FirstCluster: ClusterID(
				(uint32(raw.FirstClusterHigh) << 16) | uint32(raw.FirstClusterLow)),
			Size: raw.FileSize,
		}

		// Skip `.` and `..` -- they're not meaningful cover-file targets
		// and would otherwise confuse path resolution.
		if shortName == "." || shortName == ".." {
			continue
		}

		return dirent, nil
	}
}

// ReadDirentStream resolves every live entry out of a buffer containing
// whole 32-byte records (a root directory region or a directory's full
// cluster chain concatenated together).
func ReadDirentStream(data []byte) ([]Dirent, error) {
	stream := newDirentStream(data)
	var result []Dirent
	for {
		d, err := stream.next()
		if err != nil {
			return nil, err
		}
		if d == nil {
			return result, nil
		}
		result = append(result, *d)
	}
}

// FindChild resolves a single path segment against a list of directory
// entries, case-insensitively, per spec §4.3.
func FindChild(entries []Dirent, name string) (*Dirent, error) {
	for i := range entries {
		if strings.EqualFold(entries[i].Name, name) {
			return &entries[i], nil
		}
	}
	return nil, errs.New(errs.PathNotFound, "%q not found", name)
}
