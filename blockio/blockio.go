// Package blockio provides a sector-aligned random access layer over a disk
// image stream.
//
// All image I/O in fishy goes through a Device so that sector-size
// enforcement, bounds checking, and offset arithmetic live in one place
// instead of being repeated by every FAT component that touches the image.
package blockio

import (
	"fmt"
	"io"

	"github.com/importantchoice/fishy/errs"
)

// Device is a seekable random-access view of a disk image, addressed in
// units of SectorSize bytes starting at StartOffset.
//
// The exposed fields are informational; callers should not mutate them
// after construction.
type Device struct {
	// SectorSize is the size of one sector, in bytes. ReadSectors and
	// WriteSectors must transfer an exact multiple of this size; ReadAt
	// and WriteAt take arbitrary lengths.
	SectorSize uint
	// TotalSectors is the number of addressable sectors in the device.
	TotalSectors uint
	// StartOffset is added to every sector address (SectorOffset,
	// ReadSectors, WriteSectors) before seeking. ReadAt and WriteAt take
	// absolute stream offsets and do not add it.
	StartOffset int64

	stream io.ReadWriteSeeker
}

// NewDevice wraps stream as a sector-addressed Device.
func NewDevice(stream io.ReadWriteSeeker, sectorSize, totalSectors uint, startOffset int64) *Device {
	return &Device{
		SectorSize:   sectorSize,
		TotalSectors: totalSectors,
		StartOffset:  startOffset,
		stream:       stream,
	}
}

// SectorOffset returns the absolute byte offset of the given sector.
func (d *Device) SectorOffset(sector uint) (int64, error) {
	if sector >= d.TotalSectors {
		return 0, errs.New(
			errs.IoFailed,
			"sector %d out of range [0, %d)", sector, d.TotalSectors)
	}
	return d.StartOffset + int64(sector)*int64(d.SectorSize), nil
}

// checkAligned verifies dataLength is a multiple of the sector
// size and that [sector, sector+dataLength/SectorSize) stays in bounds.
func (d *Device) checkAligned(sector uint, dataLength uint) error {
	if dataLength%d.SectorSize != 0 {
		return errs.New(
			errs.IoFailed,
			"length %d is not a multiple of the sector size (%d)",
			dataLength, d.SectorSize)
	}

	numSectors := dataLength / d.SectorSize
	if sector+numSectors > d.TotalSectors {
		return errs.New(
			errs.IoFailed,
			"read/write of %d sectors at %d extends past end of image (%d sectors)",
			numSectors, sector, d.TotalSectors)
	}
	return nil
}

// ReadSectors reads count whole sectors beginning at sector.
func (d *Device) ReadSectors(sector, count uint) ([]byte, error) {
	if err := d.checkAligned(sector, count*d.SectorSize); err != nil {
		return nil, err
	}

	offset, err := d.SectorOffset(sector)
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, count*d.SectorSize)
	if _, err := d.stream.Seek(offset, io.SeekStart); err != nil {
		return nil, errs.Wrap(errs.IoFailed, err, "seek to sector %d failed", sector)
	}

	if _, err := io.ReadFull(d.stream, buffer); err != nil {
		return nil, errs.Wrap(errs.IoFailed, err, "short read at sector %d", sector)
	}
	return buffer, nil
}

// WriteSectors writes data, which must be an exact multiple of the sector
// size, beginning at sector.
func (d *Device) WriteSectors(sector uint, data []byte) error {
	if err := d.checkAligned(sector, uint(len(data))); err != nil {
		return err
	}

	offset, err := d.SectorOffset(sector)
	if err != nil {
		return err
	}

	if _, err := d.stream.Seek(offset, io.SeekStart); err != nil {
		return errs.Wrap(errs.IoFailed, err, "seek to sector %d failed", sector)
	}
	if _, err := d.stream.Write(data); err != nil {
		return errs.Wrap(errs.IoFailed, err, "short write at sector %d", sector)
	}
	return nil
}

// ReadAt reads length bytes starting at an arbitrary byte offset (not
// necessarily sector-aligned). This is used for cluster- and
// slack-granularity I/O once the FAT layer has resolved a byte address.
func (d *Device) ReadAt(offset int64, length int) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, errs.New(errs.IoFailed, "negative offset or length")
	}

	buffer := make([]byte, length)
	if _, err := d.stream.Seek(offset, io.SeekStart); err != nil {
		return nil, errs.Wrap(errs.IoFailed, err, "seek to offset %d failed", offset)
	}
	if _, err := io.ReadFull(d.stream, buffer); err != nil {
		return nil, errs.Wrap(errs.IoFailed, err, "short read at offset %d", offset)
	}
	return buffer, nil
}

// WriteAt writes data at an arbitrary byte offset.
func (d *Device) WriteAt(offset int64, data []byte) error {
	if offset < 0 {
		return errs.New(errs.IoFailed, "negative offset")
	}
	if _, err := d.stream.Seek(offset, io.SeekStart); err != nil {
		return errs.Wrap(errs.IoFailed, err, "seek to offset %d failed", offset)
	}
	if _, err := d.stream.Write(data); err != nil {
		return errs.Wrap(errs.IoFailed, err, "short write at offset %d", offset)
	}
	return nil
}

// Size returns the total addressable size of the device, in bytes.
func (d *Device) Size() int64 {
	return int64(d.SectorSize) * int64(d.TotalSectors)
}

func (d *Device) String() string {
	return fmt.Sprintf(
		"Device(sectorSize=%d, totalSectors=%d, startOffset=%d)",
		d.SectorSize, d.TotalSectors, d.StartOffset)
}
