// Package geometry catalogs named, commonly used FAT volume geometries
// (floppy sizes such as "fat12-1440k", small hard-disk partitions), each
// with its reserved-sector, FAT and sectors-per-FAT numbers. The fishy
// command-line driver does not offer a geometry option.
package geometry

import (
	_ "embed"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"
)

// Preset is one named, predefined FAT volume geometry.
type Preset struct {
	Slug              string `csv:"slug"`
	Name              string `csv:"name"`
	Variant           string `csv:"variant"`
	BytesPerSector    uint   `csv:"bytes_per_sector"`
	SectorsPerCluster uint   `csv:"sectors_per_cluster"`
	ReservedSectors   uint   `csv:"reserved_sectors"`
	NumFATs           uint   `csv:"num_fats"`
	RootEntryCount    uint   `csv:"root_entry_count"`
	TotalSectors      uint   `csv:"total_sectors"`
	SectorsPerFAT     uint   `csv:"sectors_per_fat"`
	Notes             string `csv:"notes"`
}

// TotalSizeBytes returns the size, in bytes, of an image built from this
// preset.
func (p Preset) TotalSizeBytes() int64 {
	return int64(p.BytesPerSector) * int64(p.TotalSectors)
}

func (p Preset) String() string {
	return fmt.Sprintf("%s (%s, %s, %d bytes)", p.Slug, p.Name, p.Variant, p.TotalSizeBytes())
}

//go:embed presets.csv
var presetsRawCSV string

var presets map[string]Preset

func init() {
	presets = make(map[string]Preset)

	reader := strings.NewReader(presetsRawCSV)
	err := gocsv.UnmarshalToCallback(reader, func(row Preset) error {
		if _, exists := presets[row.Slug]; exists {
			return fmt.Errorf("duplicate geometry preset slug %q", row.Slug)
		}
		presets[row.Slug] = row
		return nil
	})
	if err != nil && err != io.EOF {
		panic(err)
	}
}

// Lookup returns the named preset, or an error if no preset with that slug
// is registered.
func Lookup(slug string) (Preset, error) {
	preset, ok := presets[slug]
	if !ok {
		return Preset{}, fmt.Errorf("no predefined geometry with slug %q (see geometry.Slugs for the full list)", slug)
	}
	return preset, nil
}

// Slugs returns every registered preset's slug, sorted.
func Slugs() []string {
	slugs := make([]string, 0, len(presets))
	for slug := range presets {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}
