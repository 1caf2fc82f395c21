// Package disks carries predefined FAT format layouts: the geometry knobs a
// formatter needs for common volume sizes, keyed by slug. The table lives in
// an embedded CSV so adding a layout is a data change, not a code change.
package disks

import (
	_ "embed"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"
)

// Layout is one predefined volume format.
type Layout struct {
	Slug string `csv:"slug"`
	Name string `csv:"name"`

	// FATType is 12, 16, or 32.
	FATType uint32 `csv:"fat_type"`

	TotalSectors      uint32 `csv:"total_sectors"`
	SectorsPerCluster uint32 `csv:"sectors_per_cluster"`
	ReservedSectors   uint32 `csv:"reserved_sectors"`
	NumFATs           uint32 `csv:"num_fats"`

	// RootEntries is the fixed root directory capacity; always 0 for FAT32.
	RootEntries uint32 `csv:"root_entries"`

	Notes string `csv:"notes"`
}

// TotalSizeBytes gives the minimum image size for the layout, assuming
// 512-byte sectors.
func (layout *Layout) TotalSizeBytes() int64 {
	return int64(layout.TotalSectors) * 512
}

//go:embed fat-layouts.csv
var layoutsRawCSV string

var layouts = map[string]Layout{}

// Get returns the predefined layout with the given slug.
func Get(slug string) (Layout, error) {
	layout, ok := layouts[slug]
	if ok {
		return layout, nil
	}
	return Layout{}, fmt.Errorf("no predefined FAT layout exists with slug %q", slug)
}

// Slugs lists every predefined layout slug, sorted.
func Slugs() []string {
	slugs := make([]string, 0, len(layouts))
	for slug := range layouts {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

func init() {
	reader := strings.NewReader(layoutsRawCSV)
	err := gocsv.UnmarshalToCallback(
		reader,
		func(row Layout) error {
			_, exists := layouts[row.Slug]
			if exists {
				return fmt.Errorf(
					"duplicate definition for layout %q found on row %d",
					row.Slug,
					len(layouts)+1,
				)
			}
			layouts[row.Slug] = row
			return nil
		},
	)
	if err != nil && err != io.EOF {
		panic(err)
	}
}
