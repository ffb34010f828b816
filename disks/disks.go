// Package disks holds a small catalog of predefined image profiles:
// named device sizes that tests and tooling can format without picking
// numbers ad hoc.
package disks

import (
	_ "embed"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
)

// ImageProfile describes one predefined image: a human-readable name, a
// stable slug for lookups, and the device size in 4 KiB blocks.
type ImageProfile struct {
	Name        string `csv:"name"`
	Slug        string `csv:"slug"`
	TotalBlocks uint64 `csv:"total_blocks"`
	Notes       string `csv:"notes"`
}

// TotalSizeBytes gives the size of the image file backing this profile.
func (p *ImageProfile) TotalSizeBytes() int64 {
	return int64(p.TotalBlocks) * 4096
}

//go:embed image-profiles.csv
var imageProfilesRawCSV string
var imageProfiles = make(map[string]ImageProfile)

// GetPredefinedImageProfile looks a profile up by slug.
func GetPredefinedImageProfile(slug string) (ImageProfile, error) {
	profile, ok := imageProfiles[slug]
	if ok {
		return profile, nil
	}

	err := fmt.Errorf("no predefined image profile exists with slug %q", slug)
	return ImageProfile{}, err
}

func init() {
	reader := strings.NewReader(imageProfilesRawCSV)
	err := gocsv.UnmarshalToCallback(
		reader,
		func(row ImageProfile) error {
			_, exists := imageProfiles[row.Slug]
			if exists {
				return fmt.Errorf(
					"duplicate definition for image profile %q found on row %d",
					row.Slug,
					len(imageProfiles)+1,
				)
			}
			imageProfiles[row.Slug] = row
			return nil
		},
	)
	if err != nil && err != io.EOF {
		panic(err)
	}
}
