package metadata

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	"github.com/example/photoverify/internal/apperr"
)

// ExifExtractor reads capture attributes from embedded EXIF data.
type ExifExtractor struct{}

// NewExifExtractor returns the local EXIF extractor.
func NewExifExtractor() *ExifExtractor {
	return &ExifExtractor{}
}

// exifTimeLayout is the EXIF DateTime format. The value carries no zone.
const exifTimeLayout = "2006:01:02 15:04:05"

// Extract decodes the EXIF block of image. A missing, corrupt or malformed
// block is reported as a metadata extraction error.
func (e *ExifExtractor) Extract(ctx context.Context, image []byte) (summary *Summary, err error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	// goexif panics on some malformed tags, e.g. a zero rational denominator.
	defer func() {
		if r := recover(); r != nil {
			summary = nil
			err = apperr.MetadataExtraction(fmt.Errorf("malformed exif: %v", r))
		}
	}()
	x, decodeErr := exif.Decode(bytes.NewReader(image))
	if decodeErr != nil && (x == nil || exif.IsCriticalError(decodeErr)) {
		return nil, apperr.MetadataExtraction(decodeErr)
	}
	return summaryFromExif(x), nil
}

func summaryFromExif(x *exif.Exif) *Summary {
	s := &Summary{
		DeviceMake:   stringTag(x, exif.Make),
		DeviceModel:  stringTag(x, exif.Model),
		ISO:          intTag(x, exif.ISOSpeedRatings),
		Orientation:  intTag(x, exif.Orientation),
		ExposureTime: ratTag(x, exif.ExposureTime),
		FNumber:      ratTag(x, exif.FNumber),
		Altitude:     ratTag(x, exif.GPSAltitude),
	}
	if lat, long, err := x.LatLong(); err == nil {
		s.Latitude = &lat
		s.Longitude = &long
	}
	s.Timestamp = timeTag(x)
	return s
}

// timeTag reads the capture time as UTC wall clock so the result does not
// depend on the host's zone.
func timeTag(x *exif.Exif) *time.Time {
	for _, name := range []exif.FieldName{exif.DateTimeOriginal, exif.DateTime} {
		raw := stringTag(x, name)
		if raw == "" {
			continue
		}
		ts, err := time.ParseInLocation(exifTimeLayout, raw, time.UTC)
		if err != nil || ts.IsZero() {
			continue
		}
		return &ts
	}
	return nil
}

func lookup(x *exif.Exif, name exif.FieldName) (*tiff.Tag, bool) {
	tag, err := x.Get(name)
	if err != nil || tag == nil || tag.Count == 0 {
		return nil, false
	}
	return tag, true
}

func stringTag(x *exif.Exif, name exif.FieldName) string {
	tag, ok := lookup(x, name)
	if !ok {
		return ""
	}
	v, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return trimNUL(v)
}

func intTag(x *exif.Exif, name exif.FieldName) *int {
	tag, ok := lookup(x, name)
	if !ok {
		return nil
	}
	v, err := tag.Int(0)
	if err != nil {
		return nil
	}
	return &v
}

func ratTag(x *exif.Exif, name exif.FieldName) *float64 {
	tag, ok := lookup(x, name)
	if !ok {
		return nil
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		return nil
	}
	f := float64(num) / float64(den)
	return &f
}

func trimNUL(s string) string {
	return string(bytes.TrimRight([]byte(s), "\x00 "))
}
