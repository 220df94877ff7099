package metadata

import (
	"context"
	"time"
)

// Summary is the flat set of capture attributes read from an image.
// Empty strings and nil pointers mean the attribute was not present.
type Summary struct {
	DeviceMake   string     `json:"deviceMake,omitempty"`
	DeviceModel  string     `json:"deviceModel,omitempty"`
	ISO          *int       `json:"iso,omitempty"`
	ExposureTime *float64   `json:"exposureTime,omitempty"`
	FNumber      *float64   `json:"fNumber,omitempty"`
	Latitude     *float64   `json:"latitude,omitempty"`
	Longitude    *float64   `json:"longitude,omitempty"`
	Altitude     *float64   `json:"altitude,omitempty"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
	Orientation  *int       `json:"orientation,omitempty"`
}

// HasGPS reports whether both coordinates are present.
func (s Summary) HasGPS() bool {
	return s.Latitude != nil && s.Longitude != nil
}

// Extractor exposes the metadata lookup used by the verification pipeline.
type Extractor interface {
	Extract(ctx context.Context, image []byte) (*Summary, error)
}

// StaticExtractor returns the same Summary for every image. Used when metadata
// is supplied out of band, e.g. from a JSON sidecar file.
type StaticExtractor struct {
	Summary Summary
	Err     error
}

// Extract returns a copy of the configured Summary or the configured error.
func (s StaticExtractor) Extract(ctx context.Context, _ []byte) (*Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	out := s.Summary
	return &out, nil
}
