// Package verification turns an image, optional depth frame and its metadata
// into a confidence score and a pass/review/fail verdict.
//
// The EXIF score is a plausibility heuristic over which capture attributes are
// present. It proves nothing cryptographically; tamper evidence comes from the
// checksum and its signature.
package verification

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/example/photoverify/internal/apperr"
	"github.com/example/photoverify/internal/checksum"
	"github.com/example/photoverify/internal/depth"
	"github.com/example/photoverify/internal/metadata"
)

// Verdict classifies a verification outcome.
type Verdict string

const (
	VerdictPass   Verdict = "pass"
	VerdictReview Verdict = "review"
	VerdictFail   Verdict = "fail"
)

const (
	requiredFieldCount = 6
	deviceMatchBonus   = 0.1
	gpsBonus           = 0.05
)

// Config holds the tunable scoring constants.
type Config struct {
	PassThreshold      float64
	ReviewThreshold    float64
	ExifWeight         float64
	DepthWeight        float64
	DepthVarianceScale float64
}

// DefaultConfig returns the reference thresholds and weights.
func DefaultConfig() Config {
	return Config{
		PassThreshold:      0.8,
		ReviewThreshold:    0.5,
		ExifWeight:         0.6,
		DepthWeight:        0.4,
		DepthVarianceScale: depth.DefaultVarianceScale,
	}
}

// Validate checks the thresholds are ordered and the weights sum to one.
func (c Config) Validate() error {
	if c.ReviewThreshold <= 0 || c.ReviewThreshold > c.PassThreshold || c.PassThreshold > 1 {
		return apperr.Newf(apperr.KindConfiguration, "thresholds must satisfy 0 < review (%v) <= pass (%v) <= 1", c.ReviewThreshold, c.PassThreshold)
	}
	if c.ExifWeight < 0 || c.DepthWeight < 0 || math.Abs(c.ExifWeight+c.DepthWeight-1) > 1e-9 {
		return apperr.Newf(apperr.KindConfiguration, "exif (%v) and depth (%v) weights must be non-negative and sum to 1", c.ExifWeight, c.DepthWeight)
	}
	if c.DepthVarianceScale <= 0 {
		return apperr.Newf(apperr.KindConfiguration, "depth variance scale must be positive, got %v", c.DepthVarianceScale)
	}
	return nil
}

// Input is one verification request.
type Input struct {
	Image            []byte
	Depth            *depth.Frame
	ExpectedDeviceID string
}

// Result is the immutable outcome of Run.
type Result struct {
	Checksum   string           `json:"checksum"`
	Metadata   metadata.Summary `json:"metadata"`
	ExifScore  float64          `json:"exifScore"`
	DepthScore *depth.Score     `json:"depthScore,omitempty"`
	Combined   float64          `json:"combinedScore"`
	Verdict    Verdict          `json:"verdict"`
}

// Pipeline runs verifications. It holds no per-call state and is safe for
// concurrent use.
type Pipeline struct {
	hasher    checksum.Hasher
	extractor metadata.Extractor
	scorer    depth.Scorer
	cfg       Config
	logger    *zap.Logger
}

// NewPipeline builds a Pipeline. The config is validated up front.
func NewPipeline(hasher checksum.Hasher, extractor metadata.Extractor, logger *zap.Logger, cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if hasher == nil {
		hasher = checksum.SHA256{}
	}
	if extractor == nil {
		return nil, apperr.New(apperr.KindConfiguration, "metadata extractor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		hasher:    hasher,
		extractor: extractor,
		scorer:    depth.NewScorer(cfg.DepthVarianceScale),
		cfg:       cfg,
		logger:    logger.Named("verification_pipeline"),
	}, nil
}

// Run verifies in. Any failure aborts the whole run; no partial result is returned.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Result, error) {
	if len(in.Image) == 0 {
		return nil, apperr.Validation("image", "image buffer is empty").WithOp("verification.run")
	}

	sum := p.hasher.Sum(in.Image)

	meta, err := p.extractor.Extract(ctx, in.Image)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		if !apperr.Is(err, apperr.KindMetadataExtraction) {
			err = apperr.MetadataExtraction(err)
		}
		p.logger.Warn("metadata extraction failed", zap.String("checksum", sum), zap.Error(err))
		return nil, err
	}
	if meta == nil {
		meta = &metadata.Summary{}
	}

	exifScore := ScoreMetadata(*meta, in.ExpectedDeviceID)

	var depthScore *depth.Score
	if in.Depth != nil {
		depthScore, err = p.scorer.Score(*in.Depth)
		if err != nil {
			return nil, err
		}
	}

	combined := p.combine(exifScore, depthScore)
	verdict := p.resolve(combined)

	p.logger.Debug("verification complete",
		zap.String("checksum", sum),
		zap.Float64("exif_score", exifScore),
		zap.Float64("combined", combined),
		zap.String("verdict", string(verdict)),
	)

	return &Result{
		Checksum:   sum,
		Metadata:   *meta,
		ExifScore:  exifScore,
		DepthScore: depthScore,
		Combined:   combined,
		Verdict:    verdict,
	}, nil
}

// ScoreMetadata rates how complete and consistent the capture metadata is.
func ScoreMetadata(m metadata.Summary, expectedDeviceID string) float64 {
	populated := 0
	for _, present := range []bool{
		m.DeviceMake != "",
		m.DeviceModel != "",
		m.ISO != nil,
		m.ExposureTime != nil,
		m.FNumber != nil,
		m.Timestamp != nil,
	} {
		if present {
			populated++
		}
	}

	score := float64(populated) / requiredFieldCount
	if expectedDeviceID != "" && m.DeviceModel != "" &&
		strings.Contains(strings.ToLower(m.DeviceModel), strings.ToLower(expectedDeviceID)) {
		score += deviceMatchBonus
	}
	if m.HasGPS() {
		score += gpsBonus
	}
	return round(math.Min(score, 1), 3)
}

func (p *Pipeline) combine(exifScore float64, d *depth.Score) float64 {
	if d == nil {
		return exifScore
	}
	// rounding keeps boundary values such as 0.8 from landing a hair below the cutoff
	return round(exifScore*p.cfg.ExifWeight+d.Confidence*p.cfg.DepthWeight, 4)
}

func (p *Pipeline) resolve(combined float64) Verdict {
	switch {
	case combined >= p.cfg.PassThreshold:
		return VerdictPass
	case combined >= p.cfg.ReviewThreshold:
		return VerdictReview
	default:
		return VerdictFail
	}
}

func round(v float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(v*pow) / pow
}

// String renders the verdict for logs and CLI output.
func (r *Result) String() string {
	return fmt.Sprintf("%s checksum=%s combined=%.4f", r.Verdict, r.Checksum, r.Combined)
}
