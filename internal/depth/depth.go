// Package depth scores depth-sensor frames captured alongside a photo.
//
// Confidence falls linearly with the population variance of the samples and
// reaches zero once the variance hits the scorer's VarianceScale.
package depth

import (
	"math"

	"github.com/example/photoverify/internal/apperr"
)

// DefaultVarianceScale is the variance at which the normalised variance
// saturates at 1. Empirical; override through Scorer.VarianceScale.
const DefaultVarianceScale = 1000

// Frame is a row-major depth map.
type Frame struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Values []float64 `json:"values"`
}

// Score summarises a Frame.
type Score struct {
	Variance   float64 `json:"variance"`
	Mean       float64 `json:"mean"`
	Confidence float64 `json:"confidence"`
}

// Validate checks that the frame dimensions match its samples. The check
// divides instead of multiplying so huge dimensions cannot wrap around.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return apperr.Newf(apperr.KindValidation, "depth frame dimensions must be positive, got %dx%d", f.Width, f.Height).WithField("depth")
	}
	n := len(f.Values)
	if n == 0 {
		return apperr.New(apperr.KindValidation, "depth frame has no samples").WithField("depth")
	}
	if n%f.Height != 0 || n/f.Height != f.Width {
		return apperr.Newf(apperr.KindValidation, "depth frame has %d samples, want %dx%d",
			n, f.Width, f.Height).WithField("depth")
	}
	return nil
}

// Scorer computes Scores with a configurable variance scale.
type Scorer struct {
	VarianceScale float64
}

// NewScorer returns a Scorer; a non-positive scale falls back to DefaultVarianceScale.
func NewScorer(scale float64) Scorer {
	if scale <= 0 {
		scale = DefaultVarianceScale
	}
	return Scorer{VarianceScale: scale}
}

// Score returns the population variance, mean and confidence of frame.
func (s Scorer) Score(frame Frame) (*Score, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	scale := s.VarianceScale
	if scale <= 0 {
		scale = DefaultVarianceScale
	}

	n := float64(len(frame.Values))
	var sum float64
	for _, v := range frame.Values {
		sum += v
	}
	mean := sum / n

	var sq float64
	for _, v := range frame.Values {
		d := v - mean
		sq += d * d
	}
	variance := sq / n

	normalized := math.Min(variance/scale, 1)
	return &Score{
		Variance:   variance,
		Mean:       mean,
		Confidence: round(1-normalized, 4),
	}, nil
}

// ScoreFrame scores frame with DefaultVarianceScale.
func ScoreFrame(frame Frame) (*Score, error) {
	return NewScorer(DefaultVarianceScale).Score(frame)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
