package usecase

import (
	"context"

	"github.com/example/photoverify/internal/verification"
)

// MetricsSummary represents aggregated verification insights.
type MetricsSummary struct {
	TotalRequests              int64            `json:"total_requests"`
	VerdictCounts              map[string]int64 `json:"verdict_counts"`
	PassRate                   float64          `json:"pass_rate"`
	AnchoredCount              int64            `json:"anchored_count"`
	AverageCombinedScore       float64          `json:"average_combined_score"`
	AverageProcessingLatencyMs float64          `json:"average_processing_latency_ms"`
}

// GetMetricsSummary aggregates verification metrics from persisted records.
func (uc *VerificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		VerdictCounts:              map[string]int64{},
		AnchoredCount:              aggregation.AnchoredCount,
		AverageCombinedScore:       aggregation.AverageCombinedScore,
		AverageProcessingLatencyMs: aggregation.AverageProcessingLatencyMs,
	}
	for _, v := range []verification.Verdict{verification.VerdictPass, verification.VerdictReview, verification.VerdictFail} {
		summary.VerdictCounts[string(v)] = aggregation.VerdictCounts[string(v)]
	}

	if aggregation.TotalCount > 0 {
		summary.PassRate = float64(summary.VerdictCounts[string(verification.VerdictPass)]) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
