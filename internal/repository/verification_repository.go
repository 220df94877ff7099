package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/photoverify/internal/apperr"
	"github.com/example/photoverify/internal/retry"
)

// Anchor states of a verification record.
const (
	AnchorPending  = "pending"
	AnchorAnchored = "anchored"
	AnchorFailed   = "failed"
	AnchorSkipped  = "skipped"
)

// VerificationRecord represents a persisted verification outcome.
type VerificationRecord struct {
	ID               uint      `gorm:"primaryKey"`
	RequestID        string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID           string    `gorm:"column:user_id;index;size:64"`
	Checksum         string    `gorm:"column:checksum;index;size:64"`
	Verdict          string    `gorm:"column:verdict;index;size:16"`
	ExifScore        float64   `gorm:"column:exif_score"`
	DepthConfidence  *float64  `gorm:"column:depth_confidence"`
	CombinedScore    float64   `gorm:"column:combined_score"`
	DeviceMake       string    `gorm:"column:device_make;size:128"`
	DeviceModel      string    `gorm:"column:device_model;size:128"`
	ExpectedDeviceID string    `gorm:"column:expected_device_id;size:128"`
	Metadata         string    `gorm:"column:metadata;type:text"`
	Signature        string    `gorm:"column:signature;type:text"`
	AnchoredDigest   string    `gorm:"column:anchored_digest;size:64"`
	AnchorStatus     string    `gorm:"column:anchor_status;size:16"`
	ProcessingMs     int64     `gorm:"column:processing_ms"`
	CreatedAt        time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (VerificationRecord) TableName() string {
	return "verification_records"
}

// MetricsAggregation is the raw roll-up of stored verification records.
type MetricsAggregation struct {
	TotalCount                 int64
	VerdictCounts              map[string]int64
	AnchoredCount              int64
	AverageCombinedScore       float64
	AverageProcessingLatencyMs float64
}

// VerificationRepository provides persistence APIs for verification records
// and abandoned signing jobs.
type VerificationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewVerificationRepository creates a new repository instance.
func NewVerificationRepository(db *gorm.DB, logger *zap.Logger) *VerificationRepository {
	policy := retry.DefaultPolicy()
	return &VerificationRepository{
		db:             db,
		logger:         logger.Named("verification_repository"),
		retryAttempts:  policy.Attempts,
		initialBackoff: policy.InitialBackoff,
		maxBackoff:     policy.MaxBackoff,
	}
}

// AutoMigrate ensures the schema is available.
func (r *VerificationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&VerificationRecord{}, &DeadLetterRecord{})
}

// SaveRecord persists a verification record.
func (r *VerificationRepository) SaveRecord(ctx context.Context, record *VerificationRecord) error {
	return r.executeWithRetry(ctx, "repository.save_record", record.RequestID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindByRequestIDAndUser retrieves a verification record matching the request and owner.
func (r *VerificationRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*VerificationRecord, error) {
	var record VerificationRecord
	err := r.executeWithRetry(ctx, "repository.find_record", requestID, func() error {
		return r.db.WithContext(ctx).First(&record, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if err != nil {
		return nil, notFound(err, "verification not found")
	}
	return &record, nil
}

// FindDuplicatesByChecksum lists the user's other records for the same image
// content, newest first.
func (r *VerificationRepository) FindDuplicatesByChecksum(ctx context.Context, userID, checksum, excludeRequestID string) ([]*VerificationRecord, error) {
	var records []*VerificationRecord
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Where("user_id = ? AND checksum = ? AND request_id <> ?", userID, checksum, excludeRequestID).
			Order("created_at DESC").
			Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

type verdictRow struct {
	Verdict     string
	Count       int64
	Anchored    int64
	AvgCombined float64
	AvgLatency  float64
}

// AggregateMetrics rolls up every stored record by verdict.
func (r *VerificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var rows []verdictRow
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		rows = rows[:0]
		return r.db.WithContext(ctx).
			Model(&VerificationRecord{}).
			Select("verdict, COUNT(*) AS count, " +
				"SUM(CASE WHEN anchor_status = '" + AnchorAnchored + "' THEN 1 ELSE 0 END) AS anchored, " +
				"COALESCE(AVG(combined_score), 0) AS avg_combined, " +
				"COALESCE(AVG(processing_ms), 0) AS avg_latency").
			Group("verdict").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return summarise(rows), nil
}

// summarise merges per-verdict rows, weighting averages by row count.
func summarise(rows []verdictRow) *MetricsAggregation {
	agg := &MetricsAggregation{VerdictCounts: make(map[string]int64, len(rows))}
	var combinedSum, latencySum float64
	for _, row := range rows {
		agg.TotalCount += row.Count
		agg.AnchoredCount += row.Anchored
		agg.VerdictCounts[row.Verdict] += row.Count
		combinedSum += row.AvgCombined * float64(row.Count)
		latencySum += row.AvgLatency * float64(row.Count)
	}
	if agg.TotalCount > 0 {
		agg.AverageCombinedScore = combinedSum / float64(agg.TotalCount)
		agg.AverageProcessingLatencyMs = latencySum / float64(agg.TotalCount)
	}
	return agg
}

func (r *VerificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	policy := retry.Policy{
		Attempts:       r.retryAttempts,
		InitialBackoff: r.initialBackoff,
		MaxBackoff:     r.maxBackoff,
	}
	return retry.Do(ctx, r.logger, policy, operation, requestID, fn)
}

func notFound(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.Wrap(err, apperr.KindNotFound, msg)
	}
	return err
}
