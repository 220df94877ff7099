package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/photoverify/internal/depth"
	"github.com/example/photoverify/internal/logging"
	"github.com/example/photoverify/internal/metadata"
	"github.com/example/photoverify/internal/repository"
	"github.com/example/photoverify/internal/retry"
	"github.com/example/photoverify/internal/signing"
	"github.com/example/photoverify/internal/verification"
)

const (
	processingMarker = "processing"
	processingTTL    = time.Minute
	resultTTL        = 5 * time.Minute
)

// VerificationRepository defines the persistence operations needed by the use case.
type VerificationRepository interface {
	SaveRecord(ctx context.Context, record *repository.VerificationRecord) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.VerificationRecord, error)
	FindDuplicatesByChecksum(ctx context.Context, userID, checksum, excludeRequestID string) ([]*repository.VerificationRecord, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Verifier runs the verification pipeline.
type Verifier interface {
	Run(ctx context.Context, in verification.Input) (*verification.Result, error)
}

// Anchorer signs the checksum of a verified image.
type Anchorer interface {
	SignResult(ctx context.Context, payload []byte) (*signing.SignatureResult, error)
}

// VerifyRequest is one uploaded image plus its optional side inputs.
type VerifyRequest struct {
	Image            []byte
	Depth            *depth.Frame
	ExpectedDeviceID string
}

// Verification is the stored and returned view of a verification request.
type Verification struct {
	RequestID        string               `json:"request_id"`
	UserID           string               `json:"user_id"`
	Checksum         string               `json:"checksum"`
	Verdict          verification.Verdict `json:"verdict"`
	ExifScore        float64              `json:"exif_score"`
	DepthConfidence  *float64             `json:"depth_confidence,omitempty"`
	CombinedScore    float64              `json:"combined_score"`
	Metadata         metadata.Summary     `json:"metadata"`
	ExpectedDeviceID string               `json:"expected_device_id,omitempty"`
	Signature        string               `json:"signature,omitempty"`
	AnchoredDigest   string               `json:"anchored_digest,omitempty"`
	AnchorStatus     string               `json:"anchor_status"`
	ProcessingMs     int64                `json:"processing_ms"`
	CreatedAt        time.Time            `json:"created_at"`
}

// DuplicateReport lists the user's earlier uploads of the same image content.
type DuplicateReport struct {
	Request    *Verification   `json:"request"`
	Duplicates []*Verification `json:"duplicates"`
}

// VerificationUseCase encapsulates business logic for the verification flow.
type VerificationUseCase struct {
	repo           VerificationRepository
	cache          Cache
	pipeline       Verifier
	anchorer       Anchorer
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

// NewVerificationUseCase constructs a new use case instance. A nil anchorer
// disables signing; records are then stored as skipped.
func NewVerificationUseCase(repo VerificationRepository, cache Cache, pipeline Verifier, anchorer Anchorer, logger *zap.Logger) *VerificationUseCase {
	policy := retry.DefaultPolicy()
	return &VerificationUseCase{
		repo:           repo,
		cache:          cache,
		pipeline:       pipeline,
		anchorer:       anchorer,
		logger:         logger.Named("verification_usecase"),
		retryAttempts:  policy.Attempts,
		initialBackoff: policy.InitialBackoff,
		maxBackoff:     policy.MaxBackoff,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// VerifyImage runs the pipeline, anchors non-failing verdicts, then persists
// and caches the outcome.
func (uc *VerificationUseCase) VerifyImage(ctx context.Context, userID string, req VerifyRequest) (*Verification, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify_image", requestID)

	cacheKey := resultKey(requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, processingMarker, processingTTL)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	started := time.Now()
	result, err := uc.pipeline.Run(ctx, verification.Input{
		Image:            req.Image,
		Depth:            req.Depth,
		ExpectedDeviceID: req.ExpectedDeviceID,
	})
	if err != nil {
		opLogger.Warn("verification pipeline failed", logging.ErrorFields(err)...)
		return nil, err
	}

	v := &Verification{
		RequestID:        requestID,
		UserID:           userID,
		Checksum:         result.Checksum,
		Verdict:          result.Verdict,
		ExifScore:        result.ExifScore,
		CombinedScore:    result.Combined,
		Metadata:         result.Metadata,
		ExpectedDeviceID: req.ExpectedDeviceID,
		AnchorStatus:     repository.AnchorSkipped,
		CreatedAt:        uc.now(),
	}
	if result.DepthScore != nil {
		confidence := result.DepthScore.Confidence
		v.DepthConfidence = &confidence
	}

	uc.anchor(ctx, opLogger, v, req.Image)
	v.ProcessingMs = time.Since(started).Milliseconds()

	record, err := toRecord(v)
	if err != nil {
		return nil, logging.NewOperationError("usecase.encode_record", requestID, err)
	}
	if err := uc.repo.SaveRecord(ctx, record); err != nil {
		wrapped := logging.NewOperationError("usecase.save_record", requestID, err)
		opLogger.Error("failed to persist verification record", zap.Error(wrapped))
		return nil, wrapped
	}

	serialized, err := json.Marshal(v)
	if err != nil {
		opLogger.Error("failed to serialize verification result", zap.Error(err))
		return nil, err
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), resultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache verification result", zap.Error(err))
	}

	opLogger.Info("verification complete",
		zap.String("verdict", string(v.Verdict)),
		zap.Float64("combined_score", v.CombinedScore),
		zap.String("anchor_status", v.AnchorStatus),
	)
	return v, nil
}

// anchor signs the image bytes so the signing digest is the pipeline checksum.
func (uc *VerificationUseCase) anchor(ctx context.Context, opLogger *zap.Logger, v *Verification, image []byte) {
	if uc.anchorer == nil || v.Verdict == verification.VerdictFail {
		return
	}
	sig, err := uc.anchorer.SignResult(ctx, image)
	if err != nil {
		v.AnchorStatus = repository.AnchorFailed
		opLogger.Error("anchoring failed", logging.ErrorFields(err)...)
		return
	}
	if sig.Digest != v.Checksum {
		v.AnchorStatus = repository.AnchorFailed
		opLogger.Error("anchored digest does not match checksum",
			zap.String("checksum", v.Checksum),
			zap.String("digest", sig.Digest),
		)
		return
	}
	v.Signature = sig.SignatureHex
	v.AnchoredDigest = sig.Digest
	v.AnchorStatus = repository.AnchorAnchored
}

// GetResult retrieves a cached verification outcome or loads from persistence.
func (uc *VerificationUseCase) GetResult(ctx context.Context, userID, requestID string) (*Verification, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultKey(requestID)); err == nil {
		if cached != processingMarker {
			var payload Verification
			if err := json.Unmarshal([]byte(cached), &payload); err != nil {
				opLogger.Warn("failed to decode cached result", zap.Error(err))
			} else if payload.UserID == userID {
				return &payload, nil
			}
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	record, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	return fromRecord(record), nil
}

// GetDuplicateReport builds a duplicate detection report for a verification request.
func (uc *VerificationUseCase) GetDuplicateReport(ctx context.Context, userID, requestID string) (*DuplicateReport, error) {
	record, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindDuplicatesByChecksum(ctx, userID, record.Checksum, record.RequestID)
	if err != nil {
		return nil, err
	}

	report := &DuplicateReport{
		Request:    fromRecord(record),
		Duplicates: make([]*Verification, 0, len(duplicates)),
	}
	for _, d := range duplicates {
		report.Duplicates = append(report.Duplicates, fromRecord(d))
	}
	return report, nil
}

func (uc *VerificationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	policy := retry.Policy{
		Attempts:       uc.retryAttempts,
		InitialBackoff: uc.initialBackoff,
		MaxBackoff:     uc.maxBackoff,
	}
	return retry.Do(ctx, uc.logger, policy, operation, requestID, fn)
}

func (uc *VerificationUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func resultKey(requestID string) string {
	return fmt.Sprintf("verification:%s", requestID)
}

func toRecord(v *Verification) (*repository.VerificationRecord, error) {
	meta, err := json.Marshal(v.Metadata)
	if err != nil {
		return nil, err
	}
	return &repository.VerificationRecord{
		RequestID:        v.RequestID,
		UserID:           v.UserID,
		Checksum:         v.Checksum,
		Verdict:          string(v.Verdict),
		ExifScore:        v.ExifScore,
		DepthConfidence:  v.DepthConfidence,
		CombinedScore:    v.CombinedScore,
		DeviceMake:       v.Metadata.DeviceMake,
		DeviceModel:      v.Metadata.DeviceModel,
		ExpectedDeviceID: v.ExpectedDeviceID,
		Metadata:         string(meta),
		Signature:        v.Signature,
		AnchoredDigest:   v.AnchoredDigest,
		AnchorStatus:     v.AnchorStatus,
		ProcessingMs:     v.ProcessingMs,
		CreatedAt:        v.CreatedAt,
	}, nil
}

func fromRecord(r *repository.VerificationRecord) *Verification {
	v := &Verification{
		RequestID:        r.RequestID,
		UserID:           r.UserID,
		Checksum:         r.Checksum,
		Verdict:          verification.Verdict(r.Verdict),
		ExifScore:        r.ExifScore,
		DepthConfidence:  r.DepthConfidence,
		CombinedScore:    r.CombinedScore,
		ExpectedDeviceID: r.ExpectedDeviceID,
		Signature:        r.Signature,
		AnchoredDigest:   r.AnchoredDigest,
		AnchorStatus:     r.AnchorStatus,
		ProcessingMs:     r.ProcessingMs,
		CreatedAt:        r.CreatedAt,
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &v.Metadata); err == nil {
			return v
		}
	}
	v.Metadata = metadata.Summary{DeviceMake: r.DeviceMake, DeviceModel: r.DeviceModel}
	return v
}
