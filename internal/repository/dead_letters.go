package repository

import (
	"context"
	"time"

	"github.com/example/photoverify/internal/deadletter"
)

// DeadLetterRecord is a signing job the retry queue abandoned.
type DeadLetterRecord struct {
	ID         uint      `gorm:"primaryKey"`
	JobID      string    `gorm:"column:job_id;index;size:64"`
	Digest     string    `gorm:"column:digest;size:128"`
	Attempts   int       `gorm:"column:attempts"`
	Error      string    `gorm:"column:error;type:text"`
	EnqueuedAt time.Time `gorm:"column:enqueued_at"`
	FailedAt   time.Time `gorm:"column:failed_at;index"`
}

// TableName overrides the default table name.
func (DeadLetterRecord) TableName() string {
	return "signing_dead_letters"
}

// Record implements deadletter.Sink.
func (r *VerificationRepository) Record(ctx context.Context, letter deadletter.Letter) error {
	row := &DeadLetterRecord{
		JobID:      letter.JobID,
		Digest:     letter.Digest,
		Attempts:   letter.Attempts,
		Error:      letter.Error,
		EnqueuedAt: letter.EnqueuedAt,
		FailedAt:   letter.FailedAt,
	}
	return r.executeWithRetry(ctx, "repository.record_dead_letter", letter.JobID, func() error {
		return r.db.WithContext(ctx).Create(row).Error
	})
}

// Recent implements deadletter.Lister.
func (r *VerificationRepository) Recent(ctx context.Context, limit int) ([]deadletter.Letter, error) {
	var rows []DeadLetterRecord
	err := r.executeWithRetry(ctx, "repository.recent_dead_letters", "", func() error {
		return r.db.WithContext(ctx).Order("failed_at DESC, id DESC").Limit(limit).Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	letters := make([]deadletter.Letter, 0, len(rows))
	for _, row := range rows {
		letters = append(letters, deadletter.Letter{
			JobID:      row.JobID,
			Digest:     row.Digest,
			Attempts:   row.Attempts,
			Error:      row.Error,
			EnqueuedAt: row.EnqueuedAt,
			FailedAt:   row.FailedAt,
		})
	}
	return letters, nil
}

var (
	_ deadletter.Sink   = (*VerificationRepository)(nil)
	_ deadletter.Lister = (*VerificationRepository)(nil)
)
