package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"crm-import/internal/models"
)

const progressKeyPrefix = "import:progress:"

// Progress is the live state of a running job.
type Progress struct {
	JobID         int64            `json:"job_id"`
	Status        models.JobStatus `json:"status"`
	TotalRows     int              `json:"total_rows"`
	ProcessedRows int              `json:"processed_rows"`
	ErrorsCount   int              `json:"errors_count"`
	Percentage    float64          `json:"progress_percentage"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// ProgressPublisher makes live progress visible before the next persisted snapshot.
type ProgressPublisher interface {
	Publish(ctx context.Context, p Progress) error
}

// ProgressReader returns the last published progress, or nil when none exists.
type ProgressReader interface {
	Get(ctx context.Context, jobID int64) (*Progress, error)
}

func ProgressKey(jobID int64) string {
	return fmt.Sprintf("%s%d", progressKeyPrefix, jobID)
}

// RedisProgress stores progress as JSON under import:progress:<job id>.
type RedisProgress struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisProgress(client *redis.Client, ttl time.Duration) *RedisProgress {
	return &RedisProgress{client: client, ttl: ttl}
}

func (p *RedisProgress) Publish(ctx context.Context, progress Progress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	return p.client.Set(ctx, ProgressKey(progress.JobID), data, p.ttl).Err()
}

func (p *RedisProgress) Get(ctx context.Context, jobID int64) (*Progress, error) {
	data, err := p.client.Get(ctx, ProgressKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var progress Progress
	if err := json.Unmarshal(data, &progress); err != nil {
		return nil, fmt.Errorf("decode progress for job %d: %w", jobID, err)
	}
	return &progress, nil
}
