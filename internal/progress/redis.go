package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"media-alt-batcher/internal/models"
)

// RedisSink publishes snapshots as JSON on a per-job pub/sub channel so
// external UIs can follow a batch without polling the API.
type RedisSink struct {
	client        *redis.Client
	channelPrefix string
}

// NewRedisSink wraps an existing client. prefix defaults to "progress".
func NewRedisSink(client *redis.Client, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "progress"
	}
	return &RedisSink{client: client, channelPrefix: prefix}
}

// Channel returns the pub/sub channel name used for a job.
func (s *RedisSink) Channel(jobID string) string {
	return fmt.Sprintf("%s:%s", s.channelPrefix, jobID)
}

func (s *RedisSink) Publish(ctx context.Context, snap models.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Publish(ctx, s.Channel(snap.JobID), payload).Err(); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}
