package app

import (
	"strings"

	"github.com/charlesng35/weddingdesk/internal/queue"
)

// UsesRedis reports whether batches are scheduled through Redis streams.
func (q QueueConfig) UsesRedis() bool {
	return strings.EqualFold(strings.TrimSpace(q.Driver), "redis")
}

// RedisQueueConfig converts queue settings into the queue package representation.
func (q QueueConfig) RedisQueueConfig() queue.RedisConfig {
	return queue.RedisConfig{
		Stream:       strings.TrimSpace(q.Stream),
		Group:        strings.TrimSpace(q.Group),
		Consumer:     strings.TrimSpace(q.Consumer),
		ScheduleKey:  strings.TrimSpace(q.ScheduleKey),
		Block:        q.Block,
		ClaimIdle:    q.ClaimIdle,
		PollInterval: q.PollInterval,
	}
}
