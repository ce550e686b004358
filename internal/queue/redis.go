package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/charlesng35/weddingdesk/pkg/logger"
)

const (
	defaultStream       = "weddingdesk:dispatch"
	defaultGroup        = "dispatchers"
	defaultScheduleKey  = "weddingdesk:dispatch:scheduled"
	defaultBlock        = 2 * time.Second
	defaultClaimIdle    = 2 * time.Minute
	defaultPollInterval = 250 * time.Millisecond
	promoteBatch        = 100
	reclaimBatch        = 10
)

// RedisConfig describes the stream, consumer group and schedule used by RedisQueue.
type RedisConfig struct {
	Stream       string
	Group        string
	Consumer     string
	ScheduleKey  string        // sorted set holding tasks that are not yet due
	Block        time.Duration // how long XREADGROUP waits for new entries
	ClaimIdle    time.Duration // pending entries idle this long are claimed by this consumer
	PollInterval time.Duration // how often due tasks are promoted into the stream
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Stream == "" {
		c.Stream = defaultStream
	}
	if c.Group == "" {
		c.Group = defaultGroup
	}
	if c.Consumer == "" {
		c.Consumer = "dispatcher-" + uuid.NewString()[:8]
	}
	if c.ScheduleKey == "" {
		c.ScheduleKey = defaultScheduleKey
	}
	if c.Block <= 0 {
		c.Block = defaultBlock
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = defaultClaimIdle
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// RedisQueue schedules tasks in a sorted set and hands them out through a stream
// consumer group so several dispatcher processes can share the work.
type RedisQueue struct {
	client  redis.UniversalClient
	cfg     RedisConfig
	log     *zap.Logger
	now     func() time.Time
	claimed chan Task

	stopCh    chan struct{}
	stoppedCh chan struct{}
	closeOnce sync.Once
}

// NewRedisQueue ensures the consumer group exists and starts the promotion loop.
func NewRedisQueue(ctx context.Context, client redis.UniversalClient, cfg RedisConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("redis queue: client is required")
	}

	q := &RedisQueue{
		client:    client,
		cfg:       cfg.withDefaults(),
		log:       logger.WithModule("queue"),
		now:       time.Now,
		claimed:   make(chan Task, reclaimBatch),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}

	go q.run()
	return q, nil
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	// Start from "0" so entries written before the group existed are still delivered.
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis queue: create consumer group: %w", err)
	}
	return nil
}

// Enqueue adds the task to the stream, or to the schedule when it is not yet due.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}

	if task.NotBefore.After(q.now()) {
		member, err := json.Marshal(scheduledTask{
			ID:          task.ID,
			CampaignID:  task.CampaignID,
			Batch:       task.Batch,
			DeliveryIDs: task.DeliveryIDs,
			Attempt:     task.Attempt,
			NotBefore:   task.NotBefore.UTC(),
		})
		if err != nil {
			return fmt.Errorf("redis queue: encode task: %w", err)
		}
		if err := q.client.ZAdd(ctx, q.cfg.ScheduleKey, redis.Z{
			Score:  float64(task.NotBefore.UnixMilli()),
			Member: string(member),
		}).Err(); err != nil {
			return fmt.Errorf("redis queue: zadd: %w", err)
		}
		return nil
	}

	return q.publish(ctx, task)
}

func (q *RedisQueue) publish(ctx context.Context, task Task) error {
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: taskValues(task),
	}).Err(); err != nil {
		return fmt.Errorf("redis queue: xadd (stream=%s): %w", q.cfg.Stream, err)
	}
	return nil
}

// Dequeue reads the next entry for this consumer, preferring reclaimed entries.
func (q *RedisQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		select {
		case <-q.stopCh:
			return Task{}, ErrClosed
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case task := <-q.claimed:
			return task, nil
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    1,
			Block:    q.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			return Task{}, fmt.Errorf("redis queue: xreadgroup: %w", err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				task, parseErr := parseTask(msg)
				if parseErr != nil {
					q.log.Error("dropping malformed task", zap.String("message_id", msg.ID), zap.Error(parseErr))
					_ = q.Ack(ctx, Task{ref: msg.ID})
					continue
				}
				return task, nil
			}
		}
	}
}

// Ack acknowledges and removes the stream entry.
func (q *RedisQueue) Ack(ctx context.Context, task Task) error {
	if task.ref == "" {
		return errors.New("queue: task was not dequeued")
	}
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, task.ref).Err(); err != nil {
		return fmt.Errorf("redis queue: xack (stream=%s): %w", q.cfg.Stream, err)
	}
	if err := q.client.XDel(ctx, q.cfg.Stream, task.ref).Err(); err != nil {
		return fmt.Errorf("redis queue: xdel (stream=%s): %w", q.cfg.Stream, err)
	}
	return nil
}

// Retry acknowledges the entry and schedules the next attempt.
func (q *RedisQueue) Retry(ctx context.Context, task Task, delay time.Duration) error {
	if err := q.Ack(ctx, task); err != nil {
		return fmt.Errorf("acking task for retry: %w", err)
	}
	return q.Enqueue(ctx, nextAttempt(task, q.now(), delay))
}

// Close stops the background loop. The client is owned by the caller.
func (q *RedisQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.stopCh)
		<-q.stoppedCh
	})
	return nil
}

func (q *RedisQueue) run() {
	defer close(q.stoppedCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promote := time.NewTicker(q.cfg.PollInterval)
	defer promote.Stop()
	reclaim := time.NewTicker(max(q.cfg.ClaimIdle/2, q.cfg.PollInterval))
	defer reclaim.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-promote.C:
			if _, err := q.promoteDue(ctx); err != nil {
				q.log.Warn("promote scheduled tasks", zap.Error(err))
			}
		case <-reclaim.C:
			if err := q.reclaimStale(ctx); err != nil {
				q.log.Warn("reclaim stale tasks", zap.Error(err))
			}
		}
	}
}

// promoteDue moves due tasks from the schedule into the stream. ZREM decides
// ownership so concurrent processes never publish the same member twice.
func (q *RedisQueue) promoteDue(ctx context.Context) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.cfg.ScheduleKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore: %w", err)
	}

	promoted := 0
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.cfg.ScheduleKey, member).Result()
		if err != nil {
			return promoted, fmt.Errorf("zrem: %w", err)
		}
		if removed == 0 {
			continue
		}

		var scheduled scheduledTask
		if err := json.Unmarshal([]byte(member), &scheduled); err != nil {
			q.log.Error("dropping malformed scheduled task", zap.Error(err))
			continue
		}
		if err := q.publish(ctx, scheduled.task()); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// reclaimStale takes over entries left pending by consumers that stopped
// acknowledging, usually because the process died mid-batch.
func (q *RedisQueue) reclaimStale(ctx context.Context) error {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Idle:   q.cfg.ClaimIdle,
		Start:  "-",
		End:    "+",
		Count:  reclaimBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}

	msgs, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.ClaimIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim: %w", err)
	}

	for _, msg := range msgs {
		task, parseErr := parseTask(msg)
		if parseErr != nil {
			_ = q.Ack(ctx, Task{ref: msg.ID})
			continue
		}
		select {
		case q.claimed <- task:
			q.log.Info("reclaimed stale task", zap.String("task_id", task.ID), zap.String("campaign_id", task.CampaignID))
		default:
			// Buffer full; the entry stays pending and is claimed again next cycle.
			return nil
		}
	}
	return nil
}

type scheduledTask struct {
	ID          string    `json:"id"`
	CampaignID  string    `json:"campaign_id"`
	Batch       int       `json:"batch"`
	DeliveryIDs []string  `json:"delivery_ids"`
	Attempt     int       `json:"attempt"`
	NotBefore   time.Time `json:"not_before"`
}

func (s scheduledTask) task() Task {
	return Task{
		ID:          s.ID,
		CampaignID:  s.CampaignID,
		Batch:       s.Batch,
		DeliveryIDs: s.DeliveryIDs,
		Attempt:     s.Attempt,
		NotBefore:   s.NotBefore,
	}
}

func taskValues(task Task) map[string]any {
	return map[string]any{
		"task_id":      task.ID,
		"campaign_id":  task.CampaignID,
		"batch":        task.Batch,
		"attempt":      task.Attempt,
		"delivery_ids": strings.Join(task.DeliveryIDs, ","),
	}
}

func parseTask(msg redis.XMessage) (Task, error) {
	id, err := parseString(msg.Values, "task_id")
	if err != nil {
		return Task{}, err
	}
	campaignID, err := parseString(msg.Values, "campaign_id")
	if err != nil {
		return Task{}, err
	}
	batch, err := parseInt(msg.Values, "batch")
	if err != nil {
		return Task{}, err
	}
	attempt, err := parseInt(msg.Values, "attempt")
	if err != nil {
		return Task{}, err
	}
	if attempt == 0 {
		attempt = 1
	}
	rawIDs, err := parseString(msg.Values, "delivery_ids")
	if err != nil {
		return Task{}, err
	}

	var deliveryIDs []string
	for _, part := range strings.Split(rawIDs, ",") {
		if part = strings.TrimSpace(part); part != "" {
			deliveryIDs = append(deliveryIDs, part)
		}
	}
	if campaignID == "" || len(deliveryIDs) == 0 {
		return Task{}, fmt.Errorf("task %s has no campaign or deliveries", id)
	}

	return Task{
		ID:          id,
		CampaignID:  campaignID,
		Batch:       batch,
		DeliveryIDs: deliveryIDs,
		Attempt:     attempt,
		ref:         msg.ID,
	}, nil
}

func parseInt(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	num, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func parseString(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	return fmt.Sprint(raw), nil
}
