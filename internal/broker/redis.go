package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/geoflux/coremachine/internal/backoff"
	"github.com/geoflux/coremachine/internal/platform/logger"
)

const group = "coremachine"

// RedisBroker implements Broker on Redis Streams with a single consumer
// group per queue. Visibility timeout is enforced by XAUTOCLAIM sweeping
// entries idle longer than the caller's requested visibility, rather than
// a per-message lease Redis tracks natively.
type RedisBroker struct {
	log      *logger.Logger
	rdb      *goredis.Client
	consumer string

	mu          sync.Mutex
	ensuredGrps map[string]bool

	sendRetry backoff.Policy
}

func NewRedisBroker(log *logger.Logger, addr string, db int, consumerName string) (*RedisBroker, error) {
	if log == nil {
		return nil, fmt.Errorf("broker: logger required")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("broker: redis addr required")
	}
	if consumerName == "" {
		consumerName = "worker"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("broker: redis ping: %w", err)
	}

	return &RedisBroker{
		log:         log.With("service", "RedisBroker"),
		rdb:         rdb,
		consumer:    consumerName,
		ensuredGrps: make(map[string]bool),
		sendRetry: backoff.Policy{
			MaxAttempts: 3,
			MinDelay:    50 * time.Millisecond,
			MaxDelay:    1 * time.Second,
		},
	}, nil
}

func (b *RedisBroker) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

func (b *RedisBroker) ensureGroup(ctx context.Context, queue string) error {
	b.mu.Lock()
	if b.ensuredGrps[queue] {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	err := b.rdb.XGroupCreateMkStream(ctx, queue, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("broker: create group for %s: %w", queue, err)
	}

	b.mu.Lock()
	b.ensuredGrps[queue] = true
	b.mu.Unlock()
	return nil
}

func (b *RedisBroker) Send(ctx context.Context, queue string, body []byte) (string, error) {
	if err := b.ensureGroup(ctx, queue); err != nil {
		return "", err
	}
	var id string
	var lastErr error
	for attempt := 1; ; attempt++ {
		res, err := b.rdb.XAdd(ctx, &goredis.XAddArgs{
			Stream: queue,
			Values: map[string]interface{}{"body": body},
		}).Result()
		if err == nil {
			id = res
			break
		}
		lastErr = err
		if !backoff.ShouldRetry(b.sendRetry, attempt, err) {
			return "", fmt.Errorf("broker: send to %s: %w", queue, err)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff.Compute(b.sendRetry, attempt)):
		}
	}
	if lastErr != nil {
		b.log.Warn("send succeeded after retry", "queue", queue, "last_error", lastErr)
	}
	return id, nil
}

// Receive reads one new message for this consumer, falling back to
// reclaiming a pending message idle longer than visibility when the
// stream has no new entries.
func (b *RedisBroker) Receive(ctx context.Context, queue string, visibility time.Duration) (*Message, error) {
	if err := b.ensureGroup(ctx, queue); err != nil {
		return nil, err
	}

	streams, err := b.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: b.consumer,
		Streams:  []string{queue, ">"},
		Count:    1,
		Block:    2 * time.Second,
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("broker: read group on %s: %w", queue, err)
	}
	if len(streams) > 0 && len(streams[0].Messages) > 0 {
		return b.toMessage(queue, streams[0].Messages[0]), nil
	}

	claimed, _, err := b.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   queue,
		Group:    group,
		Consumer: b.consumer,
		MinIdle:  visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("broker: autoclaim on %s: %w", queue, err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}
	return b.toMessage(queue, claimed[0]), nil
}

func (b *RedisBroker) toMessage(queue string, xm goredis.XMessage) *Message {
	var body []byte
	if v, ok := xm.Values["body"]; ok {
		switch t := v.(type) {
		case string:
			body = []byte(t)
		case []byte:
			body = t
		}
	}
	deliveryCount := b.deliveryCount(queue, xm.ID)
	return &Message{ID: xm.ID, Queue: queue, Body: body, DeliveryCount: deliveryCount}
}

func (b *RedisBroker) deliveryCount(queue, id string) int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ext, err := b.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: queue,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(ext) == 0 {
		return 1
	}
	return ext[0].RetryCount
}

func (b *RedisBroker) Ack(ctx context.Context, queue string, msg *Message) error {
	if msg == nil {
		return nil
	}
	return b.rdb.XAck(ctx, queue, group, msg.ID).Err()
}

// Nack is a no-op: the message stays in the consumer group's pending
// entries list and becomes reclaimable by Receive's XAUTOCLAIM fallback
// once its idle time exceeds the caller's visibility window.
func (b *RedisBroker) Nack(ctx context.Context, queue string, msg *Message) error {
	return nil
}
