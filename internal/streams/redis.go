package streams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"stemflow/internal/logging"
	"stemflow/internal/services"
)

// RedisBus implements Bus on Redis Streams consumer groups.
type RedisBus struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisBus wraps an existing client. The caller keeps ownership of client.
func NewRedisBus(client redis.UniversalClient, logger *slog.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logging.NewComponentLogger(logger, "redis-bus")}
}

func (b *RedisBus) Publish(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "", "publish", stream, err)
	}
	b.logger.Debug("message published", logging.String(logging.FieldStream, stream), logging.String(logging.FieldMessageID, id))
	return id, nil
}

func (b *RedisBus) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err == nil {
		b.logger.Info("consumer group created", logging.String(logging.FieldStream, stream), logging.String("group", group))
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return services.Wrap(services.ErrTransient, "", "ensure group", stream+"/"+group, err)
}

func (b *RedisBus) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Message, error) {
	if count <= 0 {
		count = 1
	}
	if block <= 0 {
		block = -1
	}
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, services.Wrap(services.ErrTransient, "", "read group", stream+"/"+group, err)
	}
	var out []Message
	for _, s := range res {
		out = append(out, convertMessages(s.Stream, s.Messages)...)
	}
	return out, nil
}

func (b *RedisBus) Ack(ctx context.Context, stream, group, id string) error {
	n, err := b.client.XAck(ctx, stream, group, id).Result()
	if err != nil {
		return services.Wrap(services.ErrTransient, "", "ack", stream+"/"+id, err)
	}
	if n == 0 {
		logging.WarnWithContext(b.logger, "ack for unknown message", "stream_ack_unknown",
			logging.String(logging.FieldStream, stream),
			logging.String("group", group),
			logging.String(logging.FieldMessageID, id),
			logging.String(logging.FieldImpact, "none; the message was already acknowledged"),
		)
	}
	return nil
}

func (b *RedisBus) ReclaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Message, error) {
	if count <= 0 {
		count = 10
	}
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, services.Wrap(services.ErrTransient, "", "reclaim", stream+"/"+group, err)
	}
	return convertMessages(stream, msgs), nil
}

func (b *RedisBus) Pending(ctx context.Context, stream, group string) ([]PendingEntry, error) {
	res, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, services.Wrap(services.ErrTransient, "", "pending", stream+"/"+group, err)
	}
	out := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, PendingEntry{ID: p.ID, Consumer: p.Consumer, Idle: p.Idle, Deliveries: p.RetryCount})
	}
	return out, nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (b *RedisBus) Close() error { return nil }

func convertMessages(stream string, msgs []redis.XMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			switch val := v.(type) {
			case string:
				fields[k] = val
			case nil:
				fields[k] = ""
			default:
				fields[k] = fmt.Sprint(val)
			}
		}
		out = append(out, Message{ID: m.ID, Stream: stream, Fields: fields})
	}
	return out
}
