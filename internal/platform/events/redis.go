package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/metrics"
)

const publishTimeout = 2 * time.Second

// NewRedisClient connects to the redis instance at url and pings it.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisPublisher publishes events as JSON on a redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
	metrics *metrics.Collectors
}

// NewRedisPublisher creates a publisher writing to channel.
func NewRedisPublisher(client *redis.Client, channel string, logger zerolog.Logger, m *metrics.Collectors) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "events").Str("channel", channel).Logger(),
		metrics: m,
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	data, err := json.Marshal(e)
	if err != nil {
		p.fail(e, fmt.Errorf("marshal event: %w", err))
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := p.client.Publish(pctx, p.channel, data).Err(); err != nil {
		p.fail(e, err)
		return
	}
	p.logger.Debug().Str("event_id", e.ID.String()).Str("type", e.Type).Msg("event published")
}

func (p *RedisPublisher) fail(e Event, err error) {
	p.metrics.PublishFailed()
	p.logger.Error().
		Err(err).
		Str("event_id", e.ID.String()).
		Str("type", e.Type).
		Str("visit_id", e.VisitID.String()).
		Msg("failed to publish event")
}

// Subscribe decodes events from the channel until ctx is done. Malformed
// payloads are logged and skipped.
func (p *RedisPublisher) Subscribe(ctx context.Context) (<-chan Event, error) {
	pubsub := p.client.Subscribe(ctx, p.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", p.channel, err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					p.logger.Warn().Err(err).Msg("skipping malformed event")
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
