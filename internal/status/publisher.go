package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"devtunnel/internal/config"
	"devtunnel/internal/constants"
	"devtunnel/internal/session"
)

// Publisher pushes report snapshots to an external store.
type Publisher interface {
	Publish(ctx context.Context, r Report) error
	Close() error
}

// NopPublisher drops every report.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Report) error { return nil }
func (NopPublisher) Close() error                          { return nil }

type setter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisPublisher writes each report line under devtunnel:status:<userId>
// with a TTL, so lines of vanished sessions expire on their own.
type RedisPublisher struct {
	client setter
	closer func() error
	ttl    time.Duration
}

func NewRedisPublisher(cfg config.RedisConfig, ttl time.Duration) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisPublisher{client: client, closer: client.Close, ttl: ttl}, nil
}

func Key(userID string) string {
	return constants.RedisKeyPrefix + userID
}

func (p *RedisPublisher) Publish(ctx context.Context, r Report) error {
	for _, line := range r.Lines {
		data, err := json.Marshal(line)
		if err != nil {
			return fmt.Errorf("marshal status of %s: %w", line.UserID, err)
		}
		if err := p.client.Set(ctx, Key(line.UserID), data, p.ttl).Err(); err != nil {
			return fmt.Errorf("publish status of %s: %w", line.UserID, err)
		}
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

// NewPublisher returns a Redis mirror when configured, falling back to
// the no-op publisher when Redis cannot be reached.
func NewPublisher(cfg config.RedisConfig, log zerolog.Logger) Publisher {
	if !cfg.Enabled() {
		log.Info().Msg("💾 Status mirror disabled")
		return NopPublisher{}
	}
	pub, err := NewRedisPublisher(cfg, constants.StatusMirrorTTL)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️  Redis connection failed")
		log.Info().Msg("💾 Falling back to no status mirror")
		return NopPublisher{}
	}
	log.Info().Msgf("💾 Mirroring status to Redis: %s", cfg.Addr())
	return pub
}

// Mirror publishes a fresh report every interval until ctx is done.
func Mirror(ctx context.Context, reg *session.Registry, pub Publisher, every time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pub.Publish(ctx, Build(reg)); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("status mirror publish failed")
			}
		}
	}
}
