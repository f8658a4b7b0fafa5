package wakebus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"critic/internal/domain"
	"critic/internal/metrics"
)

const channelPrefix = "critic:wake:"

// Redis delivers wakes between processes over redis pub/sub. Every process receives every
// wake and hands it to its local subscribers.
type Redis struct {
	local  *Local
	client *redis.Client
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedis(ctx, client), nil
}

func newRedis(ctx context.Context, client *redis.Client) *Redis {
	r := &Redis{
		local:  NewLocal(),
		client: client,
		pubsub: client.PSubscribe(ctx, channelPrefix+"*"),
		done:   make(chan struct{}),
	}
	go r.forward()
	return r
}

func (r *Redis) forward() {
	defer close(r.done)
	for msg := range r.pubsub.Channel() {
		service := strings.TrimPrefix(msg.Channel, channelPrefix)
		if !IsKnown(service) {
			continue
		}
		log.Debug().Str("layer", "wakebus").Str("service", service).Msg("received wake")
		r.local.deliver(service)
	}
}

func (r *Redis) Wake(ctx context.Context, service string) error {
	if !IsKnown(service) {
		return domain.ErrUnknownService
	}
	metrics.WakesTotal.WithLabelValues(service).Inc()
	if err := r.client.Publish(ctx, channelPrefix+service, "").Err(); err != nil {
		// still wake our own process
		r.local.deliver(service)
		return fmt.Errorf("publish wake: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(service string) <-chan struct{} {
	return r.local.Subscribe(service)
}

func (r *Redis) Close() error {
	err := r.pubsub.Close()
	<-r.done
	if closeErr := r.client.Close(); err == nil {
		err = closeErr
	}
	return err
}
