package signal

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/rpc"
)

const redisChannelPrefix = "signal:"

func buildChannel(endpoint core.EndpointID) string {
	return redisChannelPrefix + string(endpoint)
}

type RedisTransport struct {
	rdb *redis.Client
}

// RedisPubSub is factory for building a signaling transport based on redis pubsub
func RedisPubSub(rdb *redis.Client) *RedisTransport {
	return &RedisTransport{rdb: rdb}
}

func (t *RedisTransport) Publish(ctx context.Context, to, from core.EndpointID, msg rpc.Rpc) error {
	payload, err := encodeEnvelope(from, msg)
	if err != nil {
		return err
	}
	return t.rdb.Publish(ctx, buildChannel(to), payload).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, endpoint core.EndpointID) (Subscription, error) {
	pubsub := t.rdb.Subscribe(ctx, buildChannel(endpoint))
	// Wait until subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	s := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Envelope, 64),
		done:   make(chan struct{}),
	}
	go s.run(endpoint)

	return s, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Envelope
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) run(endpoint core.EndpointID) {
	defer close(s.out)

	for msg := range s.pubsub.Channel() {
		env, err := decodeEnvelope([]byte(msg.Payload))
		if err != nil {
			log.Warn().Err(err).Str("service", "signal").Str("endpoint", string(endpoint)).Msg("drop malformed envelope")
			continue
		}
		select {
		case s.out <- env:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Channel() <-chan Envelope {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
