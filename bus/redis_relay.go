package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const relayTimeout = 2 * time.Second

// RedisRelay mirrors bus topics onto Redis pub/sub channels named
// <prefix><topic> so that other processes can follow the live stream.
type RedisRelay struct {
	client *redis.Client
	prefix string
	logger *logrus.Entry
}

func NewRedisRelay(client *redis.Client, prefix string, logger *logrus.Entry) *RedisRelay {
	if prefix == "" {
		prefix = "unibox:"
	}
	return &RedisRelay{client: client, prefix: prefix, logger: logger}
}

// Channel returns the Redis channel a topic is mirrored to
func (r *RedisRelay) Channel(topic Topic) string {
	return r.prefix + string(topic)
}

// Attach subscribes the relay to every topic of b and returns the detach func
func (r *RedisRelay) Attach(b *Bus) func() {
	return b.SubscribeAll(r.forward)
}

func (r *RedisRelay) forward(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.WithError(err).WithField("topic", env.Topic).Error("Failed to encode envelope for relay")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.Channel(env.Topic), data).Err(); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"topic":    env.Topic,
			"event_id": env.ID,
		}).Warn("Failed to relay envelope to redis")
	}
}
