package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// BuildPublisher constructs a Redis Streams publisher from settings.
func BuildPublisher(s Settings) (message.Publisher, error) {
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	return rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, NewWatermillLogger(log.Logger))
}

// BuildGroupSubscriber returns a subscriber bound to the given consumer
// group/name. Each room forwarder gets its own consumer so broadcasts fan out
// to every process.
func BuildGroupSubscriber(addr, group, consumer string) (message.Subscriber, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, NewWatermillLogger(log.Logger))
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($) if
// it doesn't exist, preventing full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP means the group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
